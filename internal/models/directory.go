package models

type Property struct {
	ID                 string  `yaml:"id" json:"id"`
	Name               string  `yaml:"name" json:"name"`
	MaxGuests          int     `yaml:"max_guests" json:"max_guests"`
	Latitude           float64 `yaml:"latitude" json:"latitude"`
	Longitude          float64 `yaml:"longitude" json:"longitude"`
	CleaningStartTime  string  `yaml:"cleaning_start_time" json:"cleaning_start_time,omitempty"`
	CleaningMinutes    int     `yaml:"cleaning_minutes" json:"cleaning_minutes,omitempty"`
	RequiresInspection bool    `yaml:"requires_inspection" json:"requires_inspection"`
}

type Staff struct {
	ID             string   `yaml:"id" json:"id"`
	Name           string   `yaml:"name" json:"name"`
	Skills         []string `yaml:"skills" json:"skills,omitempty"`
	TelegramChatID int64    `yaml:"telegram_chat_id" json:"-"`
	IsManager      bool     `yaml:"is_manager" json:"is_manager"`
}
