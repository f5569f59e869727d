package service

import (
	"context"
	"strconv"

	"villaops/internal/domain"
	"villaops/internal/models"
)

// StaticDirectory serves properties and staff loaded from configuration.
type StaticDirectory struct {
	properties map[string]*models.Property
	propOrder  []string
	staff      map[string]*models.Staff
	staffOrder []string
}

func NewStaticDirectory(properties []models.Property, staff []models.Staff) *StaticDirectory {
	d := &StaticDirectory{
		properties: make(map[string]*models.Property, len(properties)),
		staff:      make(map[string]*models.Staff, len(staff)),
	}
	for i := range properties {
		p := properties[i]
		d.properties[p.ID] = &p
		d.propOrder = append(d.propOrder, p.ID)
	}
	for i := range staff {
		s := staff[i]
		d.staff[s.ID] = &s
		d.staffOrder = append(d.staffOrder, s.ID)
	}
	return d
}

func (d *StaticDirectory) GetProperty(_ context.Context, id string) (*models.Property, error) {
	p, ok := d.properties[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "property", ID: id}
	}
	cp := *p
	return &cp, nil
}

func (d *StaticDirectory) ListProperties(_ context.Context) ([]*models.Property, error) {
	out := make([]*models.Property, 0, len(d.propOrder))
	for _, id := range d.propOrder {
		cp := *d.properties[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (d *StaticDirectory) GetStaff(_ context.Context, id string) (*models.Staff, error) {
	s, ok := d.staff[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "staff", ID: id}
	}
	cp := *s
	return &cp, nil
}

func (d *StaticDirectory) ListManagers(_ context.Context) ([]*models.Staff, error) {
	var out []*models.Staff
	for _, id := range d.staffOrder {
		if s := d.staff[id]; s.IsManager {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// StaffByTelegramID finds the staff member whose chat id matches a Telegram
// user id.
func (d *StaticDirectory) StaffByTelegramID(_ context.Context, telegramID int64) (*models.Staff, error) {
	for _, id := range d.staffOrder {
		if s := d.staff[id]; telegramID != 0 && s.TelegramChatID == telegramID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, &domain.NotFoundError{Entity: "staff", ID: strconv.FormatInt(telegramID, 10)}
}
