package notify

import (
	"context"
	"errors"
	"testing"

	"villaops/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return args.Get(0).(tgbotapi.Message), args.Error(1)
}

type staticStaff struct {
	managers []*models.Staff
}

func (s staticStaff) GetStaff(_ context.Context, _ string) (*models.Staff, error) {
	return nil, errors.New("not used")
}

func (s staticStaff) ListManagers(_ context.Context) ([]*models.Staff, error) {
	return s.managers, nil
}

func chatMatcher(chatID int64) interface{} {
	return mock.MatchedBy(func(c tgbotapi.Chattable) bool {
		msg, ok := c.(tgbotapi.MessageConfig)
		return ok && msg.ChatID == chatID && msg.ParseMode == tgbotapi.ModeMarkdown
	})
}

func TestTelegramNotifier(t *testing.T) {
	logger := zerolog.Nop()
	staff := staticStaff{managers: []*models.Staff{
		{ID: "m1", TelegramChatID: 101, IsManager: true},
		{ID: "m2", IsManager: true},
		{ID: "m3", TelegramChatID: 303, IsManager: true},
	}}

	t.Run("SendsToManagersWithChat", func(t *testing.T) {
		sender := new(mockSender)
		sender.On("Send", chatMatcher(101)).Return(tgbotapi.Message{}, nil).Once()
		sender.On("Send", chatMatcher(303)).Return(tgbotapi.Message{}, nil).Once()

		n := NewTelegramNotifier(sender, staff, &logger)
		require.NoError(t, n.Notify(context.Background(), "Risk escalation", "job j1 is critical"))
		sender.AssertExpectations(t)
	})

	t.Run("PartialFailureIsDelivered", func(t *testing.T) {
		sender := new(mockSender)
		sender.On("Send", chatMatcher(101)).Return(tgbotapi.Message{}, errors.New("chat not found")).Once()
		sender.On("Send", chatMatcher(303)).Return(tgbotapi.Message{}, nil).Once()

		n := NewTelegramNotifier(sender, staff, &logger)
		assert.NoError(t, n.Notify(context.Background(), "s", "t"))
	})

	t.Run("AllFailed", func(t *testing.T) {
		sender := new(mockSender)
		sender.On("Send", mock.Anything).Return(tgbotapi.Message{}, errors.New("network down"))

		n := NewTelegramNotifier(sender, staff, &logger)
		err := n.Notify(context.Background(), "s", "t")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "network down")
	})
}

func TestLogNotifier(t *testing.T) {
	logger := zerolog.Nop()
	assert.NoError(t, NewLogNotifier(&logger).Notify(context.Background(), "s", "t"))
}
