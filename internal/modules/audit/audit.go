package audit

import (
	"context"
	"time"

	"chatops-agent/internal/storage"

	"go.uber.org/zap"
)

const (
	OutcomeAllowed      = "allowed"
	OutcomeDenied       = "denied"
	OutcomeWrongChannel = "wrong_channel"
	OutcomeFailed       = "failed"
	OutcomeDisabled     = "disabled"
	OutcomeIgnored      = "ignored"
	OutcomePosted       = "posted"
)

type Event struct {
	GuildID   string
	ChannelID string
	UserID    string
	Action    string
	Outcome   string
	Details   string
	MenuToken string
}

type Logger struct {
	store  *storage.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewLogger(store *storage.Store, logger *zap.Logger) *Logger {
	return &Logger{store: store, logger: logger, now: time.Now}
}

// Record persists one dispatch outcome. Storage failures are logged and
// swallowed; the audit trail never blocks an action.
func (l *Logger) Record(ctx context.Context, event Event) {
	if l == nil {
		return
	}
	entry := storage.ActionEvent{
		GuildID:   event.GuildID,
		ChannelID: event.ChannelID,
		UserID:    event.UserID,
		Action:    event.Action,
		Outcome:   event.Outcome,
		Details:   event.Details,
		MenuToken: event.MenuToken,
		CreatedAt: l.now(),
	}
	if l.store != nil {
		if err := l.store.AddActionEvent(ctx, entry); err != nil {
			l.logger.Warn("audit store failed", zap.Error(err))
		}
	}
	l.logger.Debug("audit",
		zap.String("guild_id", event.GuildID),
		zap.String("channel_id", event.ChannelID),
		zap.String("user_id", event.UserID),
		zap.String("action", event.Action),
		zap.String("outcome", event.Outcome),
		zap.String("details", event.Details),
		zap.String("menu_token", event.MenuToken),
	)
}
