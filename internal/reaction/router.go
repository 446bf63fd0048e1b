package reaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatops-agent/internal/chat"
	"chatops-agent/internal/guard"
	"chatops-agent/internal/hooks"
	"chatops-agent/internal/logsink"
	"chatops-agent/internal/modules/audit"
	"chatops-agent/internal/storage"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	GlyphRestart       = "🔄"
	GlyphChangeDNS     = "🌐"
	GlyphRunPayload    = "📦"
	GlyphSendAgentLogs = "📜"
	GlyphDestroy       = "💣"

	AckGlyph = "✅"
)

const DeniedText = "You do not have permission to use this action."

var menu = []struct {
	glyph  string
	action guard.Action
	label  string
}{
	{GlyphRestart, guard.ActionRestart, "restart the agent"},
	{GlyphChangeDNS, guard.ActionChangeDNS, "change DNS (severs connectivity)"},
	{GlyphRunPayload, guard.ActionRunPayload, "fetch and run the configured tool"},
	{GlyphSendAgentLogs, guard.ActionSendAgentLogs, "send the agent error log"},
	{GlyphDestroy, guard.ActionDestroy, "start the destroy countdown"},
}

// MenuText is the body of a menu message.
func MenuText() string {
	var b strings.Builder
	b.WriteString("React to choose an action:\n")
	for _, item := range menu {
		fmt.Fprintf(&b, "%s %s\n", item.glyph, item.label)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ActionFor maps a glyph to its action.
func ActionFor(emoji string) (guard.Action, bool) {
	for _, item := range menu {
		if item.glyph == emoji {
			return item.action, true
		}
	}
	return "", false
}

type Event struct {
	GuildID         string
	ChannelID       string
	MessageID       string
	MessageAuthorID string
	Emoji           string
	Principal       guard.Principal
}

type Handler interface {
	Restart(ctx context.Context, ev Event) error
	ChangeDNS(ctx context.Context, ev Event) error
	RunPayload(ctx context.Context, ev Event) error
	SendAgentLogs(ctx context.Context, ev Event) error
	Destroy(ctx context.Context, ev Event) error
}

type MenuStore interface {
	AddMenu(ctx context.Context, menu storage.Menu) error
	GetMenu(ctx context.Context, messageID string) (storage.Menu, bool, error)
	DeleteMenu(ctx context.Context, messageID string) error
}

type Router struct {
	handler   Handler
	transport chat.Transport
	menus     MenuStore
	logger    *logsink.Logger
	audit     *audit.Logger

	mu     sync.RWMutex
	selfID string
}

func NewRouter(handler Handler, transport chat.Transport, menus MenuStore, logger *logsink.Logger, auditLogger *audit.Logger) *Router {
	return &Router{
		handler:   handler,
		transport: transport,
		menus:     menus,
		logger:    logger,
		audit:     auditLogger,
	}
}

// SetHandler replaces the action handler; the executor and the router refer
// to each other, so one side is wired after construction.
func (r *Router) SetHandler(handler Handler) {
	r.handler = handler
}

// SetSelf records the agent's own user id once the gateway is ready.
func (r *Router) SetSelf(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfID = userID
}

func (r *Router) self() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selfID
}

// PostMenu sends a menu message and records it as an authorized origin for
// reactions.
func (r *Router) PostMenu(ctx context.Context, guildID, channelID string, by guard.Principal) (string, error) {
	messageID, err := r.transport.Send(ctx, channelID, MenuText())
	if err != nil {
		return "", fmt.Errorf("send menu: %w", err)
	}
	record := storage.Menu{
		MessageID:    messageID,
		ChannelID:    channelID,
		GuildID:      guildID,
		AuthorizedBy: by.ID,
		Token:        ulid.Make().String(),
		CreatedAt:    time.Now(),
	}
	if err := r.menus.AddMenu(ctx, record); err != nil {
		return messageID, fmt.Errorf("record menu: %w", err)
	}
	r.audit.Record(ctx, audit.Event{
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    by.ID,
		Action:    string(guard.ActionMenu),
		Outcome:   audit.OutcomePosted,
		Details:   messageID,
		MenuToken: record.Token,
	})
	for _, item := range menu {
		if err := r.transport.React(ctx, channelID, messageID, item.glyph); err != nil {
			r.logger.Warn("menu reaction seed failed", zap.String("glyph", item.glyph), zap.Error(err))
		}
	}
	return messageID, nil
}

// Handle dispatches a reaction to at most one action and reports whether the
// reaction landed on a live menu.
func (r *Router) Handle(ctx context.Context, ev Event) bool {
	self := r.self()
	if self == "" || ev.Principal.ID == self || ev.MessageAuthorID != self {
		return false
	}

	record, ok, err := r.menus.GetMenu(ctx, ev.MessageID)
	if err != nil {
		r.logger.Error("menu lookup failed", zap.String("message_id", ev.MessageID), zap.Error(err))
		return false
	}
	if !ok {
		r.logger.Debug("reaction on unregistered message ignored", zap.String("message_id", ev.MessageID))
		return false
	}

	action, known := ActionFor(ev.Emoji)
	auditAction := string(action)
	if !known {
		auditAction = "reaction"
	}

	if guard.Authorize(ev.Principal, action) != guard.Allowed {
		if _, err := r.transport.Send(ctx, ev.ChannelID, DeniedText); err != nil {
			r.logger.Error("reply failed", zap.String("channel_id", ev.ChannelID), zap.Error(err))
		}
		r.logger.Error(fmt.Sprintf("User %s attempted to use the %s reaction. Invalid permissions.", ev.Principal.Name, ev.Emoji),
			zap.String("user_id", ev.Principal.ID))
		r.record(ctx, ev, record.Token, auditAction, audit.OutcomeDenied, "")
		return true
	}

	r.acknowledge(ctx, ev, record)

	if !known {
		r.logger.Info(fmt.Sprintf("Reaction %s from %s is not a menu action.", ev.Emoji, ev.Principal.Name))
		r.record(ctx, ev, record.Token, auditAction, audit.OutcomeIgnored, ev.Emoji)
		return true
	}

	r.logger.Info(fmt.Sprintf("User %s selected %s from the menu.", ev.Principal.Name, action), zap.String("menu_token", record.Token))
	// recorded up front: a successful restart never returns
	r.record(ctx, ev, record.Token, auditAction, audit.OutcomeAllowed, "")
	err = r.dispatch(ctx, action, ev)
	switch {
	case err == nil:
	case errors.Is(err, hooks.ErrDisabled):
		r.record(ctx, ev, record.Token, auditAction, audit.OutcomeDisabled, err.Error())
	default:
		r.logger.Error("menu action failed", zap.String("action", auditAction), zap.Error(err))
		r.record(ctx, ev, record.Token, auditAction, audit.OutcomeFailed, err.Error())
	}
	return true
}

// acknowledge consumes the menu: reactions cleared, body replaced by the ack
// glyph, ledger entry dropped.
func (r *Router) acknowledge(ctx context.Context, ev Event, record storage.Menu) {
	if err := r.transport.ClearReactions(ctx, ev.ChannelID, ev.MessageID); err != nil {
		r.logger.Warn("clear reactions failed", zap.String("message_id", ev.MessageID), zap.Error(err))
	}
	if err := r.transport.Edit(ctx, ev.ChannelID, ev.MessageID, AckGlyph); err != nil {
		r.logger.Warn("menu acknowledge failed", zap.String("message_id", ev.MessageID), zap.Error(err))
	}
	if err := r.menus.DeleteMenu(ctx, record.MessageID); err != nil {
		r.logger.Warn("menu cleanup failed", zap.String("message_id", ev.MessageID), zap.Error(err))
	}
}

func (r *Router) dispatch(ctx context.Context, action guard.Action, ev Event) error {
	switch action {
	case guard.ActionRestart:
		return r.handler.Restart(ctx, ev)
	case guard.ActionChangeDNS:
		return r.handler.ChangeDNS(ctx, ev)
	case guard.ActionRunPayload:
		return r.handler.RunPayload(ctx, ev)
	case guard.ActionSendAgentLogs:
		return r.handler.SendAgentLogs(ctx, ev)
	case guard.ActionDestroy:
		return r.handler.Destroy(ctx, ev)
	default:
		return fmt.Errorf("no handler for %s", action)
	}
}

func (r *Router) record(ctx context.Context, ev Event, token, action, outcome, details string) {
	r.audit.Record(ctx, audit.Event{
		GuildID:   ev.GuildID,
		ChannelID: ev.ChannelID,
		UserID:    ev.Principal.ID,
		Action:    action,
		Outcome:   outcome,
		Details:   details,
		MenuToken: token,
	})
}
