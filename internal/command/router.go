package command

import (
	"context"
	"fmt"

	"chatops-agent/internal/channels"
	"chatops-agent/internal/chat"
	"chatops-agent/internal/config"
	"chatops-agent/internal/guard"
	"chatops-agent/internal/logsink"
	"chatops-agent/internal/modules/audit"

	"go.uber.org/zap"
)

type Command int

const (
	Help Command = iota + 1
	Logs
	Menu
	Abort
)

const (
	DeniedText       = "You do not have permission to use this command."
	WrongChannelText = "This is not the logs preconfigured channel. Please use the /c2 logs command in the logs channel."
)

// Longer literals first: "/c2" must never shadow a sub-command.
var literals = []struct {
	text    string
	command Command
}{
	{"/c2 logs", Logs},
	{"/c2 menu", Menu},
	{"/c2 abort", Abort},
	{"/c2", Help},
}

func (c Command) String() string {
	for _, l := range literals {
		if l.command == c {
			return l.text
		}
	}
	return fmt.Sprintf("command(%d)", int(c))
}

func (c Command) Action() guard.Action {
	switch c {
	case Logs:
		return guard.ActionLogs
	case Menu:
		return guard.ActionMenu
	case Abort:
		return guard.ActionAbort
	default:
		return guard.ActionHelp
	}
}

// Parse matches text against the command literals exactly: no trimming, no
// case folding.
func Parse(text string) (Command, bool) {
	for _, l := range literals {
		if text == l.text {
			return l.command, true
		}
	}
	return 0, false
}

type Message struct {
	GuildID   string
	ChannelID string
	MessageID string
	Content   string
	Principal guard.Principal
}

type Handler interface {
	Help(ctx context.Context, msg Message) error
	DeliverLogs(ctx context.Context, msg Message) error
	Menu(ctx context.Context, msg Message) error
	Abort(ctx context.Context, msg Message) error
}

type Router struct {
	handler   Handler
	transport chat.Transport
	registry  *channels.Registry
	logger    *logsink.Logger
	audit     *audit.Logger
	purgeMode string
}

func NewRouter(handler Handler, transport chat.Transport, registry *channels.Registry, logger *logsink.Logger, auditLogger *audit.Logger, purgeMode string) *Router {
	return &Router{
		handler:   handler,
		transport: transport,
		registry:  registry,
		logger:    logger,
		audit:     auditLogger,
		purgeMode: purgeMode,
	}
}

// Route dispatches msg to at most one handler and reports whether the text
// was a command at all.
func (r *Router) Route(ctx context.Context, msg Message) bool {
	cmd, ok := Parse(msg.Content)
	if !ok {
		return false
	}

	if r.purgeMode == config.PurgeAlways {
		r.purgeHistory(ctx, msg)
	}

	if guard.Authorize(msg.Principal, cmd.Action()) != guard.Allowed {
		r.reply(ctx, msg.ChannelID, DeniedText)
		r.logger.Error(fmt.Sprintf("User %s attempted to use the %s command. Invalid permissions.", msg.Principal.Name, cmd),
			zap.String("user_id", msg.Principal.ID))
		r.record(ctx, msg, cmd, audit.OutcomeDenied)
		return true
	}

	if r.purgeMode == config.PurgeAuthorized {
		r.purgeHistory(ctx, msg)
	}

	if role, ok := r.registry.RoleOf(msg.ChannelID); cmd == Logs && (!ok || role != channels.RoleLogs) {
		r.reply(ctx, msg.ChannelID, WrongChannelText)
		r.logger.Warn(fmt.Sprintf("Channel %s is not the one preconfigured.", msg.ChannelID))
		r.record(ctx, msg, cmd, audit.OutcomeWrongChannel)
		return true
	}

	r.record(ctx, msg, cmd, audit.OutcomeAllowed)
	var err error
	switch cmd {
	case Help:
		err = r.handler.Help(ctx, msg)
	case Logs:
		err = r.handler.DeliverLogs(ctx, msg)
	case Menu:
		err = r.handler.Menu(ctx, msg)
	case Abort:
		err = r.handler.Abort(ctx, msg)
	}
	if err != nil {
		r.logger.Error("command failed", zap.String("command", cmd.String()), zap.Error(err))
	}
	return true
}

func (r *Router) purgeHistory(ctx context.Context, msg Message) {
	deleted, err := r.transport.Purge(ctx, msg.ChannelID)
	if err != nil {
		r.logger.Warn("history purge failed", zap.String("channel_id", msg.ChannelID), zap.Int("deleted", deleted), zap.Error(err))
		return
	}
	r.logger.Debug("history purged", zap.String("channel_id", msg.ChannelID), zap.Int("deleted", deleted))
}

func (r *Router) reply(ctx context.Context, channelID, content string) {
	if _, err := r.transport.Send(ctx, channelID, content); err != nil {
		r.logger.Error("reply failed", zap.String("channel_id", channelID), zap.Error(err))
	}
}

func (r *Router) record(ctx context.Context, msg Message, cmd Command, outcome string) {
	r.audit.Record(ctx, audit.Event{
		GuildID:   msg.GuildID,
		ChannelID: msg.ChannelID,
		UserID:    msg.Principal.ID,
		Action:    string(cmd.Action()),
		Outcome:   outcome,
	})
}
