package bot

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"chatops-agent/internal/channels"
	"chatops-agent/internal/command"
	"chatops-agent/internal/guard"
	"chatops-agent/internal/logsink"
	"chatops-agent/internal/reaction"

	"github.com/bwmarrin/discordgo"
	"github.com/gammazero/workerpool"
	"go.uber.org/zap"
)

const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildMessageReactions |
	discordgo.IntentsMessageContent

// Directory looks up guild state for authorization and reaction checks.
type Directory interface {
	Guild(guildID string) (*discordgo.Guild, error)
	Member(guildID, userID string) (*discordgo.Member, error)
	Message(channelID, messageID string) (*discordgo.Message, error)
}

type Options struct {
	Session          *discordgo.Session
	Directory        Directory
	Logger           *logsink.Logger
	Registry         *channels.Registry
	Commands         *command.Router
	Reactions        *reaction.Router
	WebhookUsernames []string
	// Exit is called with status 1 when the configured channels cannot be
	// resolved once the gateway is ready.
	Exit func(code int)
}

type Bot struct {
	session   *discordgo.Session
	directory Directory
	logger    *logsink.Logger
	registry  *channels.Registry
	commands  *command.Router
	reactions *reaction.Router
	allowed   map[string]struct{}
	allowList []string
	exit      func(int)
	pool      *workerpool.WorkerPool

	ctx    context.Context
	mu     sync.RWMutex
	selfID string
	ready  atomic.Bool
}

func New(opts Options) *Bot {
	b := &Bot{
		session:   opts.Session,
		directory: opts.Directory,
		logger:    opts.Logger,
		registry:  opts.Registry,
		commands:  opts.Commands,
		reactions: opts.Reactions,
		allowed:   make(map[string]struct{}, len(opts.WebhookUsernames)),
		allowList: opts.WebhookUsernames,
		exit:      opts.Exit,
		pool:      workerpool.New(1),
		ctx:       context.Background(),
	}
	for _, name := range opts.WebhookUsernames {
		b.allowed[name] = struct{}{}
	}
	if b.directory == nil && b.session != nil {
		b.directory = sessionDirectory{session: b.session}
	}
	return b
}

// Start registers the gateway handlers and opens the session. Events are
// processed one at a time in arrival order.
func (b *Bot) Start(ctx context.Context) error {
	b.ctx = ctx
	b.session.Identify.Intents = Intents
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onMessageReactionAdd)
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	return nil
}

// Close drains queued events and closes the gateway.
func (b *Bot) Close() {
	b.pool.StopWait()
	if b.session != nil {
		_ = b.session.Close()
	}
}

func (b *Bot) Ready() bool {
	return b.ready.Load()
}

// HealthHandler answers 200 once the channels are resolved, 503 before.
func (b *Bot) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("starting"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func (b *Bot) onReady(_ *discordgo.Session, event *discordgo.Ready) {
	b.pool.Submit(func() { b.handleReady(event.User) })
}

func (b *Bot) onMessageCreate(_ *discordgo.Session, event *discordgo.MessageCreate) {
	b.pool.Submit(func() { b.handleMessage(b.ctx, event.Message) })
}

func (b *Bot) onMessageReactionAdd(_ *discordgo.Session, event *discordgo.MessageReactionAdd) {
	b.pool.Submit(func() { b.handleReaction(b.ctx, event.MessageReaction, event.Member) })
}

func (b *Bot) handleReady(user *discordgo.User) {
	if err := b.registry.ResolveAll(); err != nil {
		b.logger.Critical(fmt.Sprintf("%v. Agent stopped.", err))
		if b.exit != nil {
			b.exit(1)
		}
		return
	}
	b.mu.Lock()
	b.selfID = user.ID
	b.mu.Unlock()
	b.reactions.SetSelf(user.ID)
	b.ready.Store(true)
	b.logger.Info(fmt.Sprintf("We have logged in as %s", guard.DisplayName(user)), zap.String("guild_id", b.registry.GuildID()))
}

func (b *Bot) self() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.selfID
}

func (b *Bot) handleMessage(ctx context.Context, msg *discordgo.Message) {
	self := b.self()
	if self == "" || msg == nil || msg.Author == nil || msg.GuildID == "" {
		return
	}
	if msg.GuildID != b.registry.GuildID() || msg.Author.ID == self {
		return
	}
	name := guard.DisplayName(msg.Author)
	b.logger.Debug(fmt.Sprintf("Message from %s: %s", name, msg.Content))

	principal := b.principal(msg.GuildID, msg.Author, msg.Member)
	routed := b.commands.Route(ctx, command.Message{
		GuildID:   msg.GuildID,
		ChannelID: msg.ChannelID,
		MessageID: msg.ID,
		Content:   msg.Content,
		Principal: principal,
	})
	if routed {
		return
	}
	if _, ok := b.allowed[name]; !ok {
		b.logger.Info(fmt.Sprintf("Message Ignored due to %s not being in the allowed list of users: %v", name, b.allowList))
	}
}

func (b *Bot) handleReaction(ctx context.Context, r *discordgo.MessageReaction, member *discordgo.Member) {
	self := b.self()
	if self == "" || r == nil || r.UserID == self || r.GuildID != b.registry.GuildID() {
		return
	}
	msg, err := b.directory.Message(r.ChannelID, r.MessageID)
	if err != nil {
		b.logger.Debug("reacted message unavailable", zap.String("message_id", r.MessageID), zap.Error(err))
		return
	}
	authorID := ""
	if msg.Author != nil {
		authorID = msg.Author.ID
	}
	if authorID != self {
		return
	}

	var user *discordgo.User
	if member != nil && member.User != nil {
		user = member.User
	} else {
		user = &discordgo.User{ID: r.UserID}
	}
	b.reactions.Handle(ctx, reaction.Event{
		GuildID:         r.GuildID,
		ChannelID:       r.ChannelID,
		MessageID:       r.MessageID,
		MessageAuthorID: authorID,
		Emoji:           r.Emoji.Name,
		Principal:       b.principal(r.GuildID, user, member),
	})
}

// principal resolves the owner and administrator flags of user. Lookup
// failures yield a principal with no privileges.
func (b *Bot) principal(guildID string, user *discordgo.User, member *discordgo.Member) guard.Principal {
	guild, err := b.directory.Guild(guildID)
	if err != nil {
		b.logger.Warn("guild lookup failed", zap.String("guild_id", guildID), zap.Error(err))
		guild = nil
	}
	if member == nil || len(member.Roles) == 0 {
		if fetched, err := b.directory.Member(guildID, user.ID); err == nil && fetched != nil {
			member = fetched
		}
	}
	if user.Username == "" && member != nil && member.User != nil {
		user = member.User
	}
	return guard.PrincipalOf(guild, member, user)
}

type sessionDirectory struct {
	session *discordgo.Session
}

func (d sessionDirectory) Guild(guildID string) (*discordgo.Guild, error) {
	if guild, err := d.session.State.Guild(guildID); err == nil && guild != nil {
		return guild, nil
	}
	return d.session.Guild(guildID)
}

func (d sessionDirectory) Member(guildID, userID string) (*discordgo.Member, error) {
	if member, err := d.session.State.Member(guildID, userID); err == nil && member != nil {
		return member, nil
	}
	return d.session.GuildMember(guildID, userID)
}

func (d sessionDirectory) Message(channelID, messageID string) (*discordgo.Message, error) {
	if msg, err := d.session.State.Message(channelID, messageID); err == nil && msg != nil {
		return msg, nil
	}
	return d.session.ChannelMessage(channelID, messageID)
}
