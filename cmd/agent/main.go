package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"chatops-agent/internal/actions"
	"chatops-agent/internal/bot"
	"chatops-agent/internal/channels"
	"chatops-agent/internal/chat"
	"chatops-agent/internal/command"
	"chatops-agent/internal/config"
	"chatops-agent/internal/countdown"
	"chatops-agent/internal/logsink"
	"chatops-agent/internal/modules/audit"
	"chatops-agent/internal/reaction"
	"chatops-agent/internal/storage"
	"chatops-agent/internal/utils"

	"github.com/bwmarrin/discordgo"
	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Config string `short:"c" long:"config" default:"api.json" description:"Path to the JSON credentials file"`
	Check  bool   `long:"check" description:"Validate the configuration and exit"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return 0
		}
		return 1
	}

	// A missing .env is normal; the credentials file is the primary source.
	_ = godotenv.Load()

	cfg, err := config.Load(opts.Config)
	if err != nil {
		reportStartupFailure(err)
		return 1
	}
	if opts.Check {
		color.Green("%s is valid", opts.Config)
		return 0
	}

	sink, err := logsink.New(logsink.Options{
		File:      cfg.Log.File,
		ErrorFile: cfg.Log.ErrorFile,
		MaxSizeMB: cfg.Log.MaxSizeMB,
		Debug:     cfg.Debug,
		Color:     cfg.Log.Color,
	})
	if err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "CRITICAL: log sink: %v\n", err)
		return 1
	}
	defer sink.Close()
	logger := sink.Logger()

	lock, err := utils.NewInstanceLock(cfg.LockPath)
	if err == nil {
		err = lock.TryLock()
	}
	if err != nil {
		logger.Critical(fmt.Sprintf("Instance lock failed: %v", err))
		return 1
	}
	defer lock.Unlock()

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		logger.Critical("storage init failed", zap.Error(err))
		return 1
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		logger.Critical("migrations failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.CleanupActionEvents(ctx, cfg.RetentionDays); err != nil {
		logger.Warn("audit cleanup failed", zap.Error(err))
	}
	auditLogger := audit.NewLogger(store, logger.Logger)

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		logger.Critical("session init failed", zap.Error(err))
		return 1
	}
	transport := chat.NewDiscord(session)
	registry := channels.NewRegistry(cfg.Channels, transport)

	var exitCode atomic.Int32
	fail := func(code int) {
		exitCode.Store(int32(code))
		stop()
	}

	restarter := actions.NewProcessRestarter(func() {
		logger.Info("Restarting agent.")
		_ = sink.Sync()
		_ = lock.Unlock()
		_ = session.Close()
	})
	restarter.OnFailure = func(err error) {
		logger.Critical("Restart failed. Agent stopped.", zap.Error(err))
		fail(1)
	}

	reactions := reaction.NewRouter(nil, transport, store, logger, auditLogger)
	executor := actions.New(actions.Options{
		Transport:    transport,
		Registry:     registry,
		Menus:        reactions,
		Countdown:    countdown.New(cfg.CountdownSeconds, time.Second),
		Logger:       logger,
		LogFile:      sink.Path(),
		ErrorLogFile: sink.ErrorPath(),
		Restarter:    restarter,
		Events:       store,
	})
	reactions.SetHandler(executor)
	commands := command.NewRouter(executor, transport, registry, logger, auditLogger, cfg.PurgeHistory)

	agent := bot.New(bot.Options{
		Session:          session,
		Logger:           logger,
		Registry:         registry,
		Commands:         commands,
		Reactions:        reactions,
		WebhookUsernames: cfg.WebhookUsernames,
		Exit:             fail,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := agent.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		logger.Info("shutdown requested")
		agent.Close()
		return nil
	})
	if cfg.Health.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/health", agent.HealthHandler())
		server := &http.Server{Addr: cfg.Health.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("health endpoint enabled", zap.String("addr", cfg.Health.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Critical(fmt.Sprintf("%v. Agent stopped.", err))
		return 1
	}
	return int(exitCode.Load())
}

// reportStartupFailure prints err before any configured logger exists and
// records it in the default log file.
func reportStartupFailure(err error) {
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "CRITICAL: %v\n", err)
	defaults := config.DefaultConfig()
	sink, sinkErr := logsink.New(logsink.Options{File: defaults.Log.File, MaxSizeMB: defaults.Log.MaxSizeMB, Console: io.Discard})
	if sinkErr != nil {
		return
	}
	defer sink.Close()
	sink.Logger().Critical(err.Error())
}
