package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/polzovatel/browser-session-server/internal/actionlog"
	"github.com/polzovatel/browser-session-server/internal/api"
	"github.com/polzovatel/browser-session-server/internal/browser"
	"github.com/polzovatel/browser-session-server/internal/command"
	"github.com/polzovatel/browser-session-server/internal/config"
	"github.com/polzovatel/browser-session-server/internal/logging"
	"github.com/polzovatel/browser-session-server/internal/reaper"
	"github.com/polzovatel/browser-session-server/internal/resolver"
	"github.com/polzovatel/browser-session-server/internal/session"
	"github.com/polzovatel/browser-session-server/internal/vision"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *cfgFile)
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "listen address")
	f.Bool("headless", true, "run browsers headless")
	f.Int("max-sessions", 0, "maximum concurrent sessions")
	f.Duration("idle-ttl", 0, "close sessions idle this long (0 disables)")
	_ = v.BindPFlag("server.addr", f.Lookup("addr"))
	_ = v.BindPFlag("browser.headless", f.Lookup("headless"))
	_ = v.BindPFlag("limits.max_sessions", f.Lookup("max-sessions"))
	_ = v.BindPFlag("reaper.idle_ttl", f.Lookup("idle-ttl"))
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	kind, err := browser.ParseKind(cfg.Browser.Kind)
	if err != nil {
		return err
	}

	launcher, err := browser.NewLauncher(ctx, browser.LauncherOptions{
		Install: cfg.Browser.Install,
		Kinds:   []browser.Kind{kind},
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("browser init: %w", err)
	}
	defer launcher.Close()

	var detector vision.Detector
	if cfg.Vision.APIKey != "" {
		g, err := vision.NewGemini(ctx, cfg.Vision.APIKey, cfg.Vision.Model, logger)
		if err != nil {
			return fmt.Errorf("vision init: %w", err)
		}
		detector = g
	} else {
		logger.Info().Msg("no vision API key, locate disabled")
	}

	ropts := resolver.DefaultOptions()
	ropts.MaxDepth = cfg.Resolver.MaxDepth
	exec := command.New(command.Options{
		DefaultTimeout: cfg.Command.DefaultTimeout,
		MaxTimeout:     cfg.Command.MaxTimeout,
		Resolver:       ropts,
		Detector:       detector,
		Logger:         logger,
	})

	mgr := session.NewManager(launcher, exec, session.Config{
		MaxSessions:        cfg.Limits.MaxSessions,
		MaxPagesPerSession: cfg.Limits.MaxPagesPerSession,
		QueueDepth:         cfg.Limits.QueueDepth,
		Logs: actionlog.Config{
			ConsoleCapacity: cfg.Logs.ConsoleCapacity,
			NetworkCapacity: cfg.Logs.NetworkCapacity,
		},
		Defaults: browser.LaunchOptions{
			Kind:     kind,
			Headless: cfg.Browser.Headless,
			Viewport: cfg.Browser.Viewport(),
			Args:     cfg.Browser.Args,
		},
		NavigateTimeout: cfg.Command.DefaultTimeout,
	}, logger)

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go reaper.New(mgr, cfg.Reaper.IdleTTL, cfg.Reaper.Interval, logger).Run(reaperCtx)

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.New(mgr, api.Options{
			Version:     Version,
			CreateRate:  cfg.Server.CreateRate,
			CreateBurst: cfg.Server.CreateBurst,
			Logger:      logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Str("browser", string(kind)).
			Bool("headless", cfg.Browser.Headless).Str("version", Version).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = mgr.Shutdown(context.Background())
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	stopReaper()
	if err := mgr.Shutdown(shutCtx); err != nil {
		logger.Warn().Err(err).Msg("session shutdown")
	}
	sessions, pages := mgr.Counts()
	logger.Info().Int("sessions", sessions).Int("pages", pages).Msg("stopped")
	return nil
}
