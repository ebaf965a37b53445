package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/livefeed-project/livefeed/internal/api"
	"github.com/livefeed-project/livefeed/internal/cli"
	"github.com/livefeed-project/livefeed/internal/config"
	"github.com/livefeed-project/livefeed/internal/db"
	"github.com/livefeed-project/livefeed/internal/events"
	"github.com/livefeed-project/livefeed/internal/health"
	"github.com/livefeed-project/livefeed/internal/scheduler"
	"github.com/livefeed-project/livefeed/internal/session"
	"github.com/livefeed-project/livefeed/internal/telemetry"
	"github.com/livefeed-project/livefeed/internal/util"
)

func runCmd() *cobra.Command {
	var echo, noConsole bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay service with API, MQTT and console",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf(banner, util.Version)
			fmt.Println()
			return runService(echo, noConsole)
		},
	}
	cmd.Flags().BoolVar(&echo, "echo", false, "print feed events to the console")
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "disable the interactive console")
	return cmd
}

func runService(echo, noConsole bool) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting livefeed")

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, run 'livefeed setup' or edit %s", cfg.Path())
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Int("cores", sysInfo.CPUCores).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	metrics := telemetry.NewMetrics()
	metrics.Attach(eventBus)

	// Interface values stay nil when storage is off.
	var store *db.AuditStore
	var (
		auditLister api.AuditLister
		history     cli.History
		purger      scheduler.Purger
	)
	if storage := cfg.GetStorage(); storage.Enabled {
		store, err = db.NewAuditStore(storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer store.Close()
		store.Attach(eventBus)
		auditLister, history, purger = store, store, store
	}

	sess := session.New(cfg, eventBus)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	if cfg.GetAPI().Enabled {
		apiServer := api.NewServer(cfg, eventBus, sess, auditLister, metrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("MQTT disabled")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := mqttHandler.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("MQTT handler stopped")
				}
			}()
		}
	}

	healthMgr := health.NewManager(cfg, eventBus, sess)
	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	sched := scheduler.NewScheduler(cfg, purger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	var printer *cli.Printer
	if !noConsole || echo {
		printer = cli.NewPrinter(os.Stdout, &sync.Mutex{})
		printer.SetMuted(!echo)
		printer.Attach(eventBus)
	}

	quitCh := make(chan struct{})
	if !noConsole {
		var quitOnce sync.Once
		console := cli.NewCLI(os.Stdin, os.Stdout, sess, history, printer, func() {
			quitOnce.Do(func() { close(quitCh) })
		})
		// Not tracked by wg: a blocked stdin read must not hold up shutdown.
		go console.Start(ctx)
	}

	if roomID := cfg.GetRelay().RoomID; roomID > 0 {
		if err := sess.Start(roomID); err != nil {
			log.Error().Err(err).Int64("room_id", roomID).Msg("failed to start session")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("quit requested from console")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	sess.Stop()
	eventBus.Emit(context.Background(), events.Event{Type: events.EventShutdown, Source: "main"})
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("livefeed stopped")
	return runErr
}
