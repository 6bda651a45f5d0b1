// xonrelay - Xonotic out-of-band bridge
//
// xonrelay keeps authenticated out-of-band connections to Xonotic and
// Quake 3 derived game servers, relays their chat, exposes a REST API and
// console for rcon and status, and publishes telemetry via MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonrelay/xonrelay/internal/api"
	"github.com/xonrelay/xonrelay/internal/bridge"
	"github.com/xonrelay/xonrelay/internal/cli"
	"github.com/xonrelay/xonrelay/internal/config"
	"github.com/xonrelay/xonrelay/internal/connector"
	"github.com/xonrelay/xonrelay/internal/db"
	"github.com/xonrelay/xonrelay/internal/events"
	"github.com/xonrelay/xonrelay/internal/health"
	"github.com/xonrelay/xonrelay/internal/scheduler"
	"github.com/xonrelay/xonrelay/internal/telemetry"
	"github.com/xonrelay/xonrelay/internal/util"
)

const (
	AppName    = "xonrelay"
	AppVersion = api.Version
	Banner     = `
                          _
 __  _____  _ __  _ __ ___| | __ _ _   _
 \ \/ / _ \| '_ \| '__/ _ \ |/ _' | | | |
  >  < (_) | | | | | |  __/ | (_| | |_| |
 /_/\_\___/|_| |_|_|  \___|_|\__,_|\__, |
                                   |___/  v%s
 Xonotic out-of-band bridge
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults until the configuration is loaded.
	logFile, err := util.InitLogger(util.DefaultLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting xonrelay")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	app := cfg.GetApplicationData()
	if f, err := util.InitLogger(util.LogConfig{
		Level:      app.Logging.Level,
		Directory:  app.Logging.Directory,
		MaxBackups: app.Logging.MaxBackups,
		Console:    true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	} else {
		logFile.Close()
		logFile = f
	}
	defer logFile.Close()

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		if cfg.IsFirstRun() {
			log.Fatal().Str("path", cfg.Path()).Msg("a default configuration was written, add servers and restart")
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(context.Context, events.Event) error {
		log.Info().Msg("shutdown requested")
		cancel()
		return nil
	})

	// Nil interfaces, not typed nil pointers, when history is off.
	var (
		history   *db.HistoryDatabase
		apiHist   api.History
		pruneHist scheduler.Pruner
	)
	if app.History.Enabled {
		history, err = db.NewHistoryDatabase(app.History.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open history database, history disabled")
		} else {
			history.Subscribe(eventBus)
			apiHist, pruneHist = history, history
		}
	}

	mgr, err := bridge.NewManager(cfg, eventBus)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create bridge manager")
	}

	connector.NewDiscordConnector(cfg, eventBus)
	healthMgr := health.NewManager(cfg, eventBus, mgr)
	sched := scheduler.NewScheduler(cfg, eventBus, pruneHist)
	cliHandler := cli.NewCLI(eventBus, mgr, os.Stdin, os.Stdout)

	var apiServer *api.Server
	if app.API.Enabled {
		apiServer = api.NewServer(cfg, eventBus, mgr, apiHist)
	}

	mqttHandler, err := telemetry.NewMQTTHandler(cfg, eventBus)
	if err != nil && !errors.Is(err, telemetry.ErrDisabled) {
		log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
	}

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("task", name).Msg("starting")
			fn()
		}()
	}

	run("connections", func() {
		if err := mgr.StartAll(ctx); err != nil {
			log.Warn().Err(err).Msg("no server connection could be opened, health checks will retry")
		}
	})

	if apiServer != nil {
		run("api", func() {
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("API server failed after retries")
			}
		})
	}

	run("health", func() { healthMgr.Start(ctx) })

	if mqttHandler != nil {
		run("mqtt", func() {
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		})
	}

	run("scheduler", func() { sched.Start(ctx) })

	// The console goroutine blocks on stdin; it is not waited for.
	go cliHandler.Start(ctx)

	<-ctx.Done()
	log.Info().Msg("initiating graceful shutdown...")

	mgr.StopAll()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out after 15 seconds, forcing exit")
	}

	eventBus.Stop()

	if history != nil {
		closeQuietly("history database", history)
	}

	log.Info().Msg("xonrelay stopped")
}

// startWithRetry retries startFn while it fails to bind, three seconds
// apart. Returns nil on success, or the last error.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}

func closeQuietly(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Str("component", name).Msg("close failed")
	}
}
