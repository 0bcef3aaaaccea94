// netplay64 - N64 netplay session host, joiner and rendezvous server.
//
// A host keeps the authoritative player table, core settings and save
// files of one session, negotiates room membership with joining clients,
// advertises itself on the local network and optionally registers a room
// code with a rendezvous server. Progress is published on a REST API and,
// when configured, to MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netplay64/netplay64/internal/api"
	"github.com/netplay64/netplay64/internal/config"
	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/health"
	"github.com/netplay64/netplay64/internal/protocol"
	"github.com/netplay64/netplay64/internal/telemetry"
	"github.com/netplay64/netplay64/internal/util"
)

const (
	AppName    = "netplay64"
	AppVersion = "1.0.0"
	Banner     = `
             _            _             __  _  _
  _ __   ___| |_ _ __  __| | __ _ _  _ / /_| || |
 | '_ \ / -_)  _| '_ \/ _' |/ _' | || | '_ \_  _|
 |_| |_|\___|\__| .__/\__,_|\__,_|\_, |\___/ |_|
                |_|               |__/  v%s
 N64 netplay (protocol %d)
`
)

// Health checks run this often; the telemetry heartbeat half as often.
const (
	healthInterval    = 30 * time.Second
	heartbeatInterval = time.Minute
)

// Globals are the flags shared by every command.
type Globals struct {
	Config  string           `help:"Configuration directory." default:"config" type:"path"`
	Version kong.VersionFlag `help:"Show version and exit."`
}

type commands struct {
	Globals

	Host       hostCmd       `cmd:"" help:"Host a netplay session."`
	Join       joinCmd       `cmd:"" help:"Join a netplay session."`
	Rendezvous rendezvousCmd `cmd:"" help:"Run the room-code rendezvous server."`
}

func main() {
	var params commands
	kctx := kong.Parse(&params,
		kong.Name(AppName),
		kong.Description("N64 netplay session host, joiner and rendezvous server."),
		kong.Vars{"version": AppVersion},
		kong.UsageOnError(),
	)

	if err := kctx.Run(&params.Globals); err != nil {
		log.Error().Err(err).Msg("netplay64 failed")
		os.Exit(1)
	}
}

// app is what every command sets up before its own components: the
// loaded configuration, logging, the event bus and the process identity.
type app struct {
	cfg      *config.Config
	eventBus *events.EventBus
	instance uuid.UUID
	role     string
	health   *health.Manager

	wg    sync.WaitGroup
	errCh chan error
}

// bootstrap loads the configuration and initializes logging for role.
func bootstrap(g *Globals, role string) (*app, error) {
	fmt.Printf(Banner, AppVersion, protocol.NetplayVersion)
	fmt.Println()

	// Console-only until the configuration names a log directory.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})

	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	lc := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig{
		Level:      lc.Level,
		Directory:  lc.Directory,
		MaxBackups: lc.MaxBackups,
		Console:    lc.Console,
		App:        role,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("version", AppVersion).
		Str("role", role).
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("threads", sysInfo.CPUThreads).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("starting netplay64")

	eventBus := events.NewEventBus()
	return &app{
		cfg:      cfg,
		eventBus: eventBus,
		instance: uuid.New(),
		role:     role,
		health:   health.NewManager(eventBus),
		errCh:    make(chan error, 10),
	}, nil
}

// validate logs warnings and fails on configuration errors. A first run
// goes through the setup wizard instead.
func (a *app) validate(allowWizard bool) error {
	validation := config.Validate(a.cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if validation.IsValid() && !(allowWizard && a.cfg.IsFirstRun()) {
		return nil
	}
	for _, e := range validation.Errors {
		log.Error().Str("field", e.Field).Msg(e.Message)
	}

	if allowWizard && a.cfg.IsFirstRun() {
		log.Info().Msg("first run detected, launching setup wizard")
		return config.RunSetupWizard(a.cfg, os.Stdin, os.Stdout)
	}
	return fmt.Errorf("configuration validation failed, please fix the errors above")
}

// goTask runs fn on the shared wait group.
func (a *app) goTask(name string, fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Debug().Str("task", name).Msg("task started")
		fn()
	}()
}

// startServices launches the health checks, and the API and MQTT
// telemetry when enabled. Commands register their own checks first.
func (a *app) startServices(ctx context.Context, opts api.Options) {
	a.health.Register("disk", healthInterval, health.DiskSpace(filepath.Dir(a.cfg.Path()), 95))
	a.goTask("health", func() { a.health.Start(ctx) })

	if a.cfg.GetAPI().Enabled {
		opts.Role = a.role
		opts.Config = a.cfg
		opts.Health = a.health
		apiServer := api.NewServer(opts, a.eventBus)
		a.goTask("api", func() {
			log.Info().Int("port", a.cfg.GetAPI().Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		})
	}

	if a.cfg.GetMQTT().Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(a.cfg.GetMQTT(), a.eventBus, a.role, a.instance)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
			return
		}
		a.goTask("mqtt", func() {
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		})
	}
}

// wait blocks until a signal, a shutdown event, a critical error or done.
func (a *app) wait(done <-chan struct{}) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	shutdown := a.eventBus.Channel("main.shutdown", 1, events.EventShutdown)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdown:
		log.Info().Msg("shutdown requested")
	case err := <-a.errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	case <-done:
	}
}

// stop waits for every task after ctx was cancelled, then stops the bus.
func (a *app) stop() {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out after 15 seconds, forcing exit")
	}

	a.eventBus.Stop()
	log.Info().Str("role", a.role).Msg("netplay64 stopped")
}

// startWithRetry attempts to start a listener/server with retry on bind
// errors, at a fixed 3-second interval.
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
