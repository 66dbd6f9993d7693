package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/aminelahmer1/livestream-core/internal/auth"
	"github.com/aminelahmer1/livestream-core/internal/config"
	"github.com/aminelahmer1/livestream-core/internal/logging"
	"github.com/aminelahmer1/livestream-core/internal/media"
	"github.com/aminelahmer1/livestream-core/internal/media/devices"
	"github.com/aminelahmer1/livestream-core/internal/probe"
	"github.com/aminelahmer1/livestream-core/internal/rtc"
	"github.com/aminelahmer1/livestream-core/internal/session"
	"github.com/aminelahmer1/livestream-core/internal/validate"
)

// Application holds the long-lived components shared by every command.
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	sessions *session.Client
	prober   *probe.Prober
	manager  *rtc.Manager
	broker   *media.Broker // nil when no capture backend is available
	hints    *media.RedisHints
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, app *Application, args []string) error
}

var commands = []command{
	{name: "probe", usage: "check backend, signaling and WebRTC reachability", run: runProbe},
	{name: "host", usage: "start a session and publish camera and microphone", run: runHost},
	{name: "watch", usage: "join a session as a viewer", run: runWatch},
	{name: "record", usage: "start or stop a room recording", run: runRecord},
	{name: "devtoken", usage: "mint a room token from the configured API key", run: runDevToken},
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: livestream-client [--config FILE] <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", c.name, c.usage)
	}
}

func findCommand(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

func main() {
	global := pflag.NewFlagSet("livestream-client", pflag.ExitOnError)
	configPath := global.StringP("config", "c", "", "configuration file (yaml, json or toml)")
	global.SetInterspersed(false)
	global.Usage = usage
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cmd := findCommand(args[0])
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := validate.ValidateConfig(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	if err := cmd.run(ctx, app, args[1:]); err != nil {
		logger.Error("command failed", zap.String("command", cmd.name), zap.Error(err))
		app.Cleanup()
		os.Exit(1)
	}
}

func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	httpClient := &http.Client{}
	tokens := auth.FromConfig(cfg.Auth, httpClient, logger)

	sopts := session.OptionsFromConfig(cfg.API, cfg.Session)
	sopts.HTTPClient = httpClient
	sopts.Tokens = tokens
	sopts.Logger = logger
	sessions, err := session.NewClient(sopts)
	if err != nil {
		return nil, fmt.Errorf("failed to create session client: %w", err)
	}

	prober := probe.New(probe.Config{
		BackendURL:   cfg.API.BaseURL,
		SignalingURL: cfg.Probe.SignalingURL,
		ICE:          cfg.ICE,
		Timeout:      cfg.Probe.Timeout,
		Tokens:       tokens,
		HTTPClient:   httpClient,
		Logger:       logger,
	})

	app := &Application{
		config:   cfg,
		logger:   logger,
		sessions: sessions,
		prober:   prober,
	}

	ropts := rtc.OptionsFromConfig(cfg)
	ropts.Transport = rtc.NewLiveKitTransport(logger)
	ropts.Logger = logger
	if cfg.Connection.Preflight {
		ropts.Prober = prober
	}

	dev, err := devices.New(devices.Config{
		VideoBitrate: cfg.Media.VideoBitrate,
		AudioBitrate: cfg.Media.AudioBitrate,
		Logger:       logger,
	})
	if err != nil {
		logger.Warn("capture devices unavailable, running view-only", zap.Error(err))
	} else {
		ropts.Capturer = devices.NewScreenCapturer(dev)
		app.broker = media.NewBroker(dev, media.WithHints(app.newHints()), media.WithLogger(logger))
	}

	manager, err := rtc.NewManager(ropts)
	if err != nil {
		sessions.Close()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}
	app.manager = manager
	return app, nil
}

func (app *Application) newHints() media.HintStore {
	h := app.config.Hints
	if h.RedisAddr == "" {
		return &media.MemoryHints{}
	}
	app.hints = media.NewRedisHints(media.RedisConfig{Addr: h.RedisAddr, Key: h.Key, TTL: h.TTL})
	return app.hints
}

// Cleanup releases devices, the room and the session cache. It is safe to
// call more than once.
func (app *Application) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), app.config.Connection.UnpublishTimeout*2)
	defer cancel()

	if app.manager != nil {
		app.manager.Cleanup(ctx)
	}
	if app.broker != nil {
		app.broker.Cleanup()
	}
	if app.hints != nil {
		if err := app.hints.Close(); err != nil {
			app.logger.Debug("close hint store", zap.Error(err))
		}
		app.hints = nil
	}
	if app.sessions != nil {
		app.sessions.Close()
	}
}
