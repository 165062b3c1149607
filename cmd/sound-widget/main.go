package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const version = "1.0.0"

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "sound-widget v%s\n", version)
	fmt.Fprintln(w, "D-Bus mediator between the awesome WM sound widget and PulseAudio")
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	printVersion(w)
	fmt.Fprintf(w, `
USAGE:
  sound-widget [OPTIONS]

DESCRIPTION:
  Keeps the awesome WM sound widget in sync with the volume of the
  PulseAudio fallback sink, and turns mouse wheel gestures on the widget
  into volume steps.

  PulseAudio must have module-dbus-protocol loaded.

OPTIONS:
`)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
EXAMPLES:
  # Start with defaults (no config file needed)
  sound-widget

  # Finer volume steps and debug logging
  sound-widget --volume-step 1000 --log-level debug

  # Stream state changes for widget-watch
  sound-widget --state-ws-addr 127.0.0.1:3002

EXIT STATUS:
  0 on SIGINT/SIGTERM, 1 on startup failure or lost bus connection.
`)
}

// cliOptions is the parsed command line.
type cliOptions struct {
	ConfigPath  string
	Overrides   FlagOverrides
	ShowVersion bool
	ShowHelp    bool
}

// parseFlags parses args (without the program name). Only flags that were
// given end up in Overrides.
func parseFlags(args []string, usageOut io.Writer) (cliOptions, error) {
	var (
		opts cliOptions

		sessionAddress string
		pulseAddress   string
		volumeStep     uint32
		maxVolume      uint32
		ipcSocket      string
		noIPC          bool
		stateWSAddr    string
		logLevel       string
	)

	fs := pflag.NewFlagSet("sound-widget", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to YAML config file")
	fs.StringVar(&sessionAddress, "session-address", "", "Session bus address (default $DBUS_SESSION_BUS_ADDRESS)")
	fs.StringVar(&pulseAddress, "pulse-address", "", "PulseAudio D-Bus server address (default: ask org.PulseAudio1)")
	fs.Uint32Var(&volumeStep, "volume-step", defaultVolumeStep, "Volume change per wheel step")
	fs.Uint32Var(&maxVolume, "max-volume", defaultMaxVolume, "Upper volume clamp (65536 = 100%)")
	fs.StringVar(&ipcSocket, "ipc-socket", "", "Unix socket for widget-ctl (default $XDG_RUNTIME_DIR/"+socketName+")")
	fs.BoolVar(&noIPC, "no-ipc", false, "Disable the IPC socket")
	fs.StringVar(&stateWSAddr, "state-ws-addr", "", "Enable the state websocket on this address (e.g. "+defaultStateWSAddr+")")
	fs.StringVar(&logLevel, "log-level", "info", "Log level: error, warn, info, debug")
	fs.BoolVar(&opts.ShowVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&opts.ShowHelp, "help", "h", false, "Print this help message")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			opts.ShowHelp = true
			printUsage(usageOut, fs)
			return opts, nil
		}
		return cliOptions{}, err
	}
	if opts.ShowHelp {
		printUsage(usageOut, fs)
		return opts, nil
	}
	if rest := fs.Args(); len(rest) > 0 {
		return cliOptions{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	o := &opts.Overrides
	if fs.Changed("session-address") {
		o.SessionAddress = &sessionAddress
	}
	if fs.Changed("pulse-address") {
		o.PulseAddress = &pulseAddress
	}
	if fs.Changed("volume-step") {
		o.VolumeStep = &volumeStep
	}
	if fs.Changed("max-volume") {
		o.MaxVolume = &maxVolume
	}
	if fs.Changed("ipc-socket") {
		o.IPCSocketPath = &ipcSocket
	}
	if fs.Changed("no-ipc") {
		enabled := !noIPC
		o.IPCEnabled = &enabled
	}
	if fs.Changed("state-ws-addr") {
		o.StateWSAddr = &stateWSAddr
	}
	if fs.Changed("log-level") {
		o.LogLevel = &logLevel
	}
	return opts, nil
}

// loadConfig layers defaults, the optional config file and flag overrides,
// then validates the result.
func loadConfig(opts cliOptions) (Config, error) {
	cfg := DefaultConfig()
	if opts.ConfigPath != "" {
		var err error
		cfg, err = LoadConfigFile(opts.ConfigPath)
		if err != nil {
			return Config{}, err
		}
	}
	opts.Overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if opts.ShowHelp {
		return
	}
	if opts.ShowVersion {
		printVersion(os.Stdout)
		return
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	// Validate already checked the level.
	level, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(level, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	logger.Debug("starting sound-widget", "version", version)
	logger.Debug("configuration",
		"desktop_service", cfg.Desktop.Service,
		"desktop_path", cfg.Desktop.Path,
		"volume_step", cfg.Audio.VolumeStep,
		"max_volume", cfg.Audio.MaxVolume,
		"ipc_enabled", cfg.IPC.Enabled,
		"ipc_socket", cfg.IPC.SocketPath,
		"state_ws_enabled", cfg.StateWS.Enabled,
		"state_ws_addr", cfg.StateWS.ListenAddr,
	)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sound-widget stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("sound-widget stopped")
}

// run connects both buses, wires the bridges and serves until ctx is
// canceled or a bus connection is lost.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	loop := NewLoop(logger.With("component", "loop"), 128)

	sessionConn, err := connectSessionBus(cfg.Bus.SessionAddress)
	if err != nil {
		return err
	}

	sessionBus := NewDBusBus(sessionConn, "session", true, loop, logger)
	defer sessionBus.Close()

	pulseAddr := cfg.Bus.PulseAddress
	if pulseAddr == "" {
		pulseAddr, err = lookupPulseAddress(sessionBus.Object(pulseLookupService, pulseLookupPath))
		if err != nil {
			return err
		}
	}
	logger.Info("connecting to pulseaudio", "address", pulseAddr)

	pulseConn, err := dialPulse(pulseAddr)
	if err != nil {
		return err
	}

	pulseBus := NewDBusBus(pulseConn, "pulseaudio", false, loop, logger)
	defer pulseBus.Close()

	desktop := NewDesktopBridge(sessionBus, cfg.DesktopConfig(), logger)
	audio := NewAudioBridge(pulseBus, desktop, cfg.AudioBridgeConfig(), logger)
	desktop.Attach(audio)

	var stream *StateStream
	if cfg.StateWS.Enabled {
		stream = NewStateStream(logger, loop, audio.Snapshot)
		audio.SetPublisher(stream)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(gctx)
	})

	g.Go(func() error {
		return startBridges(gctx, loop, audio, desktop)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sessionBus.Done():
			return errors.New("session bus connection lost")
		case <-pulseBus.Done():
			return errors.New("pulseaudio connection lost")
		}
	})

	if cfg.IPC.Enabled {
		g.Go(func() error {
			return runIPCServer(gctx, cfg.IPC.SocketPath, loop, audio, logger.With("component", "ipc"))
		})
	}

	if stream != nil {
		g.Go(func() error {
			return runStateServer(gctx, cfg.StateWS.ListenAddr, cfg.StateWS.Path, stream, logger)
		})
	}

	return g.Wait()
}

// startBridges runs the bridge startup on the loop and waits for it.
func startBridges(ctx context.Context, loop poster, audio *AudioBridge, desktop *DesktopBridge) error {
	result := make(chan error, 1)
	posted := loop.Post(func() {
		if err := audio.Start(); err != nil {
			result <- fmt.Errorf("start audio bridge: %w", err)
			return
		}
		if err := desktop.RegisterGestures(); err != nil {
			result <- fmt.Errorf("start desktop bridge: %w", err)
			return
		}
		result <- nil
	})
	if !posted {
		return nil
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return nil
	}
}
