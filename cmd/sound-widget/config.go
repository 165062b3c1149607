package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the sound-widget daemon.
//
// Defaults describe a stock awesome WM widget and a local PulseAudio server,
// so the daemon normally runs without a config file.
type Config struct {
	// Bus connection overrides
	Bus BusConfig `yaml:"bus"`

	// Desktop widget endpoint
	Desktop DesktopFileConfig `yaml:"desktop"`

	// Audio server volume policy
	Audio AudioConfig `yaml:"audio"`

	// IPC control socket (used by widget-ctl)
	IPC IPCConfig `yaml:"ipc"`

	// State stream websocket (used by widget-watch)
	StateWS StateWSConfig `yaml:"state_ws"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type BusConfig struct {
	// SessionAddress overrides DBUS_SESSION_BUS_ADDRESS.
	SessionAddress string `yaml:"session_address,omitempty"`
	// PulseAddress skips the org.PulseAudio1 server lookup.
	PulseAddress string `yaml:"pulse_address,omitempty"`
}

type DesktopFileConfig struct {
	Service         string `yaml:"service"`
	Path            string `yaml:"path"`
	Interface       string `yaml:"interface"`
	SignalInterface string `yaml:"signal_interface"`
	VolumeMethod    string `yaml:"volume_method"`
}

type AudioConfig struct {
	VolumeStep uint32 `yaml:"volume_step"`
	MaxVolume  uint32 `yaml:"max_volume"`
}

type IPCConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path,omitempty"` // empty = $XDG_RUNTIME_DIR/sound-widget.sock
}

type StateWSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Desktop: DesktopFileConfig{
			Service:         defaultDesktopService,
			Path:            defaultDesktopPath,
			Interface:       defaultDesktopInterface,
			SignalInterface: defaultDesktopSignalInterface,
			VolumeMethod:    defaultDesktopVolumeMethod,
		},
		Audio: AudioConfig{
			VolumeStep: defaultVolumeStep,
			MaxVolume:  defaultMaxVolume,
		},
		IPC: IPCConfig{
			Enabled: true,
		},
		StateWS: StateWSConfig{
			Enabled:    false,
			ListenAddr: defaultStateWSAddr,
			Path:       defaultStateWSPath,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields are rejected so typos surface at startup.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments may follow the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides carries flag values that were explicitly set on the command
// line. nil pointers leave the config untouched.
type FlagOverrides struct {
	SessionAddress *string
	PulseAddress   *string

	VolumeStep *uint32
	MaxVolume  *uint32

	IPCEnabled    *bool
	IPCSocketPath *string

	StateWSEnabled *bool
	StateWSAddr    *string

	LogLevel *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.SessionAddress != nil {
		cfg.Bus.SessionAddress = *o.SessionAddress
	}
	if o.PulseAddress != nil {
		cfg.Bus.PulseAddress = *o.PulseAddress
	}
	if o.VolumeStep != nil {
		cfg.Audio.VolumeStep = *o.VolumeStep
	}
	if o.MaxVolume != nil {
		cfg.Audio.MaxVolume = *o.MaxVolume
	}
	if o.IPCEnabled != nil {
		cfg.IPC.Enabled = *o.IPCEnabled
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.StateWSEnabled != nil {
		cfg.StateWS.Enabled = *o.StateWSEnabled
	}
	if o.StateWSAddr != nil {
		cfg.StateWS.ListenAddr = *o.StateWSAddr
		// Giving an address is taken as asking for the stream.
		cfg.StateWS.Enabled = true
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants. It is called after defaults, file and
// overrides are applied, and fills in derived defaults.
func (c *Config) Validate() error {
	// Desktop
	if c.Desktop.Service == "" {
		return errors.New("desktop.service must not be empty")
	}
	if c.Desktop.Path == "" || !strings.HasPrefix(c.Desktop.Path, "/") {
		return errors.New("desktop.path must be an absolute object path")
	}
	if c.Desktop.Interface == "" {
		return errors.New("desktop.interface must not be empty")
	}
	if c.Desktop.SignalInterface == "" {
		return errors.New("desktop.signal_interface must not be empty")
	}
	if c.Desktop.VolumeMethod == "" {
		return errors.New("desktop.volume_method must not be empty")
	}

	// Audio
	if c.Audio.MaxVolume == 0 {
		return errors.New("audio.max_volume must be > 0")
	}
	if c.Audio.VolumeStep == 0 {
		return errors.New("audio.volume_step must be > 0")
	}
	if c.Audio.VolumeStep > c.Audio.MaxVolume {
		return errors.New("audio.volume_step must be <= audio.max_volume")
	}

	// IPC
	if c.IPC.Enabled {
		if c.IPC.SocketPath == "" {
			c.IPC.SocketPath = defaultSocketPath()
		}
		c.IPC.SocketPath = ExpandPath(c.IPC.SocketPath)
	}

	// State websocket
	if c.StateWS.Enabled {
		if c.StateWS.ListenAddr == "" {
			return errors.New("state_ws.listen_addr must not be empty when state_ws.enabled is true")
		}
		if !strings.HasPrefix(c.StateWS.Path, "/") {
			return errors.New("state_ws.path must start with /")
		}
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// DesktopConfig converts the file config into the bridge config.
func (c *Config) DesktopConfig() DesktopConfig {
	return DesktopConfig{
		Service:         c.Desktop.Service,
		Path:            dbus.ObjectPath(c.Desktop.Path),
		Interface:       c.Desktop.Interface,
		SignalInterface: c.Desktop.SignalInterface,
		VolumeMethod:    c.Desktop.VolumeMethod,
	}
}

// AudioBridgeConfig converts the file config into the bridge config.
func (c *Config) AudioBridgeConfig() AudioBridgeConfig {
	return AudioBridgeConfig{
		Step:      c.Audio.VolumeStep,
		MaxVolume: c.Audio.MaxVolume,
	}
}

// runtimeDir returns $XDG_RUNTIME_DIR, or /run/user/<uid> when unset.
func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return filepath.Join("/run/user", strconv.Itoa(unix.Getuid()))
}

func defaultSocketPath() string {
	return filepath.Join(runtimeDir(), socketName)
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && p[1] == '/' {
		return filepath.Join(home, p[2:])
	}
	return p
}
