package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/framelink/internal/logging"
	"github.com/danmuck/framelink/internal/protocol/frame"
	"github.com/danmuck/framelink/internal/protocol/payload"
	"github.com/danmuck/framelink/internal/transport"
)

var ErrInvalidConfig = errors.New("config: invalid")

type FramingConfig struct {
	Capacity int
	Stuffing frame.Stuffing
	Checksum frame.ChecksumScope
}

type PayloadConfig struct {
	Format string
	Mode   payload.Mode
}

type StatusConfig struct {
	// Addr is the status server listen address; empty disables it.
	Addr string
}

type PublishConfig struct {
	Enabled  bool
	Interval time.Duration
}

// Config is the framelink runtime configuration.
type Config struct {
	Instance string
	Link     transport.Config
	Framing  FramingConfig
	Payload  PayloadConfig
	Status   StatusConfig
	LogLevel string
	Publish  PublishConfig
}

func Default() Config {
	return Config{
		Instance: "framelink",
		Link:     transport.DefaultConfig(),
		Framing: FramingConfig{
			Capacity: 1024,
			Stuffing: frame.StuffingCOBS,
			Checksum: frame.ChecksumPayload,
		},
		Payload: PayloadConfig{
			Format: "msgpack",
			Mode:   payload.ModePositional,
		},
		LogLevel: "info",
		Publish: PublishConfig{
			Enabled:  true,
			Interval: 100 * time.Millisecond,
		},
	}
}

func (c Config) Codec() frame.Codec {
	return frame.NewCodec(frame.Options{Stuffing: c.Framing.Stuffing, Checksum: c.Framing.Checksum})
}

func (c Config) Format() (payload.Format, error) {
	return payload.Lookup(c.Payload.Format)
}

// Validate checks every section. The link is only checked for a known kind here because
// its endpoint often comes from the command line.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Instance) == "" {
		return fmt.Errorf("%w: instance is required", ErrInvalidConfig)
	}
	if c.Framing.Capacity < frame.MaxFrameLen {
		return fmt.Errorf("%w: framing.capacity %d below max frame length %d", ErrInvalidConfig, c.Framing.Capacity, frame.MaxFrameLen)
	}
	if _, err := c.Format(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.LogLevel)
	}
	if _, err := transport.ParseKind(string(c.Link.Kind)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Link.ReadSize <= 0 {
		return fmt.Errorf("%w: link.read_size must be positive", ErrInvalidConfig)
	}
	if c.Publish.Enabled && c.Publish.Interval <= 0 {
		return fmt.Errorf("%w: publish.interval_ms must be positive", ErrInvalidConfig)
	}
	return nil
}

// framelink config.toml key mapping to runtime settings.
type fileConfig struct {
	Instance string      `toml:"instance"`
	Link     linkFile    `toml:"link"`
	Framing  framingFile `toml:"framing"`
	Payload  payloadFile `toml:"payload"`
	Status   statusFile  `toml:"status"`
	Log      logFile     `toml:"log"`
	Publish  publishFile `toml:"publish"`
}

type linkFile struct {
	Kind               string  `toml:"kind"`
	Port               string  `toml:"port"`
	BaudRate           int     `toml:"baud_rate"`
	Address            string  `toml:"address"`
	ListenAddr         string  `toml:"listen_addr"`
	ReadSize           int     `toml:"read_size"`
	ConnectTimeoutMS   int64   `toml:"connect_timeout_ms"`
	ReadTimeoutMS      int64   `toml:"read_timeout_ms"`
	WriteTimeoutMS     int64   `toml:"write_timeout_ms"`
	MaxConnectAttempts int     `toml:"max_connect_attempts"`
	BackoffInitialMS   int64   `toml:"backoff_initial_ms"`
	BackoffMultiplier  float64 `toml:"backoff_multiplier"`
	BackoffMaxMS       int64   `toml:"backoff_max_ms"`
	BackoffJitter      bool    `toml:"backoff_jitter"`
}

type framingFile struct {
	Capacity int    `toml:"capacity"`
	Stuffing string `toml:"stuffing"`
	Checksum string `toml:"checksum"`
}

type payloadFile struct {
	Format string `toml:"format"`
	Mode   string `toml:"mode"`
}

type statusFile struct {
	Addr string `toml:"addr"`
}

type logFile struct {
	Level string `toml:"level"`
}

type publishFile struct {
	Enabled    bool  `toml:"enabled"`
	IntervalMS int64 `toml:"interval_ms"`
}

// Load reads path and overlays every key it defines on Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %s in %s", ErrInvalidConfig, undecoded[0], path)
	}

	if meta.IsDefined("instance") {
		cfg.Instance = strings.TrimSpace(raw.Instance)
	}
	if err := overlayLink(&cfg.Link, raw.Link, meta); err != nil {
		return Config{}, err
	}

	if meta.IsDefined("framing", "capacity") {
		cfg.Framing.Capacity = raw.Framing.Capacity
	}
	if meta.IsDefined("framing", "stuffing") {
		s, err := frame.ParseStuffing(raw.Framing.Stuffing)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		cfg.Framing.Stuffing = s
	}
	if meta.IsDefined("framing", "checksum") {
		s, err := frame.ParseChecksumScope(raw.Framing.Checksum)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		cfg.Framing.Checksum = s
	}

	if meta.IsDefined("payload", "format") {
		cfg.Payload.Format = strings.TrimSpace(raw.Payload.Format)
	}
	if meta.IsDefined("payload", "mode") {
		m, err := payload.ParseMode(raw.Payload.Mode)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		cfg.Payload.Mode = m
	}

	if meta.IsDefined("status", "addr") {
		cfg.Status.Addr = strings.TrimSpace(raw.Status.Addr)
	}
	if meta.IsDefined("log", "level") {
		cfg.LogLevel = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("publish", "enabled") {
		cfg.Publish.Enabled = raw.Publish.Enabled
	}
	if meta.IsDefined("publish", "interval_ms") {
		cfg.Publish.Interval = time.Duration(raw.Publish.IntervalMS) * time.Millisecond
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayLink(cfg *transport.Config, raw linkFile, meta toml.MetaData) error {
	if meta.IsDefined("link", "kind") {
		kind, err := transport.ParseKind(raw.Kind)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		cfg.Kind = kind
	}
	if meta.IsDefined("link", "port") {
		cfg.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("link", "baud_rate") {
		cfg.BaudRate = raw.BaudRate
	}
	if meta.IsDefined("link", "address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("link", "listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("link", "read_size") {
		cfg.ReadSize = raw.ReadSize
	}
	if meta.IsDefined("link", "connect_timeout_ms") {
		cfg.ConnectTimeout = time.Duration(raw.ConnectTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("link", "read_timeout_ms") {
		cfg.ReadTimeout = time.Duration(raw.ReadTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("link", "write_timeout_ms") {
		cfg.WriteTimeout = time.Duration(raw.WriteTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("link", "max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("link", "backoff_initial_ms") {
		cfg.Backoff.InitialDelay = time.Duration(raw.BackoffInitialMS) * time.Millisecond
	}
	if meta.IsDefined("link", "backoff_multiplier") {
		cfg.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("link", "backoff_max_ms") {
		cfg.Backoff.MaxDelay = time.Duration(raw.BackoffMaxMS) * time.Millisecond
	}
	if meta.IsDefined("link", "backoff_jitter") {
		cfg.Backoff.Jitter = raw.BackoffJitter
	}
	return nil
}
