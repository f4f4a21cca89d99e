package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/framelink/internal/transport"
	"github.com/pelletier/go-toml/v2"
)

const templateHeader = "# framelink configuration. Durations are in milliseconds.\n\n"

// Template renders the default config for one link kind: serial, tcp or udp.
func Template(kind string) (string, error) {
	cfg := Default()
	switch transport.Kind(strings.ToLower(strings.TrimSpace(kind))) {
	case transport.KindSerial:
		cfg.Link.Kind = transport.KindSerial
		cfg.Link.Port = "/dev/ttyUSB0"
	case transport.KindTCP:
		cfg.Link.Kind = transport.KindTCP
		cfg.Link.Address = "192.168.0.201:55555"
	case transport.KindUDP:
		cfg.Link.Kind = transport.KindUDP
		cfg.Link.Address = "192.168.0.201:55555"
		cfg.Link.ListenAddr = ":54321"
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	cfg.Status.Addr = "127.0.0.1:9400"

	data, err := toml.Marshal(fileFromConfig(cfg))
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return templateHeader + string(data), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func fileFromConfig(c Config) fileConfig {
	return fileConfig{
		Instance: c.Instance,
		Link: linkFile{
			Kind:               string(c.Link.Kind),
			Port:               c.Link.Port,
			BaudRate:           c.Link.BaudRate,
			Address:            c.Link.Address,
			ListenAddr:         c.Link.ListenAddr,
			ReadSize:           c.Link.ReadSize,
			ConnectTimeoutMS:   millis(c.Link.ConnectTimeout),
			ReadTimeoutMS:      millis(c.Link.ReadTimeout),
			WriteTimeoutMS:     millis(c.Link.WriteTimeout),
			MaxConnectAttempts: c.Link.MaxConnectAttempts,
			BackoffInitialMS:   millis(c.Link.Backoff.InitialDelay),
			BackoffMultiplier:  c.Link.Backoff.Multiplier,
			BackoffMaxMS:       millis(c.Link.Backoff.MaxDelay),
			BackoffJitter:      c.Link.Backoff.Jitter,
		},
		Framing: framingFile{
			Capacity: c.Framing.Capacity,
			Stuffing: c.Framing.Stuffing.String(),
			Checksum: c.Framing.Checksum.String(),
		},
		Payload: payloadFile{
			Format: c.Payload.Format,
			Mode:   c.Payload.Mode.String(),
		},
		Status:  statusFile{Addr: c.Status.Addr},
		Log:     logFile{Level: c.LogLevel},
		Publish: publishFile{Enabled: c.Publish.Enabled, IntervalMS: millis(c.Publish.Interval)},
	}
}

func millis(d time.Duration) int64 {
	return int64(d / time.Millisecond)
}
