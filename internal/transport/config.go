package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownKind   = errors.New("transport: unknown link kind")
	ErrInvalidConfig = errors.New("transport: invalid config")
	ErrNotConnected  = errors.New("transport: not connected")
	ErrConnect       = errors.New("transport: connect failed")
)

// Kind names the physical link.
type Kind string

const (
	KindSerial Kind = "serial"
	KindTCP    Kind = "tcp"
	KindUDP    Kind = "udp"
)

func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindSerial, KindTCP, KindUDP:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// BackoffConfig defines redial backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config describes one link and how it is kept up.
type Config struct {
	Kind Kind
	// Port is the serial device, e.g. /dev/ttyUSB0 or COM3.
	Port     string
	BaudRate int
	// Address is the remote host:port for tcp and udp.
	Address string
	// ListenAddr is the local udp address replies arrive on. Empty reads from the
	// sending socket instead.
	ListenAddr string

	ReadSize           int
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	MaxConnectAttempts int
	Backoff            BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Kind:           KindSerial,
		BaudRate:       115200,
		ReadSize:       512,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    100 * time.Millisecond,
		WriteTimeout:   time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) Validate() error {
	switch c.Kind {
	case KindSerial:
		if strings.TrimSpace(c.Port) == "" {
			return fmt.Errorf("%w: serial link requires a port", ErrInvalidConfig)
		}
		if c.BaudRate <= 0 {
			return fmt.Errorf("%w: baud rate must be positive, got %d", ErrInvalidConfig, c.BaudRate)
		}
	case KindTCP, KindUDP:
		if strings.TrimSpace(c.Address) == "" {
			return fmt.Errorf("%w: %s link requires an address", ErrInvalidConfig, c.Kind)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}
	if c.ReadSize <= 0 {
		return fmt.Errorf("%w: read size must be positive, got %d", ErrInvalidConfig, c.ReadSize)
	}
	if c.MaxConnectAttempts < 0 {
		return fmt.Errorf("%w: max connect attempts must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Target is a printable link endpoint for logs.
func (c Config) Target() string {
	if c.Kind == KindSerial {
		return fmt.Sprintf("%s@%d", c.Port, c.BaudRate)
	}
	return c.Address
}
