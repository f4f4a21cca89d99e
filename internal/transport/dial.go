package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"go.bug.st/serial"
)

// DialFunc opens one link.
type DialFunc func(ctx context.Context, cfg Config) (io.ReadWriteCloser, error)

// Dial opens the link described by cfg.
//
// Serial reads time out after ReadTimeout and then return 0, nil, so a reader never
// blocks shutdown for longer than that.
func Dial(ctx context.Context, cfg Config) (io.ReadWriteCloser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindSerial:
		return dialSerial(cfg)
	case KindTCP:
		d := net.Dialer{Timeout: cfg.ConnectTimeout}
		return d.DialContext(ctx, "tcp", cfg.Address)
	case KindUDP:
		return dialUDP(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

func dialSerial(cfg Config) (io.ReadWriteCloser, error) {
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Port, err)
	}
	if cfg.ReadTimeout > 0 {
		if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("serial read timeout %s: %w", cfg.Port, err)
		}
	}
	return port, nil
}

// udpLink sends to the remote peer and receives on a separate local socket.
type udpLink struct {
	send net.Conn
	recv net.PacketConn
}

func dialUDP(ctx context.Context, cfg Config) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	send, err := d.DialContext(ctx, "udp", cfg.Address)
	if err != nil {
		return nil, err
	}
	if cfg.ListenAddr == "" {
		return send, nil
	}
	var lc net.ListenConfig
	recv, err := lc.ListenPacket(ctx, "udp", cfg.ListenAddr)
	if err != nil {
		_ = send.Close()
		return nil, fmt.Errorf("listen udp %s: %w", cfg.ListenAddr, err)
	}
	return &udpLink{send: send, recv: recv}, nil
}

func (l *udpLink) Read(p []byte) (int, error) {
	n, _, err := l.recv.ReadFrom(p)
	return n, err
}

func (l *udpLink) Write(p []byte) (int, error) {
	return l.send.Write(p)
}

func (l *udpLink) Close() error {
	return errors.Join(l.send.Close(), l.recv.Close())
}

// LocalAddr reports the receiving socket address.
func (l *udpLink) LocalAddr() net.Addr {
	return l.recv.LocalAddr()
}
