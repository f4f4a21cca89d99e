package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Feeder consumes bytes read from the link. ingest.Engine satisfies it.
type Feeder interface {
	Feed(input []byte) int
	Available() int
	Reset()
}

// LinkObserver receives link events, typically to feed metrics.
type LinkObserver interface {
	LinkUp(kind string)
	LinkDown(kind string)
	BytesRead(kind string, n int)
	BytesWritten(kind string, n int)
	DialFailed(kind string)
}

type nopLinkObserver struct{}

func (nopLinkObserver) LinkUp(string)            {}
func (nopLinkObserver) LinkDown(string)          {}
func (nopLinkObserver) BytesRead(string, int)    {}
func (nopLinkObserver) BytesWritten(string, int) {}
func (nopLinkObserver) DialFailed(string)        {}

type PumpOption func(*Pump)

func WithLogger(l zerolog.Logger) PumpOption {
	return func(p *Pump) { p.log = l }
}

func WithLinkObserver(o LinkObserver) PumpOption {
	return func(p *Pump) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithDialer replaces Dial, mainly for tests.
func WithDialer(d DialFunc) PumpOption {
	return func(p *Pump) {
		if d != nil {
			p.dial = d
		}
	}
}

func WithRand(rng *rand.Rand) PumpOption {
	return func(p *Pump) { p.rng = rng }
}

// Pump keeps one link open and is the only goroutine feeding its Feeder.
type Pump struct {
	cfg      Config
	feeder   Feeder
	dial     DialFunc
	log      zerolog.Logger
	observer LinkObserver
	rng      *rand.Rand

	mu        sync.Mutex
	conn      io.ReadWriteCloser
	connected atomic.Bool
}

func NewPump(cfg Config, feeder Feeder, opts ...PumpOption) *Pump {
	p := &Pump{
		cfg:      cfg,
		feeder:   feeder,
		dial:     Dial,
		log:      log.Logger.With().Str("component", "transport").Str("link", string(cfg.Kind)).Logger(),
		observer: nopLinkObserver{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pump) Connected() bool {
	return p.connected.Load()
}

// Run dials, reads and redials until ctx is done or MaxConnectAttempts consecutive
// dials fail.
func (p *Pump) Run(ctx context.Context) error {
	if p.feeder == nil {
		return fmt.Errorf("%w: nil feeder", ErrInvalidConfig)
	}
	kind := string(p.cfg.Kind)
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := p.dial(ctx, p.cfg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrUnknownKind) {
				return err
			}
			attempt++
			p.observer.DialFailed(kind)
			if p.cfg.MaxConnectAttempts > 0 && attempt >= p.cfg.MaxConnectAttempts {
				return fmt.Errorf("%w: %s after %d attempts: %v", ErrConnect, p.cfg.Target(), attempt, err)
			}
			delay := p.cfg.Backoff.Delay(attempt, p.rng)
			p.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Str("target", p.cfg.Target()).Msg("link dial failed")
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			continue
		}

		attempt = 0
		p.setConn(conn)
		p.observer.LinkUp(kind)
		p.log.Info().Str("target", p.cfg.Target()).Msg("link up")

		err = p.readLoop(ctx, conn)

		p.clearConn(conn)
		p.observer.LinkDown(kind)
		if ctx.Err() != nil {
			p.log.Info().Msg("link closed")
			return ctx.Err()
		}
		p.log.Warn().Err(err).Str("target", p.cfg.Target()).Msg("link lost")
		if err := sleepCtx(ctx, p.cfg.Backoff.Delay(1, p.rng)); err != nil {
			return err
		}
	}
}

func (p *Pump) readLoop(ctx context.Context, conn io.ReadWriteCloser) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	kind := string(p.cfg.Kind)
	buf := make([]byte, p.cfg.ReadSize)
	for {
		// packet sockets truncate a datagram to the read size
		n, err := conn.Read(buf)
		if n > 0 {
			p.observer.BytesRead(kind, n)
			p.log.Debug().Int("bytes", n).Hex("data", buf[:n]).Msg("read")
			p.feed(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// feed hands data to the feeder in pieces that fit its free space. A full buffer that
// still holds no complete frame is reset.
func (p *Pump) feed(data []byte) {
	for len(data) > 0 {
		room := p.feeder.Available()
		if room == 0 {
			p.log.Error().Msg("ingest buffer full without a complete frame, resetting")
			p.feeder.Reset()
			if room = p.feeder.Available(); room == 0 {
				return
			}
		}
		chunk := min(room, len(data))
		p.feeder.Feed(data[:chunk])
		data = data[chunk:]
	}
}

// Send writes b to the current link. Concurrent senders are serialized.
func (p *Pump) Send(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ErrNotConnected
	}
	if dl, ok := p.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		deadline := time.Time{}
		if p.cfg.WriteTimeout > 0 {
			deadline = time.Now().Add(p.cfg.WriteTimeout)
		}
		if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
			deadline = d
		}
		_ = dl.SetWriteDeadline(deadline)
	}
	n, err := p.conn.Write(b)
	if n > 0 {
		p.observer.BytesWritten(string(p.cfg.Kind), n)
	}
	if err != nil {
		return fmt.Errorf("transport: write %d bytes: %w", len(b), err)
	}
	p.log.Debug().Int("bytes", n).Hex("data", b).Msg("sent")
	return nil
}

func (p *Pump) setConn(conn io.ReadWriteCloser) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.connected.Store(true)
}

func (p *Pump) clearConn(conn io.ReadWriteCloser) {
	p.connected.Store(false)
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
	_ = conn.Close()
}
