package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/framelink/internal/protocol/frame"
	"github.com/danmuck/framelink/internal/protocol/ingest"
	"github.com/danmuck/framelink/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func TestBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := cfg.Delay(1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := cfg.Delay(2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := cfg.Delay(3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := cfg.Delay(6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := cfg.Delay(3, rng)
	if got < 500*time.Millisecond || got > 1500*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing port, got %v", err)
	}
	cfg.Port = "/dev/ttyUSB0"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid serial config, got %v", err)
	}

	cfg.Kind = KindTCP
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing address, got %v", err)
	}
	cfg.Kind = "can"
	if err := cfg.Validate(); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := ParseKind("UDP"); err != nil {
		t.Fatalf("parse kind: %v", err)
	}
	if _, err := ParseKind("spi"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func tcpConfig(addr string) Config {
	cfg := DefaultConfig()
	cfg.Kind = KindTCP
	cfg.Address = addr
	cfg.ConnectTimeout = time.Second
	cfg.Backoff = BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
	return cfg
}

func waitConnected(t *testing.T, p *Pump, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.Connected() != want {
		if time.Now().After(deadline) {
			t.Fatalf("pump connected=%v never reached", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func recvFrame(t *testing.T, ch <-chan frame.Frame) frame.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return frame.Frame{}
}

func TestPumpTCPDeliversAndSends(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	engine := ingest.New(256, ingest.WithLogger(zerolog.Nop()))
	got := make(chan frame.Frame, 4)
	engine.SubscribeFunc(0x02, func(f frame.Frame) { got <- f.Clone() })

	pump := NewPump(tcpConfig(ln.Addr().String()), engine, WithLogger(zerolog.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- pump.Run(ctx) }()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	wire, _ := frame.Encode(0x02, []byte("hello"))
	if _, err := conn.Write(wire[:3]); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := conn.Write(wire[3:]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := recvFrame(t, got); f.Index != 0x02 || string(f.Payload) != "hello" {
		t.Fatalf("unexpected frame: %+v", f)
	}

	waitConnected(t, pump, true)
	out, _ := frame.Encode(0x01, []byte("ping"))
	if err := pump.Send(ctx, out); err != nil {
		t.Fatalf("send: %v", err)
	}
	raw, err := bufio.NewReader(conn).ReadBytes(frame.Delimiter)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	f, _, err := frame.Decode(raw)
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	if f.Index != 0x01 || string(f.Payload) != "ping" {
		t.Fatalf("unexpected sent frame: %+v", f)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pump did not stop")
	}
	if pump.Connected() {
		t.Fatalf("pump still connected after stop")
	}
}

func TestPumpRedialsAfterLinkLoss(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	engine := ingest.New(64, ingest.WithLogger(zerolog.Nop()))
	got := make(chan frame.Frame, 4)
	engine.SubscribeFunc(0x12, func(f frame.Frame) { got <- f.Clone() })

	pump := NewPump(tcpConfig(ln.Addr().String()), engine, WithLogger(zerolog.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pump.Run(ctx) }()

	first, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	_ = first.Close()

	second, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept after redial: %v", err)
	}
	defer second.Close()
	wire, _ := frame.Encode(0x12, []byte{0x01, 0x02})
	if _, err := second.Write(wire); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := recvFrame(t, got); f.Index != 0x12 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestPumpResetsWedgedBuffer(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	engine := ingest.New(16, ingest.WithLogger(zerolog.Nop()))
	got := make(chan frame.Frame, 4)
	engine.SubscribeFunc(0x02, func(f frame.Frame) { got <- f.Clone() })

	pump := NewPump(tcpConfig(ln.Addr().String()), engine, WithLogger(zerolog.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pump.Run(ctx) }()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	garbage := make([]byte, 16)
	for i := range garbage {
		garbage[i] = 0x55
	}
	wire, _ := frame.Encode(0x02, []byte{0x07})
	if _, err := conn.Write(append(garbage, wire...)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := recvFrame(t, got); f.Index != 0x02 || f.Payload[0] != 0x07 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

type countingLinkObserver struct {
	nopLinkObserver
	dialFailed atomic.Int32
}

func (o *countingLinkObserver) DialFailed(string) { o.dialFailed.Add(1) }

func TestPumpGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	cfg := tcpConfig("127.0.0.1:1")
	cfg.MaxConnectAttempts = 3
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond}

	obs := &countingLinkObserver{}
	dialErr := errors.New("refused")
	pump := NewPump(cfg, ingest.New(32), WithLogger(zerolog.Nop()), WithLinkObserver(obs),
		WithDialer(func(context.Context, Config) (io.ReadWriteCloser, error) {
			return nil, dialErr
		}))
	err := pump.Run(context.Background())
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	if obs.dialFailed.Load() != 3 {
		t.Fatalf("expected 3 failed dials, got %d", obs.dialFailed.Load())
	}
}

func TestSendWithoutLink(t *testing.T) {
	testlog.Start(t)
	pump := NewPump(tcpConfig("127.0.0.1:1"), ingest.New(32), WithLogger(zerolog.Nop()))
	if err := pump.Send(context.Background(), []byte{0x01}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDialUDPWithLocalListener(t *testing.T) {
	testlog.Start(t)
	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen peer: %v", err)
	}
	defer peer.Close()

	cfg := DefaultConfig()
	cfg.Kind = KindUDP
	cfg.Address = peer.LocalAddr().String()
	cfg.ListenAddr = "127.0.0.1:0"
	link, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer link.Close()

	if _, err := link.Write([]byte("up")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 16)
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := peer.ReadFrom(buf)
	if err != nil || string(buf[:n]) != "up" {
		t.Fatalf("peer read n=%d err=%v", n, err)
	}

	local := link.(*udpLink).LocalAddr()
	if _, err := peer.WriteTo([]byte("down"), local); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	_ = link.(*udpLink).recv.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = link.Read(buf)
	if err != nil || string(buf[:n]) != "down" {
		t.Fatalf("link read n=%d err=%v", n, err)
	}
}

type datagramConn struct {
	chunks chan []byte
	closed chan struct{}
	once   sync.Once
}

func newDatagramConn(chunks ...[]byte) *datagramConn {
	c := &datagramConn{chunks: make(chan []byte, len(chunks)), closed: make(chan struct{})}
	for _, chunk := range chunks {
		c.chunks <- chunk
	}
	return c
}

// Read mimics a packet socket: a datagram larger than p is truncated.
func (c *datagramConn) Read(p []byte) (int, error) {
	select {
	case chunk := <-c.chunks:
		n := copy(p, chunk)
		if n < len(chunk) {
			return n, io.ErrShortBuffer
		}
		return n, nil
	case <-c.closed:
		return 0, io.EOF
	}
}

func (c *datagramConn) Write(p []byte) (int, error) { return len(p), nil }

func (c *datagramConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestPumpFeedsDatagramLargerThanFreeSpace(t *testing.T) {
	testlog.Start(t)
	var datagram []byte
	for i := 0; i < 3; i++ {
		wire, err := frame.Encode(0x02, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, byte(0x10 + i)})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		datagram = append(datagram, wire...)
	}
	engine := ingest.New(32, ingest.WithLogger(zerolog.Nop()))
	if len(datagram) <= engine.Available() {
		t.Fatalf("datagram of %d bytes must exceed free space %d", len(datagram), engine.Available())
	}
	got := make(chan frame.Frame, 4)
	engine.SubscribeFunc(0x02, func(f frame.Frame) { got <- f.Clone() })

	cfg := DefaultConfig()
	cfg.Kind = KindUDP
	cfg.Address = "127.0.0.1:9"
	conn := newDatagramConn(datagram)
	dialed := false
	pump := NewPump(cfg, engine, WithLogger(zerolog.Nop()),
		WithDialer(func(ctx context.Context, _ Config) (io.ReadWriteCloser, error) {
			if dialed {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			dialed = true
			return conn, nil
		}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pump.Run(ctx) }()

	for i := 0; i < 3; i++ {
		f := recvFrame(t, got)
		if want := byte(0x10 + i); f.Payload[len(f.Payload)-1] != want {
			t.Fatalf("frame %d: last payload byte 0x%02x, want 0x%02x", i, f.Payload[len(f.Payload)-1], want)
		}
	}
	if s := engine.Stats(); s.Overflows != 0 || s.FramingErrors != 0 {
		t.Fatalf("datagram must feed without loss: %+v", s)
	}
}
