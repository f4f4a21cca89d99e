package message

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/framelink/internal/protocol/payload"
	"github.com/danmuck/framelink/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

type captureSender struct {
	mu     sync.Mutex
	up     bool
	err    error
	frames [][]byte
}

func (s *captureSender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

func (s *captureSender) Send(_ context.Context, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, append([]byte(nil), b...))
	return nil
}

func (s *captureSender) indices(t *testing.T) []uint8 {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint8, 0, len(s.frames))
	for _, b := range s.frames {
		f, _, err := cobs.Decode(b)
		if err != nil {
			t.Fatalf("decode sent frame: %v", err)
		}
		out = append(out, f.Index)
	}
	s.frames = nil
	return out
}

type stepClock struct {
	at time.Time
}

func (c *stepClock) now() time.Time { return c.at }

func assertIndices(t *testing.T, got []uint8, want ...uint8) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent %v, want %v", got, want)
		}
	}
}

func newTestPublisher(out Sender, clock *stepClock) *Publisher {
	return NewPublisher(NewEncoder(cobs, payload.MsgPack{}), out,
		WithPublisherLogger(zerolog.Nop()), WithClock(clock.now))
}

func TestPostFollowsIntervals(t *testing.T) {
	testlog.Start(t)
	clock := &stepClock{at: time.Unix(100, 0)}
	out := &captureSender{up: true}
	p := newTestPublisher(out, clock)
	p.Publish(0x20, 30*time.Millisecond, func() any { return []int{2} })
	p.Publish(0x10, 10*time.Millisecond, func() any { return []int{1} })

	if n, err := p.Post(context.Background()); err != nil || n != 2 {
		t.Fatalf("first post n=%d err=%v", n, err)
	}
	assertIndices(t, out.indices(t), 0x10, 0x20)

	clock.at = clock.at.Add(5 * time.Millisecond)
	if n, _ := p.Post(context.Background()); n != 0 {
		t.Fatalf("nothing is due yet, sent %d", n)
	}
	clock.at = clock.at.Add(5 * time.Millisecond)
	p.Post(context.Background())
	assertIndices(t, out.indices(t), 0x10)

	clock.at = clock.at.Add(20 * time.Millisecond)
	p.Post(context.Background())
	assertIndices(t, out.indices(t), 0x10, 0x20)
	if p.Sent() != 5 || p.Failed() != 0 {
		t.Fatalf("unexpected counters sent=%d failed=%d", p.Sent(), p.Failed())
	}
}

func TestPostWaitsForLink(t *testing.T) {
	testlog.Start(t)
	clock := &stepClock{at: time.Unix(100, 0)}
	out := &captureSender{}
	p := newTestPublisher(out, clock)
	p.Publish(0x01, time.Second, func() any { return "x" })

	if n, err := p.Post(context.Background()); n != 0 || err != nil {
		t.Fatalf("link down: n=%d err=%v", n, err)
	}
	out.mu.Lock()
	out.up = true
	out.mu.Unlock()
	if n, _ := p.Post(context.Background()); n != 1 {
		t.Fatalf("schedule must not advance while down, sent %d", n)
	}
}

func TestPostStopsOnSendError(t *testing.T) {
	testlog.Start(t)
	clock := &stepClock{at: time.Unix(100, 0)}
	refused := errors.New("refused")
	out := &captureSender{up: true, err: refused}
	p := newTestPublisher(out, clock)
	p.Publish(0x01, time.Second, func() any { return 1 })
	p.Publish(0x02, time.Second, func() any { return 2 })

	n, err := p.Post(context.Background())
	if !errors.Is(err, refused) || n != 0 {
		t.Fatalf("expected send error, n=%d err=%v", n, err)
	}
	if p.Failed() != 1 {
		t.Fatalf("expected one failure, got %d", p.Failed())
	}
}

func TestPostSkipsUnencodableValue(t *testing.T) {
	testlog.Start(t)
	clock := &stepClock{at: time.Unix(100, 0)}
	out := &captureSender{up: true}
	p := newTestPublisher(out, clock)
	p.Publish(0x01, time.Second, func() any { return make(chan int) })
	p.PublishNamed(0x02, time.Second, func() any { return counters{Micros: 1} })

	if n, err := p.Post(context.Background()); n != 1 || err != nil {
		t.Fatalf("n=%d err=%v", n, err)
	}
	assertIndices(t, out.indices(t), 0x02)
	if p.Failed() != 1 {
		t.Fatalf("expected encode failure counted, got %d", p.Failed())
	}
}

func TestPublishReplacesAndUnpublishRemoves(t *testing.T) {
	testlog.Start(t)
	clock := &stepClock{at: time.Unix(100, 0)}
	out := &captureSender{up: true}
	p := newTestPublisher(out, clock)
	p.Publish(0x01, time.Second, func() any { return 1 })
	p.Publish(0x01, time.Second, func() any { return 2 })
	p.Publish(0x02, time.Second, func() any { return 3 })
	p.Unpublish(0x02)

	p.Post(context.Background())
	out.mu.Lock()
	frames := out.frames
	out.mu.Unlock()
	if len(frames) != 1 {
		t.Fatalf("expected one publication, sent %d", len(frames))
	}
	m, _, err := Decode[int](cobs, payload.MsgPack{}, frames[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Data != 2 {
		t.Fatalf("replacement getter not used, got %d", m.Data)
	}
}

func TestRunPublishesUntilCancelled(t *testing.T) {
	testlog.Start(t)
	out := &captureSender{up: true}
	p := NewPublisher(NewEncoder(cobs, nil), out,
		WithPublisherLogger(zerolog.Nop()), WithTick(time.Millisecond))
	p.Publish(0x05, 2*time.Millisecond, func() any { return "tick" })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for p.Sent() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("run sent %d frames", p.Sent())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
