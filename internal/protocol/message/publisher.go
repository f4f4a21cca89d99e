package message

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/framelink/internal/protocol/payload"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPublishInterval is 30 publications per second.
const DefaultPublishInterval = time.Second / 30

// Sender delivers one encoded frame. transport.Pump implements it.
type Sender interface {
	Send(ctx context.Context, b []byte) error
}

// Senders that also report link state are skipped while down; schedules do not advance.
type linkState interface {
	Connected() bool
}

type publication struct {
	index    uint8
	mode     payload.Mode
	interval time.Duration
	get      func() any
	due      time.Time
}

// Publisher periodically encodes values on fixed indices and sends them.
type Publisher struct {
	enc  Encoder
	out  Sender
	log  zerolog.Logger
	now  func() time.Time
	tick time.Duration

	mu   sync.Mutex
	pubs []*publication

	sent   atomic.Uint64
	failed atomic.Uint64
}

type PublisherOption func(*Publisher)

func WithPublisherLogger(l zerolog.Logger) PublisherOption {
	return func(p *Publisher) { p.log = l }
}

// WithClock replaces time.Now for scheduling.
func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

// WithTick sets how often Run checks for due publications.
func WithTick(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.tick = d
		}
	}
}

func NewPublisher(enc Encoder, out Sender, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		enc:  enc,
		out:  out,
		log:  log.Logger.With().Str("component", "publish").Logger(),
		now:  time.Now,
		tick: 5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends get() on index every interval with struct fields positional. It replaces any
// publication already on index. A non-positive interval means DefaultPublishInterval.
func (p *Publisher) Publish(index uint8, interval time.Duration, get func() any) {
	p.publish(index, interval, payload.ModePositional, get)
}

// PublishNamed is Publish with struct fields keyed by name.
func (p *Publisher) PublishNamed(index uint8, interval time.Duration, get func() any) {
	p.publish(index, interval, payload.ModeNamed, get)
}

func (p *Publisher) publish(index uint8, interval time.Duration, mode payload.Mode, get func() any) {
	if get == nil {
		p.Unpublish(index)
		return
	}
	if interval <= 0 {
		interval = DefaultPublishInterval
	}
	pub := &publication{index: index, mode: mode, interval: interval, get: get}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.pubs {
		if existing.index == index {
			p.pubs[i] = pub
			return
		}
	}
	p.pubs = append(p.pubs, pub)
	sort.Slice(p.pubs, func(i, j int) bool { return p.pubs[i].index < p.pubs[j].index })
}

func (p *Publisher) Unpublish(index uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pub := range p.pubs {
		if pub.index == index {
			p.pubs = append(p.pubs[:i], p.pubs[i+1:]...)
			return
		}
	}
}

// Sent counts frames the sender accepted.
func (p *Publisher) Sent() uint64 { return p.sent.Load() }

// Failed counts publications that could not be encoded or sent.
func (p *Publisher) Failed() uint64 { return p.failed.Load() }

// Post sends every publication whose interval has elapsed, in index order, and returns how
// many frames went out. Encoding failures skip that publication; a send failure stops the
// round and is returned.
func (p *Publisher) Post(ctx context.Context) (int, error) {
	if link, ok := p.out.(linkState); ok && !link.Connected() {
		return 0, nil
	}
	now := p.now()

	p.mu.Lock()
	var due []*publication
	for _, pub := range p.pubs {
		if !now.Before(pub.due) {
			pub.due = now.Add(pub.interval)
			due = append(due, pub)
		}
	}
	p.mu.Unlock()

	sent := 0
	for _, pub := range due {
		b, err := p.enc.EncodeMode(pub.index, pub.get(), pub.mode)
		if err != nil {
			p.failed.Add(1)
			p.log.Error().Err(err).Uint8("index", pub.index).Msg("publish encode failed")
			continue
		}
		if err := p.out.Send(ctx, b); err != nil {
			p.failed.Add(1)
			return sent, err
		}
		p.sent.Add(1)
		sent++
		if p.log.GetLevel() <= zerolog.DebugLevel {
			p.log.Debug().Uint8("index", pub.index).Hex("frame", b).Msg("published")
		}
	}
	return sent, nil
}

// Run calls Post every tick until ctx ends. Send failures are logged and retried on the
// next due round.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := p.Post(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn().Err(err).Msg("publish failed")
		}
	}
}
