package message

import (
	"fmt"
	"sync/atomic"

	"github.com/danmuck/framelink/internal/protocol/dispatch"
	"github.com/danmuck/framelink/internal/protocol/frame"
	"github.com/danmuck/framelink/internal/protocol/ingest"
	"github.com/danmuck/framelink/internal/protocol/payload"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Subscriber routes frames from an ingest engine to typed handlers.
type Subscriber struct {
	engine  *ingest.Engine
	format  payload.Format
	log     zerolog.Logger
	dropped atomic.Uint64
}

type SubscriberOption func(*Subscriber)

func WithLogger(l zerolog.Logger) SubscriberOption {
	return func(s *Subscriber) { s.log = l }
}

func NewSubscriber(engine *ingest.Engine, format payload.Format, opts ...SubscriberOption) *Subscriber {
	if engine == nil {
		engine = ingest.New(ingest.DefaultCapacity)
	}
	s := &Subscriber{
		engine: engine,
		format: formatOrDefault(format),
		log:    log.Logger.With().Str("component", "message").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Subscriber) Feed(input []byte) int {
	return s.engine.Feed(input)
}

func (s *Subscriber) Unsubscribe(index uint8) {
	s.engine.Unsubscribe(index)
}

func (s *Subscriber) Engine() *ingest.Engine {
	return s.engine
}

func (s *Subscriber) Format() payload.Format {
	return s.format
}

// Encoder returns an encoder sharing this subscriber's codec and format.
func (s *Subscriber) Encoder() Encoder {
	return Encoder{Codec: s.engine.Codec(), Format: s.format}
}

// Dropped counts frames whose payload could not be deserialized.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Subscribe installs fn for index. Each payload is deserialized into a fresh T before fn
// runs, so fn may keep the message. Payloads that do not deserialize are logged and dropped.
func Subscribe[T any](s *Subscriber, index uint8, fn func(Message[T])) {
	s.engine.SubscribeFunc(index, func(f frame.Frame) {
		var data T
		if err := s.format.Unmarshal(f.Payload, &data); err != nil {
			s.dropped.Add(1)
			s.log.Warn().
				Err(err).
				Uint8("index", f.Index).
				Str("format", s.format.Name()).
				Int("payload", len(f.Payload)).
				Msg("payload dropped")
			return
		}
		fn(Message[T]{Index: f.Index, Data: data})
	})
}

// Raw is a frame handed to a catch-all handler before deserialization. Payload is owned.
type Raw struct {
	Index   uint8
	Payload []byte
	format  payload.Format
}

// Decode deserializes the payload into v with the subscriber's format.
func (r Raw) Decode(v any) error {
	if err := r.format.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("%w: index=0x%02x %s: %v", ErrDeserialization, r.Index, r.format.Name(), err)
	}
	return nil
}

// SubscribeAll installs fn to run for every frame regardless of index, after any typed
// handler bound to that index. A nil fn removes it.
func (s *Subscriber) SubscribeAll(fn func(Raw)) {
	if fn == nil {
		s.engine.SubscribeAll(nil)
		return
	}
	s.engine.SubscribeAll(dispatch.HandlerFunc(func(f frame.Frame) {
		fn(Raw{Index: f.Index, Payload: append([]byte(nil), f.Payload...), format: s.format})
	}))
}
