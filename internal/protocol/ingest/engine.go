package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/framelink/internal/protocol/dispatch"
	"github.com/danmuck/framelink/internal/protocol/frame"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultCapacity = 1024

var ErrOverflow = errors.New("ingest: buffer overflow")

// Observer receives ingest events, typically to feed metrics.
type Observer interface {
	FrameDispatched(index uint8, handled bool)
	FrameDropped(reason string)
	Overflow(rejected int)
	Buffered(n int)
}

type nopObserver struct{}

func (nopObserver) FrameDispatched(uint8, bool) {}
func (nopObserver) FrameDropped(string)         {}
func (nopObserver) Overflow(int)                {}
func (nopObserver) Buffered(int)                {}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	BytesFed         uint64   `json:"bytes_fed"`
	FramesDispatched uint64   `json:"frames_dispatched"`
	FramesUnhandled  uint64   `json:"frames_unhandled"`
	FramingErrors    uint64   `json:"framing_errors"`
	IntegrityErrors  uint64   `json:"integrity_errors"`
	StrayDelimiters  uint64   `json:"stray_delimiters"`
	Overflows        uint64   `json:"overflows"`
	Buffered         int      `json:"buffered"`
	Capacity         int      `json:"capacity"`
	Subscribed       []string `json:"subscribed"`
	CatchAll         bool     `json:"catch_all"`
}

type counters struct {
	bytesFed   atomic.Uint64
	dispatched atomic.Uint64
	unhandled  atomic.Uint64
	framing    atomic.Uint64
	integrity  atomic.Uint64
	stray      atomic.Uint64
	overflows  atomic.Uint64
	buffered   atomic.Int64
}

type Option func(*Engine)

func WithCodec(c frame.Codec) Option {
	return func(e *Engine) { e.codec = c }
}

// WithRegistry shares an existing registry instead of creating one.
func WithRegistry(r *dispatch.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// Engine reassembles frames from arbitrary chunks into a fixed buffer and dispatches them.
//
// Feed is not safe for concurrent use; one producer must drive it. Subscribe, Unsubscribe
// and Stats may be called from other goroutines.
type Engine struct {
	buf      []byte
	n        int
	codec    frame.Codec
	registry *dispatch.Registry
	log      zerolog.Logger
	observer Observer
	stats    counters
}

// New allocates an engine whose buffer holds capacity bytes for its whole lifetime.
func New(capacity int, opts ...Option) *Engine {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	e := &Engine{
		buf:      make([]byte, capacity),
		codec:    frame.NewCodec(frame.DefaultOptions()),
		registry: dispatch.NewRegistry(),
		log:      log.Logger.With().Str("component", "ingest").Logger(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Subscribe(index uint8, h dispatch.Handler) {
	e.registry.Subscribe(index, h)
}

func (e *Engine) SubscribeFunc(index uint8, fn func(frame.Frame)) {
	e.registry.Subscribe(index, dispatch.HandlerFunc(fn))
}

// SubscribeAll installs h to receive every frame, after any handler bound to its index.
func (e *Engine) SubscribeAll(h dispatch.Handler) {
	e.registry.SubscribeAll(h)
}

func (e *Engine) Unsubscribe(index uint8) {
	e.registry.Unsubscribe(index)
}

func (e *Engine) Registry() *dispatch.Registry {
	return e.registry
}

func (e *Engine) Codec() frame.Codec {
	return e.codec
}

func (e *Engine) Capacity() int {
	return len(e.buf)
}

func (e *Engine) Buffered() int {
	return e.n
}

func (e *Engine) Available() int {
	return len(e.buf) - e.n
}

// Reset discards every buffered byte.
func (e *Engine) Reset() {
	if e.n > 0 {
		e.log.Warn().Int("discarded", e.n).Msg("ingest buffer reset")
	}
	e.n = 0
	e.stats.buffered.Store(0)
	e.observer.Buffered(0)
}

func (e *Engine) Stats() Stats {
	return Stats{
		BytesFed:         e.stats.bytesFed.Load(),
		FramesDispatched: e.stats.dispatched.Load(),
		FramesUnhandled:  e.stats.unhandled.Load(),
		FramingErrors:    e.stats.framing.Load(),
		IntegrityErrors:  e.stats.integrity.Load(),
		StrayDelimiters:  e.stats.stray.Load(),
		Overflows:        e.stats.overflows.Load(),
		Buffered:         int(e.stats.buffered.Load()),
		Capacity:         len(e.buf),
		Subscribed:       indexLabels(e.registry.Indices()),
		CatchAll:         e.registry.HasCatchAll(),
	}
}

// Feed appends input, dispatches every complete frame and returns the number of bytes still
// buffered. Input that does not fit is dropped whole and the buffer is left untouched.
//
// Handlers run synchronously and receive payloads aliasing the buffer; the view is
// invalid once the handler returns. A panicking handler propagates out of Feed, but the
// frame it was given is already consumed.
func (e *Engine) Feed(input []byte) int {
	n, _ := e.feed(input)
	return n
}

// Write implements io.Writer. It returns ErrOverflow when p does not fit.
func (e *Engine) Write(p []byte) (int, error) {
	if _, err := e.feed(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (e *Engine) feed(input []byte) (remaining int, err error) {
	if len(input) == 0 {
		return e.n, nil
	}
	if e.n+len(input) > len(e.buf) {
		e.stats.overflows.Add(1)
		e.observer.Overflow(len(input))
		e.log.Error().
			Int("buffered", e.n).
			Int("input", len(input)).
			Int("capacity", len(e.buf)).
			Msg("input exceeds buffer capacity, dropped")
		return e.n, fmt.Errorf("%w: %d+%d > %d", ErrOverflow, e.n, len(input), len(e.buf))
	}

	copy(e.buf[e.n:], input)
	e.n += len(input)
	e.stats.bytesFed.Add(uint64(len(input)))
	if e.log.GetLevel() <= zerolog.DebugLevel {
		e.log.Debug().Hex("input", input).Int("buffered", e.n).Msg("feed")
	}

	pos := 0
	defer func() {
		e.compact(pos)
		remaining = e.n
	}()

	for pos < e.n {
		rest := e.buf[pos:e.n]
		z := bytes.IndexByte(rest, frame.Delimiter)
		if z < 0 {
			break
		}
		if z == 0 {
			e.stats.stray.Add(1)
			e.observer.FrameDropped("stray_delimiter")
			e.log.Warn().Int("offset", pos).Msg("stray delimiter skipped")
			pos++
			continue
		}

		f, used, derr := e.codec.DecodeInPlace(rest)
		if derr != nil {
			if errors.Is(derr, frame.ErrIncomplete) {
				if used <= len(e.buf) {
					e.log.Debug().Int("pending", len(rest)).Int("declared", used).Msg("incomplete frame")
					break
				}
				derr = fmt.Errorf("%w: declared length %d exceeds capacity %d", frame.ErrFraming, used, len(e.buf))
				used = z + 1
			}
			if used <= 0 {
				used = z + 1
			}
			e.drop(derr, rest[:used])
			pos += used
			continue
		}

		pos += used
		e.dispatch(f)
	}
	return e.n, nil
}

func (e *Engine) dispatch(f frame.Frame) {
	if !e.registry.Handles(f.Index) {
		e.stats.unhandled.Add(1)
		e.observer.FrameDispatched(f.Index, false)
		e.log.Debug().Uint8("index", f.Index).Int("payload", len(f.Payload)).Msg("no handler for index")
		return
	}
	e.stats.dispatched.Add(1)
	e.observer.FrameDispatched(f.Index, true)
	e.registry.Dispatch(f)
}

func (e *Engine) drop(err error, raw []byte) {
	reason := "framing_error"
	if errors.Is(err, frame.ErrIntegrity) {
		reason = "integrity_error"
		e.stats.integrity.Add(1)
	} else {
		e.stats.framing.Add(1)
	}
	e.observer.FrameDropped(reason)
	ev := e.log.Warn().Err(err).Int("bytes", len(raw))
	if e.log.GetLevel() <= zerolog.DebugLevel {
		ev = ev.Hex("raw", raw)
	}
	ev.Msg("frame dropped")
}

func (e *Engine) compact(pos int) {
	if pos > 0 {
		e.n = copy(e.buf, e.buf[pos:e.n])
	}
	e.stats.buffered.Store(int64(e.n))
	e.observer.Buffered(e.n)
}

func indexLabels(indices []uint8) []string {
	out := make([]string, len(indices))
	for i, index := range indices {
		out[i] = fmt.Sprintf("0x%02x", index)
	}
	return out
}
