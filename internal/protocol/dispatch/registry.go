package dispatch

import (
	"sort"
	"sync"

	"github.com/danmuck/framelink/internal/protocol/frame"
)

// Handler consumes one decoded frame. The payload is only valid for the duration of the call.
type Handler interface {
	HandleFrame(f frame.Frame)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(f frame.Frame)

func (fn HandlerFunc) HandleFrame(f frame.Frame) {
	fn(f)
}

// Registry maps a message index to its handler, plus one optional handler that sees every
// frame. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[uint8]Handler
	all      Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint8]Handler)}
}

// Subscribe installs h for index, replacing any previous handler. A nil h unsubscribes.
func (r *Registry) Subscribe(index uint8, h Handler) {
	if h == nil {
		r.Unsubscribe(index)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[index] = h
}

func (r *Registry) Unsubscribe(index uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, index)
}

// SubscribeAll installs h to run for every frame, after the handler for its index.
// A nil h removes it.
func (r *Registry) SubscribeAll(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = h
}

// Dispatch runs the handlers for f outside the lock and reports whether any ran.
func (r *Registry) Dispatch(f frame.Frame) bool {
	r.mu.RLock()
	h, ok := r.handlers[f.Index]
	all := r.all
	r.mu.RUnlock()

	if ok {
		h.HandleFrame(f)
	}
	if all != nil {
		all.HandleFrame(f)
	}
	return ok || all != nil
}

// Handles reports whether Dispatch would run any handler for index.
func (r *Registry) Handles(index uint8) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[index]
	return ok || r.all != nil
}

// HasCatchAll reports whether SubscribeAll installed a handler.
func (r *Registry) HasCatchAll() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.all != nil
}

// Indices returns the subscribed indices in ascending order.
func (r *Registry) Indices() []uint8 {
	r.mu.RLock()
	out := make([]uint8, 0, len(r.handlers))
	for index := range r.handlers {
		out = append(out, index)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i] < out[j]
	})
	return out
}
