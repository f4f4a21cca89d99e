// Package demo holds the message shapes and index pairs the reference peers exchange.
package demo

import (
	"fmt"
	"time"

	"github.com/danmuck/framelink/internal/protocol/message"
)

// Peers send on the odd index of each pair and reply on the even one.
const (
	SendIndexSimple uint8 = 0x01
	RecvIndexSimple uint8 = 0x02
	SendIndexArr    uint8 = 0x11
	RecvIndexArr    uint8 = 0x12
	SendIndexMap    uint8 = 0x21
	RecvIndexMap    uint8 = 0x22
	SendIndexCustom uint8 = 0x31
	RecvIndexCustom uint8 = 0x32
)

// Simple travels positionally: [micros, millis, "seconds[sec]"].
type Simple struct {
	Micros  int64   `msgpack:"micros" cbor:"micros"`
	Millis  float64 `msgpack:"millis" cbor:"millis"`
	Seconds string  `msgpack:"seconds" cbor:"seconds"`
}

// Reading is a Simple that is always an array, even inside a named message.
type Reading struct {
	_msgpack struct{} `msgpack:",as_array"`
	_        struct{} `cbor:",toarray"`
	Micros   int64
	Millis   float64
	Seconds  string
}

// Counters is sent positionally on the arr index and by name on the map index.
type Counters struct {
	Micros  int64 `msgpack:"micros" cbor:"micros"`
	Millis  int64 `msgpack:"millis" cbor:"millis"`
	Seconds int64 `msgpack:"seconds" cbor:"seconds"`
}

type Custom struct {
	KA Reading          `msgpack:"ka" cbor:"ka"`
	KM map[string]int64 `msgpack:"km" cbor:"km"`
}

// Snapshot is one round of demo data derived from a single elapsed time.
type Snapshot struct {
	Simple Simple
	Arr    Counters
	Map    Counters
	Custom Custom
}

func SnapshotAt(elapsed time.Duration) Snapshot {
	micros := elapsed.Microseconds()
	millis := float64(micros) / 1000
	seconds := fmt.Sprintf("%.6f[sec]", float64(micros)/1e6)
	counters := Counters{Micros: micros, Millis: micros / 1000, Seconds: micros / 1_000_000}

	return Snapshot{
		Simple: Simple{Micros: micros, Millis: millis, Seconds: seconds},
		Arr:    counters,
		Map:    counters,
		Custom: Custom{
			KA: Reading{Micros: micros, Millis: millis, Seconds: seconds},
			KM: map[string]int64{
				"micros":  counters.Micros,
				"millis":  counters.Millis,
				"seconds": counters.Seconds,
			},
		},
	}
}

// Publish registers one publication per message kind on idx, each taking a fresh snapshot
// from gen. Simple and arr go out positionally, map and custom keyed by name.
func Publish(p *message.Publisher, idx Indices, gen *Generator, interval time.Duration) {
	p.Publish(idx.Simple, interval, func() any { return gen.Next().Simple })
	p.Publish(idx.Arr, interval, func() any { return gen.Next().Arr })
	p.PublishNamed(idx.Map, interval, func() any { return gen.Next().Map })
	p.PublishNamed(idx.Custom, interval, func() any { return gen.Next().Custom })
}

// Generator produces snapshots relative to its creation time.
type Generator struct {
	start time.Time
	now   func() time.Time
}

func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{start: now(), now: now}
}

func (g *Generator) Next() Snapshot {
	return SnapshotAt(g.now().Sub(g.start))
}
