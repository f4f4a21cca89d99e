package demo

import (
	"github.com/danmuck/framelink/internal/protocol/message"
	"github.com/rs/zerolog"
)

// Indices names one index per message kind.
type Indices struct {
	Simple, Arr, Map, Custom uint8
}

var (
	SendIndices = Indices{SendIndexSimple, SendIndexArr, SendIndexMap, SendIndexCustom}
	RecvIndices = Indices{RecvIndexSimple, RecvIndexArr, RecvIndexMap, RecvIndexCustom}
)

// Subscribe logs every typed message arriving on idx. onMessage, when set, runs after
// each log line with the message kind.
func Subscribe(s *message.Subscriber, idx Indices, logger zerolog.Logger, onMessage func(kind string)) {
	notify := func(kind string) {
		if onMessage != nil {
			onMessage(kind)
		}
	}
	message.Subscribe(s, idx.Simple, func(m message.Message[Simple]) {
		logger.Info().Str("kind", "simple").Uint8("index", m.Index).Interface("msg", m.Data).Msg("received")
		notify("simple")
	})
	message.Subscribe(s, idx.Arr, func(m message.Message[Counters]) {
		logger.Info().Str("kind", "simple_arr").Uint8("index", m.Index).Interface("msg", m.Data).Msg("received")
		notify("simple_arr")
	})
	message.Subscribe(s, idx.Map, func(m message.Message[Counters]) {
		logger.Info().Str("kind", "simple_map").Uint8("index", m.Index).Interface("msg", m.Data).Msg("received")
		notify("simple_map")
	})
	message.Subscribe(s, idx.Custom, func(m message.Message[Custom]) {
		logger.Info().Str("kind", "custom").Uint8("index", m.Index).Interface("msg", m.Data).Msg("received")
		notify("custom")
	})
}
