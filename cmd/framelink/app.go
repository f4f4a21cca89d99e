package main

import (
	"context"
	"errors"

	"github.com/danmuck/framelink/internal/config"
	"github.com/danmuck/framelink/internal/demo"
	"github.com/danmuck/framelink/internal/logging"
	"github.com/danmuck/framelink/internal/observability"
	"github.com/danmuck/framelink/internal/protocol/ingest"
	"github.com/danmuck/framelink/internal/protocol/message"
	"github.com/danmuck/framelink/internal/transport"
	"github.com/rs/zerolog"
)

func run(ctx context.Context, opts options) error {
	logging.ConfigureRuntime()
	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	logger := logging.Component("framelink").With().Str("instance", cfg.Instance).Logger()

	format, err := cfg.Format()
	if err != nil {
		return err
	}
	engine := ingest.New(cfg.Framing.Capacity,
		ingest.WithCodec(cfg.Codec()),
		ingest.WithLogger(logging.Component("ingest")),
		ingest.WithObserver(observability.NewIngestMetrics(cfg.Instance)),
	)
	sub := message.NewSubscriber(engine, format, message.WithLogger(logging.Component("message")))
	demo.Subscribe(sub, demo.RecvIndices, logging.Component("demo"), nil)
	traffic := logging.Component("traffic")
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		sub.SubscribeAll(func(r message.Raw) {
			traffic.Debug().Uint8("index", r.Index).Hex("payload", r.Payload).Msg("frame")
		})
	}

	pump := transport.NewPump(cfg.Link, engine,
		transport.WithLogger(logging.Component("transport")),
		transport.WithLinkObserver(observability.NewLinkMetrics(cfg.Instance)),
	)

	logger.Info().
		Str("link", string(cfg.Link.Kind)).
		Str("target", cfg.Link.Target()).
		Str("stuffing", cfg.Framing.Stuffing.String()).
		Str("checksum", cfg.Framing.Checksum.String()).
		Str("format", format.Name()).
		Int("capacity", cfg.Framing.Capacity).
		Msg("starting")

	workers := []func(context.Context) error{pump.Run}
	if cfg.Status.Addr != "" {
		status := observability.NewStatusServer(cfg.Instance, cfg.Status.Addr, engine, pump, logging.Component("status"))
		workers = append(workers, status.Run)
	}
	var pub *message.Publisher
	if cfg.Publish.Enabled {
		pub = newPublisher(cfg, sub.Encoder(), pump)
		workers = append(workers, pub.Run)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, len(workers))
	for _, w := range workers {
		go func() { errs <- w(ctx) }()
	}

	var first error
	for range workers {
		err := <-errs
		cancel()
		if first == nil && err != nil && !errors.Is(err, context.Canceled) {
			first = err
		}
	}
	done := logger.Info().
		Interface("ingest", engine.Stats()).
		Uint64("payload_dropped", sub.Dropped())
	if pub != nil {
		done = done.Uint64("published", pub.Sent()).Uint64("publish_failed", pub.Failed())
	}
	done.Msg("stopped")
	return first
}

// newPublisher publishes demo data on the send indices every interval while out is connected.
func newPublisher(cfg config.Config, enc message.Encoder, out message.Sender) *message.Publisher {
	pub := message.NewPublisher(enc, out, message.WithPublisherLogger(logging.Component("publish")))
	demo.Publish(pub, demo.SendIndices, demo.NewGenerator(nil), cfg.Publish.Interval)
	return pub
}
