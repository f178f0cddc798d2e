package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pnlbloom/pnl-engine/internal/metrics"
)

// SubscriberConfig names the JetStream stream, subject filter and durable
// consumer that raw exchange events arrive on.
type SubscriberConfig struct {
	Stream   string
	Subject  string
	Consumer string
}

// Subscriber consumes raw event payloads from NATS JetStream and hands them
// to an Ingestor. Messages are acked once stored, nak'd on storage failure
// for redelivery, and terminated when the payload can never parse.
type Subscriber struct {
	js       jetstream.JetStream
	ingestor *Ingestor
	cfg      SubscriberConfig
	cc       jetstream.ConsumeContext
	log      *slog.Logger
}

// NewSubscriber creates a subscriber. Call Start to begin consuming.
func NewSubscriber(js jetstream.JetStream, ingestor *Ingestor, cfg SubscriberConfig, log *slog.Logger) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{js: js, ingestor: ingestor, cfg: cfg, log: log}
}

// EnsureStream creates the event stream if it does not exist.
func (s *Subscriber) EnsureStream(ctx context.Context) error {
	_, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      s.cfg.Stream,
		Subjects:  []string{s.cfg.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", s.cfg.Stream, err)
	}
	s.log.Info("ensured stream", "stream", s.cfg.Stream, "subject", s.cfg.Subject)
	return nil
}

// Start creates the durable consumer and begins consuming. Consumers use
// explicit ACK, max_deliver=5, ack_wait=30s.
func (s *Subscriber) Start(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       s.cfg.Consumer,
		FilterSubject: s.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", s.cfg.Consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.cfg.Consumer, err)
	}
	s.cc = cc
	s.log.Info("subscribed", "subject", s.cfg.Subject, "consumer", s.cfg.Consumer)
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg jetstream.Msg) {
	parsed, errs := ParseBatch(msg.Data())
	for _, err := range errs {
		metrics.EventsIngested.WithLabelValues("rejected").Inc()
		s.log.Warn("event rejected", "subject", msg.Subject(), "err", err)
	}
	if len(parsed) == 0 {
		// Nothing in the payload can ever parse; redelivery would not help.
		if err := msg.Term(); err != nil {
			s.log.Error("term failed", "err", err)
		}
		return
	}

	rep, err := s.ingestor.Ingest(ctx, parsed)
	if err != nil {
		s.log.Error("ingest failed, will redeliver", "subject", msg.Subject(), "err", err)
		if nerr := msg.Nak(); nerr != nil {
			s.log.Error("nak failed", "err", nerr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		s.log.Error("ack failed", "err", err)
	}
	s.log.Debug("events ingested",
		"subject", msg.Subject(), "inserted", rep.Inserted, "duplicates", rep.Duplicates)
}

// Stop stops consuming.
func (s *Subscriber) Stop() {
	if s.cc != nil {
		s.cc.Stop()
	}
	s.log.Info("NATS subscriber stopped")
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, log *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// ErrNoPayload is returned by Publish for an empty payload.
var ErrNoPayload = errors.New("ingest: empty payload")

// Publish sends a raw event payload to subject. Used by producers and the CLI.
func Publish(ctx context.Context, js jetstream.JetStream, subject string, payload []byte) error {
	if len(payload) == 0 {
		return ErrNoPayload
	}
	if _, err := js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
