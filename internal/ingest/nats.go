package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"snooze/internal/clock"
	"snooze/internal/config"
	"snooze/internal/permanent"

	"github.com/nats-io/nats.go"
)

// NATSSubscriber consumes alerts via JetStream queue consumer and runs them through the processor.
// Params: NATS connection, JetStream queue subscription, and processor.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSSubscriber creates JetStream queue consumer for alert ingestion.
// Params: ingest NATS config, processor, clock and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, processor Processor, clk clock.Clock, logger *slog.Logger) (*NATSSubscriber, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureIngestStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, err
	}

	subscriber := &NATSSubscriber{nc: nc, logger: logger}
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.QueueGroup),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec) * time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.QueueGroup, func(message *nats.Msg) {
		subscriber.handle(message, processor, clk.Now(), nackDelay)
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.QueueGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// handle decodes and processes one message; decode errors terminate, processing errors redeliver.
func (s *NATSSubscriber) handle(message *nats.Msg, processor Processor, now time.Time, nackDelay time.Duration) {
	records, err := decodePayload(message.Data, now)
	if err != nil {
		s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
		s.termMessage(message)
		return
	}
	if _, err := processAll(context.Background(), processor, records); err != nil {
		if permanent.Is(err) {
			s.logger.Warn("nats ingest dropped records", "subject", message.Subject, "error", err.Error())
			s.termMessage(message)
			return
		}
		s.logger.Error("nats ingest process failed", "subject", message.Subject, "error", err.Error())
		s.nackMessage(message, nackDelay)
		return
	}
	s.ackMessage(message)
}

// ackMessage acknowledges processed message and logs ack failures.
func (s *NATSSubscriber) ackMessage(message *nats.Msg) {
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "error", err.Error())
	}
}

// termMessage stops redelivery of a message that can never be processed.
func (s *NATSSubscriber) termMessage(message *nats.Msg) {
	if err := message.Term(); err != nil {
		s.logger.Warn("nats ingest term failed", "subject", message.Subject, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close stops NATS subscription and closes connection.
// Params: none.
// Returns: close error from subscription drain.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}

// ensureIngestStream creates the alert stream unless it already exists.
func ensureIngestStream(js nats.JetStreamContext, stream, subject string) error {
	if _, err := js.StreamInfo(stream); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", stream, err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	}); err != nil {
		return fmt.Errorf("create stream %q: %w", stream, err)
	}
	return nil
}
