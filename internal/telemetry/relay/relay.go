// Package relay forwards session events from the Kafka topic to another emitter,
// typically Loki, so a collector host can ship events for many clients.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"naive-pay/client/internal/log"
	"naive-pay/client/internal/telemetry"
	"naive-pay/client/internal/telemetry/domain"
)

const pushTimeout = 10 * time.Second

// messageReader is the subset of *kafka.Reader used by the relay.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Relay copies events from a Kafka consumer group to sink.
type Relay struct {
	reader messageReader
	sink   telemetry.EventEmitter
}

// New returns a relay consuming topic as groupID.
func New(brokers []string, topic, groupID string, sink telemetry.EventEmitter) (*Relay, error) {
	if len(brokers) == 0 {
		return nil, errors.New("relay: KAFKA_BROKERS is required")
	}
	if sink == nil {
		return nil, errors.New("relay: a sink is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
	return &Relay{reader: reader, sink: sink}, nil
}

// Run relays until ctx is done. Malformed messages and sink failures are logged and
// skipped.
func (r *Relay) Run(ctx context.Context) error {
	defer r.reader.Close()
	for {
		msg, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn(ctx).Err(err).Msg("relay: kafka read failed")
			continue
		}

		var event domain.Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			log.Warn(ctx).Err(err).Int64("offset", msg.Offset).Msg("relay: skipping malformed event")
			continue
		}
		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		if err := r.sink.Emit(pushCtx, &event); err != nil {
			log.Warn(ctx).Err(err).Str("event_type", event.EventType).Msg("relay: push failed")
		}
		cancel()
	}
}
