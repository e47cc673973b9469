// Package producer defines the interface for publishing session events to a broker (Kafka).
package producer

import (
	"context"

	"naive-pay/client/internal/telemetry/domain"
)

// Producer publishes session events. It satisfies telemetry.EventEmitter; callers use it
// best-effort and log errors.
type Producer interface {
	// Emit publishes a single event. Implementations may block briefly; use telemetry.EmitAsync
	// from latency-sensitive paths.
	Emit(ctx context.Context, event *domain.Event) error
	// Close flushes and releases the writer. Safe to call if already closed.
	Close() error
}
