package telemetry

import (
	"context"
	"time"

	"naive-pay/client/internal/log"
	"naive-pay/client/internal/telemetry/domain"
)

// emitTimeout bounds one async emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long the shell waits after closing the session before shutting
// down OTel providers and the Kafka writer, so in-flight async emits can complete. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// EmitAsync emits event from a new goroutine and logs failures. The emit keeps ctx's
// values but not its cancellation. A nil emitter or event is a no-op.
func EmitAsync(emitter EventEmitter, ctx context.Context, event *domain.Event) {
	if emitter == nil || event == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
		defer cancel()
		if err := emitter.Emit(emitCtx, event); err != nil {
			log.Warn(emitCtx).Err(err).Str("event_type", event.EventType).Msg("telemetry: async emit failed")
		}
	}()
}
