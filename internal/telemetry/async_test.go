package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"naive-pay/client/internal/telemetry/domain"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*domain.Event
	emitErr error
	delay   time.Duration
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *domain.Event) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Event(nil), m.events...)
}

func waitForEvents(t *testing.T, m *mockEventEmitter, n int) []*domain.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := m.getEvents(); len(events) >= n {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	events := m.getEvents()
	t.Fatalf("expected %d events, got %d", n, len(events))
	return nil
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	// Should not panic
	EmitAsync(nil, context.Background(), domain.NewEvent(domain.EventLogin, time.Now()))
}

func TestEmitAsync_NilEvent(t *testing.T) {
	emitter := &mockEventEmitter{}

	EmitAsync(emitter, context.Background(), nil)

	time.Sleep(10 * time.Millisecond)
	if events := emitter.getEvents(); len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}

func TestEmitAsync_SuccessfulEmit(t *testing.T) {
	emitter := &mockEventEmitter{}
	event := domain.NewEvent(domain.EventLogout, time.Now())
	event.Reason = "logout_ok"
	event.Role = "USER"

	EmitAsync(emitter, context.Background(), event)

	events := waitForEvents(t, emitter, 1)
	if events[0].EventType != domain.EventLogout {
		t.Errorf("event type = %q, want %q", events[0].EventType, domain.EventLogout)
	}
	if events[0].Reason != "logout_ok" {
		t.Errorf("reason = %q, want %q", events[0].Reason, "logout_ok")
	}
	if events[0].Source != domain.SourceCLI {
		t.Errorf("source = %q, want %q", events[0].Source, domain.SourceCLI)
	}
}

func TestEmitAsync_DetachedFromCallerContext(t *testing.T) {
	emitter := &mockEventEmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	EmitAsync(emitter, ctx, domain.NewEvent(domain.EventExpired, time.Now()))

	waitForEvents(t, emitter, 1)
}

func TestEmitAsync_ErrorIsLoggedNotReturned(t *testing.T) {
	emitter := &mockEventEmitter{emitErr: errors.New("broker down")}

	EmitAsync(emitter, context.Background(), domain.NewEvent(domain.EventLogin, time.Now()))

	waitForEvents(t, emitter, 1)
}

func TestEmitAsync_ConcurrentAccess(t *testing.T) {
	emitter := &mockEventEmitter{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(emitter, context.Background(), domain.NewEvent(domain.EventLogin, time.Now()))
		}()
	}
	wg.Wait()

	waitForEvents(t, emitter, 10)
}

func TestFanOut(t *testing.T) {
	a := &mockEventEmitter{}
	b := &mockEventEmitter{emitErr: errors.New("b failed")}
	fan := FanOut(a, nil, b)

	err := fan.Emit(context.Background(), domain.NewEvent(domain.EventLogin, time.Now()))
	if err == nil || err.Error() != "b failed" {
		t.Errorf("err = %v, want b failed", err)
	}
	if len(a.getEvents()) != 1 || len(b.getEvents()) != 1 {
		t.Errorf("every emitter should receive the event: a=%d b=%d", len(a.getEvents()), len(b.getEvents()))
	}

	if err := fan.Emit(context.Background(), nil); err != nil {
		t.Errorf("Emit(nil) = %v, want nil", err)
	}
	if err := FanOut().Emit(context.Background(), domain.NewEvent(domain.EventLogin, time.Now())); err != nil {
		t.Errorf("empty fan-out Emit = %v, want nil", err)
	}
}
