package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarning_CountdownTimesOut(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	var (
		mu      sync.Mutex
		changes []WarningState
		timeout atomic.Int32
	)
	w := NewWarning(clock, 3*time.Second, func(s WarningState) {
		mu.Lock()
		changes = append(changes, s)
		mu.Unlock()
	}, func() { timeout.Add(1) })

	require.True(t, w.Show())
	assert.False(t, w.Show(), "a visible warning is not shown twice")
	assert.Equal(t, WarningState{Visible: true, RemainingSeconds: 3}, w.State())

	for _, want := range []int{2, 1} {
		clock.Advance(time.Second)
		require.Eventually(t, func() bool { return w.State().RemainingSeconds == want }, time.Second, 5*time.Millisecond)
	}
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return timeout.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, WarningState{}, w.State())

	mu.Lock()
	assert.Equal(t, []WarningState{
		{Visible: true, RemainingSeconds: 2},
		{Visible: true, RemainingSeconds: 1},
		{},
	}, changes)
	mu.Unlock()
}

func TestWarning_HideStopsCountdown(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	var timeout atomic.Int32
	w := NewWarning(clock, 2*time.Second, nil, func() { timeout.Add(1) })

	assert.False(t, w.Hide())
	require.True(t, w.Show())
	assert.True(t, w.Hide())

	clock.Advance(5 * time.Second)
	assert.Never(t, func() bool { return timeout.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, WarningState{}, w.State())

	require.True(t, w.Show(), "a hidden warning can be shown again")
	assert.Equal(t, 2, w.State().RemainingSeconds)
}
