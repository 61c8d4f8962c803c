package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(clock.Now), clock
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3)
	assert.True(t, b.Allow("getrawtransaction"))
	assert.Equal(t, StateClosed, b.State("getrawtransaction"))
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("rpc")
	b.RecordFailure("rpc")
	assert.True(t, b.Allow("rpc"))

	b.RecordFailure("rpc")
	assert.False(t, b.Allow("rpc"))
	assert.Equal(t, StateOpen, b.State("rpc"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure("rpc")
	b.RecordFailure("rpc")
	require.False(t, b.Allow("rpc"))

	clock.Advance(time.Minute)
	require.True(t, b.Allow("rpc"), "cooldown elapsed, probe allowed")
	assert.Equal(t, StateHalfOpen, b.State("rpc"))
	assert.False(t, b.Allow("rpc"), "only one probe in flight")

	b.RecordSuccess("rpc")
	assert.Equal(t, StateClosed, b.State("rpc"))
	assert.True(t, b.Allow("rpc"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure("rpc")
	b.RecordFailure("rpc")

	clock.Advance(time.Minute)
	require.True(t, b.Allow("rpc"))
	b.RecordFailure("rpc")

	assert.Equal(t, StateOpen, b.State("rpc"))
	assert.False(t, b.Allow("rpc"))
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(3)
	b.RecordFailure("rpc")
	b.RecordFailure("rpc")
	b.RecordSuccess("rpc")
	b.RecordFailure("rpc")
	b.RecordFailure("rpc")
	assert.Equal(t, StateClosed, b.State("rpc"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("a")
	assert.False(t, b.Allow("a"))
	assert.True(t, b.Allow("b"))
}

func TestBreaker_Do(t *testing.T) {
	boom := errors.New("connection refused")
	notFound := errors.New("not found")
	ignore := func(err error) bool { return errors.Is(err, notFound) }

	b, _ := newTestBreaker(2)

	err := b.Do("rpc", func() error { return notFound }, ignore)
	assert.ErrorIs(t, err, notFound)
	err = b.Do("rpc", func() error { return notFound }, ignore)
	assert.ErrorIs(t, err, notFound)
	assert.Equal(t, StateClosed, b.State("rpc"), "ignored errors do not trip")

	_ = b.Do("rpc", func() error { return boom }, ignore)
	_ = b.Do("rpc", func() error { return boom }, ignore)

	called := false
	err = b.Do("rpc", func() error { called = true; return nil }, ignore)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(100, time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				b.RecordFailure("rpc")
			} else {
				b.RecordSuccess("rpc")
			}
			b.Allow("rpc")
			_ = b.State("rpc")
		}(i)
	}
	wg.Wait()
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
