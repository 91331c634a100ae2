package breaker

import (
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	b := New(Settings{
		Name:             "test",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		BaseTimeout:      time.Second,
		Logger:           log.New(io.Discard, "", 0),
	})
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(b *Breaker) error    { return b.Execute(func() error { return errBoom }) }
func succeed(b *Breaker) error { return b.Execute(func() error { return nil }) }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	require.Equal(t, StateClosed, b.State())
	fail(b)
	fail(b)
	assert.Equal(t, StateClosed, b.State())
	fail(b)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	b, now := newTestBreaker(t)
	fail(b)
	fail(b)
	fail(b)
	require.Equal(t, StateOpen, b.State())

	invoked := false
	err := b.Execute(func() error { invoked = true; return nil })

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.False(t, invoked, "open breaker must not invoke its argument")
	assert.Equal(t, now.Add(time.Second), openErr.NextRetry)
	assert.Equal(t, now.Add(time.Second), b.NextRetry())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)
	fail(b)
	fail(b)
	succeed(b)
	fail(b)
	fail(b)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenCloseAfterSuccessThreshold(t *testing.T) {
	b, now := newTestBreaker(t)
	fail(b)
	fail(b)
	fail(b)
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(time.Second)
	require.NoError(t, succeed(b))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, succeed(b))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, time.Second, b.currentTimeout)
}

func TestBreakerReopenAndTimeoutDoubling(t *testing.T) {
	b, now := newTestBreaker(t)

	// Three failures -> OPEN.
	fail(b)
	fail(b)
	fail(b)
	require.Equal(t, StateOpen, b.State())

	// After the timeout a success transitions to HALF_OPEN; a subsequent
	// failure re-opens and leaves the timeout at its base.
	*now = now.Add(time.Second)
	succeed(b)
	require.Equal(t, StateHalfOpen, b.State())
	fail(b)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, time.Second, b.currentTimeout)

	// Second half-open failure: still base timeout.
	*now = now.Add(time.Second)
	fail(b)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, time.Second, b.currentTimeout)

	// Third half-open failure in aggregate doubles the timeout.
	*now = now.Add(time.Second)
	fail(b)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 2*time.Second, b.currentTimeout)
}

func TestBreakerTimeoutCap(t *testing.T) {
	b, now := newTestBreaker(t)
	b.currentTimeout = 4 * time.Minute

	fail(b)
	fail(b)
	fail(b)
	b.halfOpenFailures = halfOpenEscalation - 1

	*now = now.Add(4 * time.Minute)
	fail(b) // half-open probe fails, escalation doubles but caps
	assert.Equal(t, 5*time.Minute, b.currentTimeout)
}

func TestBreakerCloseResetsEscalation(t *testing.T) {
	b, now := newTestBreaker(t)
	fail(b)
	fail(b)
	fail(b)

	*now = now.Add(time.Second)
	fail(b) // half-open failure #1
	*now = now.Add(time.Second)
	succeed(b)
	succeed(b)
	require.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.halfOpenFailures)
	assert.Equal(t, time.Second, b.currentTimeout)
}

func TestRegistryRequiredBreakers(t *testing.T) {
	r := NewRegistry(log.New(io.Discard, "", 0), nil)

	states := r.States()
	require.Contains(t, states, NameBrokerOrders)
	require.Contains(t, states, NameBrokerMarketData)
	require.Contains(t, states, NameBrokerAuth)
	for name, st := range states {
		assert.Equal(t, StateClosed, st, name)
	}

	// Same name yields the same breaker.
	assert.Same(t, r.Get(NameBrokerOrders), r.Get(NameBrokerOrders))
}

func TestRegistryStateChangeCallback(t *testing.T) {
	var transitions []string
	r := NewRegistry(log.New(io.Discard, "", 0), func(name string, from, to State) {
		transitions = append(transitions, name+":"+string(from)+"->"+string(to))
	})

	b := r.GetWithSettings(Settings{Name: "svc", FailureThreshold: 1, BaseTimeout: time.Second})
	fail(b)
	require.Len(t, transitions, 1)
	assert.Equal(t, "svc:CLOSED->OPEN", transitions[0])
}
