package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geogate/geogate/internal/events"
)

// fakeLink scripts link behavior for the reconnect state machine.
type fakeLink struct {
	mu          sync.Mutex
	connectErr  error
	deliveries  chan Delivery
	acks        []uint64
	cumulative  []bool
	closed      bool
	publishErrs []error // popped per Publish call
	published   [][]byte
}

func newFakeLink() *fakeLink {
	return &fakeLink{deliveries: make(chan Delivery, 16)}
}

func (f *fakeLink) Connect() error { return f.connectErr }

func (f *fakeLink) Consume() (<-chan Delivery, error) { return f.deliveries, nil }

func (f *fakeLink) Publish(_ context.Context, body []byte, _ PublishOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.publishErrs) > 0 {
		err := f.publishErrs[0]
		f.publishErrs = f.publishErrs[1:]
		if err != nil {
			return err
		}
	}
	f.published = append(f.published, body)
	return nil
}

func (f *fakeLink) Ack(tag uint64, cumulative bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, tag)
	f.cumulative = append(f.cumulative, cumulative)
	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLink) ackedTags() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.acks...)
}

func transientErr() error {
	return &LinkError{Op: "test", Cause: errors.New("boom")}
}

// noWait replaces the backoff timer so tests never sleep.
func noWait(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func TestBackoffSequence(t *testing.T) {
	b := newBackoff()
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	var prev time.Duration
	for i, w := range want {
		got := b.Duration()
		assert.Equal(t, w, got, "step %d", i)
		assert.GreaterOrEqual(t, got, prev, "backoff must be non-decreasing")
		prev = got
	}
	b.Reset()
	assert.Zero(t, b.Attempt())
	assert.Equal(t, time.Second, b.Duration(), "seed restarts after reset")
}

func TestConsumerHandlesAndAcksEachMessage(t *testing.T) {
	lnk := newFakeLink()
	var handled []uint64
	c := NewConsumer(func() link { return lnk }, 1, func(_ context.Context, d Delivery) {
		handled = append(handled, d.Tag)
		// Ack for this delivery must not have happened yet.
		for _, tag := range lnk.ackedTags() {
			if tag >= d.Tag {
				t.Errorf("delivery %d acked before handler returned", d.Tag)
			}
		}
	})
	c.after = noWait

	lnk.deliveries <- Delivery{Tag: 1, Body: []byte(`{}`)}
	lnk.deliveries <- Delivery{Tag: 2, Body: []byte(`{}`)}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(lnk.ackedTags()) == 2
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	require.NoError(t, <-done)

	assert.Equal(t, []uint64{1, 2}, handled)
	assert.Equal(t, []uint64{1, 2}, lnk.ackedTags())
	assert.True(t, lnk.cumulative[0])
}

func TestConsumerAckBatching(t *testing.T) {
	lnk := newFakeLink()
	c := NewConsumer(func() link { return lnk }, 3, func(context.Context, Delivery) {})
	c.after = noWait

	for tag := uint64(1); tag <= 6; tag++ {
		lnk.deliveries <- Delivery{Tag: tag}
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(lnk.ackedTags()) == 2
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	require.NoError(t, <-done)

	// One cumulative ack per batch of three.
	assert.Equal(t, []uint64{3, 6}, lnk.ackedTags())
	assert.Equal(t, []bool{true, true}, lnk.cumulative)
}

func TestConsumerReconnectsWithBackoff(t *testing.T) {
	var mu sync.Mutex
	var delays []time.Duration
	attempts := 0

	good := newFakeLink()
	newLink := func() link {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts <= 3 {
			bad := newFakeLink()
			bad.connectErr = transientErr()
			return bad
		}
		return good
	}

	handled := make(chan struct{}, 1)
	c := NewConsumer(newLink, 1, func(context.Context, Delivery) {
		select {
		case handled <- struct{}{}:
		default:
		}
	})
	c.after = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return noWait(d)
	}

	good.deliveries <- Delivery{Tag: 1}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("consumer never resumed after reconnects")
	}
	c.Stop()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
}

func TestConsumerStopsOnFatalError(t *testing.T) {
	bad := newFakeLink()
	bad.connectErr = &LinkError{Op: "connect", Fatal: true, Cause: errors.New("403 access refused")}

	c := NewConsumer(func() link { return bad }, 1, func(context.Context, Delivery) {})
	c.after = noWait

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestConsumerSurvivesHandlerPanic(t *testing.T) {
	lnk := newFakeLink()
	calls := 0
	c := NewConsumer(func() link { return lnk }, 1, func(_ context.Context, d Delivery) {
		calls++
		if d.Tag == 1 {
			panic("handler exploded")
		}
	})
	c.after = noWait

	lnk.deliveries <- Delivery{Tag: 1}
	lnk.deliveries <- Delivery{Tag: 2}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(lnk.ackedTags()) == 2
	}, time.Second, 5*time.Millisecond)
	c.Stop()
	require.NoError(t, <-done)
	assert.Equal(t, 2, calls)
}

func TestConsumerStateTransitions(t *testing.T) {
	lnk := newFakeLink()
	c := NewConsumer(func() link { return lnk }, 1, func(context.Context, Delivery) {})
	c.after = noWait

	assert.Equal(t, StateDisconnected, c.State())

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.State() == StateConsuming
	}, time.Second, 5*time.Millisecond)

	// Closing the delivery stream simulates a dropped connection.
	close(lnk.deliveries)
	require.Eventually(t, func() bool {
		return c.State() != StateConsuming
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	require.NoError(t, <-done)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConsumerStopInterruptsBackoffWait(t *testing.T) {
	bad := newFakeLink()
	bad.connectErr = transientErr()

	c := NewConsumer(func() link { return bad }, 1, func(context.Context, Delivery) {})
	waiting := make(chan struct{}, 1)
	c.after = func(time.Duration) <-chan time.Time {
		select {
		case waiting <- struct{}{}:
		default:
		}
		// Never fires, like a 30s timer in a test's lifetime.
		return make(chan time.Time)
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	<-waiting
	c.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stop did not interrupt the backoff wait")
	}
}

func TestConsumerPublishesStateEvents(t *testing.T) {
	lnk := newFakeLink()
	hub := events.NewHub(16)
	c := NewConsumer(func() link { return lnk }, 1, func(context.Context, Delivery) {})
	c.after = noWait
	c.AttachHub(hub)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.State() == StateConsuming
	}, time.Second, 5*time.Millisecond)
	c.Stop()
	require.NoError(t, <-done)

	var states []string
	for _, ev := range hub.SnapshotSince(0) {
		require.Equal(t, events.TypeBrokerState, ev.Type)
		var payload events.BrokerEvent
		require.NoError(t, json.Unmarshal(ev.Data, &payload))
		states = append(states, payload.State)
	}
	assert.Equal(t, []string{"connecting", "declaring", "consuming", "closing", "disconnected"}, states)
}

func TestProducerRetriesTransientPublish(t *testing.T) {
	lnk := newFakeLink()
	lnk.publishErrs = []error{transientErr(), transientErr()}
	p := newProducer(lnk, "notify.report.dt1")
	p.sleep = func(time.Duration) {}

	require.NoError(t, p.Connect())
	require.NoError(t, p.Publish(context.Background(), []byte(`{"ok":true}`), PublishOptions{}))
	assert.Len(t, lnk.published, 1)
	assert.Zero(t, p.bo.Attempt(), "backoff resets after success")
}

func TestProducerGivesUpOnFatal(t *testing.T) {
	lnk := newFakeLink()
	lnk.publishErrs = []error{&LinkError{Op: "publish", Fatal: true, Cause: errors.New("nack")}}
	p := newProducer(lnk, "notify.report.dt1")
	p.sleep = func(time.Duration) {}

	require.NoError(t, p.Connect())
	err := p.Publish(context.Background(), []byte(`{}`), PublishOptions{})
	require.Error(t, err)
	assert.Empty(t, lnk.published)
}
