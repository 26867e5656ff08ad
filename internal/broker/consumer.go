package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/geogate/geogate/internal/config"
	"github.com/geogate/geogate/internal/events"
	"github.com/geogate/geogate/internal/log"
)

// ConsumerState names the consumer's position in its lifecycle.
type ConsumerState int32

// Consumer states, in normal progression order.
const (
	StateDisconnected ConsumerState = iota
	StateConnecting
	StateDeclaring
	StateConsuming
	StateClosing
)

func (s ConsumerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDeclaring:
		return "declaring"
	case StateConsuming:
		return "consuming"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Handler processes one delivery. Malformed payloads are passed through
// unchanged; the handler decides whether to log and skip. A panic inside the
// handler is caught and does not stop consumption.
type Handler func(ctx context.Context, d Delivery)

// Consumer wraps a consume-mode link in an explicit reconnect state machine.
// On any transient link fault it transitions back to Disconnected, applies
// exponential backoff, and retries. Deliveries are acknowledged cumulatively
// every ackEvery messages, after the handler has returned.
type Consumer struct {
	newLink  func() link
	handler  Handler
	ackEvery int
	logger   *slog.Logger

	state  atomic.Int32
	hub    *events.Hub
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// after is swapped out by tests to avoid real delays.
	after func(time.Duration) <-chan time.Time
}

// NewQueueConsumer builds a reconnecting consumer over the configured input
// queue.
func NewQueueConsumer(cfg config.BrokerConfig, handler Handler) *Consumer {
	return NewConsumer(func() link { return NewLink(cfg) }, cfg.AckEvery, handler)
}

// NewConsumer builds a reconnecting consumer over fresh links from newLink.
func NewConsumer(newLink func() link, ackEvery int, handler Handler) *Consumer {
	if ackEvery <= 0 {
		ackEvery = 1
	}
	return &Consumer{
		newLink:  newLink,
		handler:  handler,
		ackEvery: ackEvery,
		logger:   log.WithComponent("broker-consumer"),
		stopCh:   make(chan struct{}),
		after:    time.After,
	}
}

// AttachHub mirrors state transitions onto the observability feed. Call
// before Run.
func (c *Consumer) AttachHub(h *events.Hub) {
	c.hub = h
}

// State returns the current lifecycle state.
func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

func (c *Consumer) setState(s ConsumerState) {
	prev := ConsumerState(c.state.Swap(int32(s)))
	if c.hub != nil && prev != s {
		c.hub.Publish(events.TypeBrokerState, events.BrokerEvent{State: s.String()})
	}
}

// Run consumes until Stop is called or a fatal link error occurs. Each
// message is handled synchronously; the next delivery is not taken until the
// handler returns. Run must not be called twice.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)

	bo := newBackoff()
	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.consumeOnce(ctx, bo)
		if err == nil {
			// Clean shutdown from inside the session.
			return nil
		}
		if !IsTransient(err) {
			c.logger.Error("Fatal broker error, not reconnecting", "error", err)
			return err
		}

		delay := bo.Duration()
		metricReconnects.Inc()
		c.logger.Warn("Broker link lost, reconnecting", "delay", delay.String(), "error", err)
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-c.after(delay):
		}
	}
}

// consumeOnce runs a single link session: connect, declare, consume, and
// drain deliveries until the stream closes or stop is requested. A nil
// return means graceful stop.
func (c *Consumer) consumeOnce(ctx context.Context, bo *backoff.Backoff) error {
	lnk := c.newLink()

	c.setState(StateConnecting)
	if err := lnk.Connect(); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateDeclaring)
	deliveries, err := lnk.Consume()
	if err != nil {
		_ = lnk.Close()
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConsuming)
	c.logger.Info("Consuming")

	received := 0
	for {
		select {
		case <-c.stopCh:
			c.setState(StateClosing)
			if err := lnk.Close(); err != nil {
				c.logger.Debug("Close after stop", "error", err)
			}
			return nil
		case <-ctx.Done():
			c.setState(StateClosing)
			_ = lnk.Close()
			return nil
		case d, ok := <-deliveries:
			if !ok {
				// Stream closed underneath us: transient loss.
				_ = lnk.Close()
				c.setState(StateDisconnected)
				return &LinkError{Op: "consume", Cause: ErrLinkClosed}
			}

			c.handle(ctx, d)
			metricDeliveries.Inc()
			bo.Reset()

			received = (received + 1) % c.ackEvery
			if received == 0 {
				if err := lnk.Ack(d.Tag, true); err != nil {
					_ = lnk.Close()
					c.setState(StateDisconnected)
					return err
				}
			}
		}
	}
}

// handle invokes the handler with single-message isolation.
func (c *Consumer) handle(ctx context.Context, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			metricHandlerPanics.Inc()
			c.logger.Error("Message handler panicked", "panic", r, "delivery_tag", d.Tag)
		}
	}()
	c.handler(ctx, d)
}

// Stop requests a graceful shutdown: the subscription is cancelled and the
// link closed. Safe to call more than once, but never from inside a message
// handler.
func (c *Consumer) Stop() {
	c.once.Do(func() {
		close(c.stopCh)
	})
}
