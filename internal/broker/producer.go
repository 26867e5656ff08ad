package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"github.com/geogate/geogate/internal/config"
	"github.com/geogate/geogate/internal/log"
)

// Producer wraps a publish-mode link with the same backoff loop as the
// consumer, on an independent counter. Report destinations vary per message,
// so callers create one Producer per destination group and Close it when the
// destination changes rather than pooling indefinitely.
type Producer struct {
	lnk    link
	bo     *backoff.Backoff
	logger *slog.Logger

	// maxAttempts bounds the retry loop so a dead broker cannot wedge the
	// pipeline handler forever.
	maxAttempts int
	sleep       func(time.Duration)
}

// NewProducer builds a producer for one routing key.
func NewProducer(cfg config.BrokerConfig, routingKey string) *Producer {
	return newProducer(NewProducerLink(cfg, routingKey), routingKey)
}

func newProducer(lnk link, routingKey string) *Producer {
	return &Producer{
		lnk:         lnk,
		bo:          newBackoff(),
		logger:      log.WithComponent("broker-producer").With("routing_key", routingKey),
		maxAttempts: 10,
		sleep:       time.Sleep,
	}
}

// Connect opens the link, retrying transient failures with backoff.
func (p *Producer) Connect() error {
	for attempt := 0; ; attempt++ {
		err := p.lnk.Connect()
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt+1 >= p.maxAttempts {
			return err
		}
		delay := p.bo.Duration()
		metricReconnects.Inc()
		p.logger.Warn("Producer connect failed, retrying", "delay", delay.String(), "error", err)
		p.sleep(delay)
	}
}

// Publish sends one persistent message, reconnecting on transient failure.
// The backoff counter resets after a successful publish.
func (p *Producer) Publish(ctx context.Context, body []byte, opts PublishOptions) error {
	for attempt := 0; ; attempt++ {
		err := p.lnk.Publish(ctx, body, opts)
		if err == nil {
			p.bo.Reset()
			metricReportsPublished.Inc()
			return nil
		}
		if !IsTransient(err) || attempt+1 >= p.maxAttempts {
			return err
		}
		delay := p.bo.Duration()
		metricReconnects.Inc()
		p.logger.Warn("Publish failed, reconnecting", "delay", delay.String(), "error", err)
		p.sleep(delay)
		_ = p.lnk.Close()
		if err := p.Connect(); err != nil {
			return err
		}
	}
}

// Close releases the link. Idempotent.
func (p *Producer) Close() error {
	return p.lnk.Close()
}
