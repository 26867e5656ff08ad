package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/geogate/geogate/internal/config"
)

// Delivery is one consumed message plus its acknowledgment metadata.
type Delivery struct {
	Body        []byte
	Tag         uint64
	Redelivered bool
	ContentType string
	AppID       string
	Headers     map[string]any
}

// PublishOptions carries the optional per-message AMQP properties the
// report stage sets.
type PublishOptions struct {
	AppID     string
	UserID    string
	MessageID string
	Timestamp time.Time
}

// link is the contract the reconnecting wrappers drive. The AMQP
// implementation below is the only production one; tests substitute fakes.
type link interface {
	// Connect establishes transport + channel and declares the exchange
	// (and queue, in consume mode). Idempotent if already open.
	Connect() error
	// Consume registers the delivery stream. The channel closes when the
	// link fails or is closed.
	Consume() (<-chan Delivery, error)
	// Publish sends one persistent message on the link's routing key.
	Publish(ctx context.Context, body []byte, opts PublishOptions) error
	// Ack acknowledges up to and including tag when cumulative is set.
	Ack(tag uint64, cumulative bool) error
	// Close releases the channel and connection. Idempotent.
	Close() error
}

// Link is the production AMQP link. A Link is either a consumer link
// (InputQueue bound) or a producer link (routing key set), matching how the
// wrappers use it.
type Link struct {
	cfg        config.BrokerConfig
	routingKey string // producer mode when non-empty

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewLink builds a consumer-mode link for the configured input queue.
func NewLink(cfg config.BrokerConfig) *Link {
	return &Link{cfg: cfg}
}

// NewProducerLink builds a publisher-mode link bound to one routing key.
func NewProducerLink(cfg config.BrokerConfig, routingKey string) *Link {
	return &Link{cfg: cfg, routingKey: routingKey}
}

func (l *Link) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil && !l.conn.IsClosed() {
		return nil
	}

	amqpCfg := amqp.Config{Vhost: l.cfg.VHost, Heartbeat: 10 * time.Second}
	scheme := "amqp"
	if l.cfg.CACertFile != "" {
		tlsCfg, err := l.tlsConfig()
		if err != nil {
			return &LinkError{Op: "connect", Fatal: true, Cause: err}
		}
		amqpCfg.TLSClientConfig = tlsCfg
		amqpCfg.SASL = []amqp.Authentication{&amqp.ExternalAuth{}}
		scheme = "amqps"
	} else {
		amqpCfg.SASL = []amqp.Authentication{&amqp.PlainAuth{
			Username: l.cfg.User,
			Password: l.cfg.Password,
		}}
	}

	url := fmt.Sprintf("%s://%s:%d/", scheme, l.cfg.Host, l.cfg.Port)
	conn, err := amqp.DialConfig(url, amqpCfg)
	if err != nil {
		return linkErr("connect", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return linkErr("channel", err)
	}

	// The exchange (and input queue, for consumers) are provisioned by the
	// platform; passive declaration only asserts they exist.
	if err := ch.ExchangeDeclarePassive(l.cfg.Exchange, l.cfg.ExchangeType, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return linkErr("exchange declare", err)
	}
	if l.routingKey == "" {
		if _, err := ch.QueueDeclarePassive(l.cfg.InputQueue, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return linkErr("queue declare", err)
		}
		if err := ch.Qos(l.cfg.Prefetch, 0, false); err != nil {
			_ = conn.Close()
			return linkErr("qos", err)
		}
	}

	l.conn = conn
	l.ch = ch
	return nil
}

func (l *Link) tlsConfig() (*tls.Config, error) {
	caPEM, err := os.ReadFile(l.cfg.CACertFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("CA certificate %s contains no usable certs", l.cfg.CACertFile)
	}
	cert, err := tls.LoadX509KeyPair(l.cfg.CertFile, l.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		ServerName:   l.cfg.Host,
	}, nil
}

func (l *Link) Consume() (<-chan Delivery, error) {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()
	if ch == nil {
		return nil, &LinkError{Op: "consume", Cause: ErrLinkClosed}
	}

	raw, err := ch.Consume(l.cfg.InputQueue, "", false, false, false, false, nil)
	if err != nil {
		return nil, linkErr("consume", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range raw {
			out <- Delivery{
				Body:        d.Body,
				Tag:         d.DeliveryTag,
				Redelivered: d.Redelivered,
				ContentType: d.ContentType,
				AppID:       d.AppId,
				Headers:     d.Headers,
			}
		}
	}()
	return out, nil
}

func (l *Link) Publish(ctx context.Context, body []byte, opts PublishOptions) error {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()
	if ch == nil {
		return &LinkError{Op: "publish", Cause: ErrLinkClosed}
	}

	pub := amqp.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    amqp.Persistent,
		Body:            body,
		AppId:           opts.AppID,
		UserId:          opts.UserID,
		MessageId:       opts.MessageID,
	}
	if !opts.Timestamp.IsZero() {
		pub.Timestamp = opts.Timestamp
	}

	if err := ch.PublishWithContext(ctx, l.cfg.Exchange, l.routingKey, false, false, pub); err != nil {
		return linkErr("publish", err)
	}
	return nil
}

func (l *Link) Ack(tag uint64, cumulative bool) error {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()
	if ch == nil {
		return &LinkError{Op: "ack", Cause: ErrLinkClosed}
	}
	if err := ch.Ack(tag, cumulative); err != nil {
		return linkErr("ack", err)
	}
	return nil
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	l.ch = nil
	if err != nil && err != amqp.ErrClosed {
		return linkErr("close", err)
	}
	return nil
}
