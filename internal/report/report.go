// Package report emits one result message per layer-level publication
// outcome. Messages for the same destination routing key share one
// producer connection; the producer is torn down and rebuilt only when
// the destination changes.
package report

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/geogate/geogate/internal/broker"
	"github.com/geogate/geogate/internal/config"
	"github.com/geogate/geogate/internal/log"
	"github.com/geogate/geogate/internal/message"
	"github.com/geogate/geogate/internal/model"
)

// Publisher is one connected outbound destination. Implemented by
// broker.Producer.
type Publisher interface {
	Connect() error
	Publish(ctx context.Context, body []byte, opts broker.PublishOptions) error
	Close() error
}

// Stage batches publication reports per destination routing key.
type Stage struct {
	cfg         config.BrokerConfig
	logger      *slog.Logger
	newProducer func(routingKey string) Publisher
	now         func() time.Time
}

// New builds a report stage publishing through the broker configuration.
func New(cfg config.BrokerConfig) *Stage {
	return &Stage{
		cfg:    cfg,
		logger: log.WithComponent("report"),
		newProducer: func(routingKey string) Publisher {
			return broker.NewProducer(cfg, routingKey)
		},
		now: time.Now,
	}
}

// Send publishes one report per layer-level outcome, pairing each outcome
// with its pending record by canonical name. Container outcomes are
// skipped. A publish failure is logged, the remaining reports still go out.
func (s *Stage) Send(ctx context.Context, records []model.ResourceRecord, outcomes []model.PublicationOutcome) {
	byName := map[string]model.ResourceRecord{}
	for _, rec := range records {
		byName[rec.LayerName] = rec
	}

	var (
		producer   Publisher
		currentKey string
	)
	defer func() {
		if producer != nil {
			if err := producer.Close(); err != nil {
				s.logger.Warn("Report producer close failed", "error", err)
			}
		}
	}()

	for _, o := range outcomes {
		if !o.IsLayer() {
			continue
		}
		rec, ok := byName[o.OriginalName]
		if !ok {
			s.logger.Error("Outcome has no matching record", "name", o.OriginalName)
			continue
		}

		key := message.RoutingKey(s.cfg.ReportRoutingPrefix, o.DatatypeID, rec.RequestCode)
		if producer == nil || key != currentKey {
			if producer != nil {
				if err := producer.Close(); err != nil {
					s.logger.Warn("Report producer close failed", "error", err)
				}
			}
			producer = s.newProducer(key)
			currentKey = key
			if err := producer.Connect(); err != nil {
				s.logger.Error("Report destination unreachable", "routing_key", key, "error", err)
				producer = nil
				continue
			}
		}

		body, err := message.NewLayerReport(o.DatatypeID, rec.Workspace, o.LayerName, o.Success(), o.Failure).Encode()
		if err != nil {
			s.logger.Error("Report not encodable", "layer", o.LayerName, "error", err)
			continue
		}

		opts := broker.PublishOptions{
			AppID:     "geogate",
			UserID:    s.cfg.User,
			Timestamp: s.now(),
		}
		if rec.RequestCode != "" {
			parts := strings.Split(rec.RequestCode, ".")
			opts.MessageID = parts[len(parts)-1]
		} else {
			opts.MessageID = uuid.NewString()
		}
		if err := producer.Publish(ctx, body, opts); err != nil {
			s.logger.Error("Report not published", "routing_key", key, "layer", o.LayerName, "error", err)
			continue
		}
		s.logger.Info("Report published", "routing_key", key, "layer", o.LayerName, "status", statusOf(o))
	}
}

func statusOf(o model.PublicationOutcome) int {
	if o.Success() {
		return message.ReportStatusOK
	}
	return message.ReportStatusFailed
}
