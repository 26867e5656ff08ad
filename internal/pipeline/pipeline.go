// Package pipeline wires the processing stages behind the broker consumer:
// retrieval, storage, publication, record keeping, reporting and retention.
package pipeline

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/geogate/geogate/internal/broker"
	"github.com/geogate/geogate/internal/events"
	"github.com/geogate/geogate/internal/log"
	"github.com/geogate/geogate/internal/message"
	"github.com/geogate/geogate/internal/model"
)

// Retriever resolves and stages the payload of one notification.
type Retriever interface {
	Retrieve(ctx context.Context, workspace string, n *message.Notification) ([]model.DownloadedData, error)
}

// VectorStore converts staged vector data into relational tables.
type VectorStore interface {
	Save(ctx context.Context, d model.DownloadedData) ([]model.ResourceRecord, error)
}

// RasterStore moves staged raster data into the serving file layout.
type RasterStore interface {
	Save(d model.DownloadedData) ([]model.ResourceRecord, error)
}

// Publisher exposes stored units through the serving backend.
type Publisher interface {
	Publish(ctx context.Context, records []model.ResourceRecord) []model.PublicationOutcome
}

// Reporter sends per-layer result messages back to the broker.
type Reporter interface {
	Send(ctx context.Context, records []model.ResourceRecord, outcomes []model.PublicationOutcome)
}

// Retirer removes superseded or explicitly deleted resources.
type Retirer interface {
	RetireByResourceID(ctx context.Context, workspace, resourceID string)
	Sweep(ctx context.Context, workspace string, datatypeIDs []string)
}

// RecordStore persists confirmed resource records.
type RecordStore interface {
	Insert(ctx context.Context, rec *model.ResourceRecord) (int64, error)
}

// Deps collects the stage implementations the pipeline drives.
type Deps struct {
	Retriever Retriever
	Vectors   VectorStore
	Rasters   RasterStore
	Publisher Publisher
	Reporter  Reporter
	Retirer   Retirer
	Records   RecordStore
	Hub       *events.Hub
}

// Pipeline is the message handler for dataset notifications. One notification
// is processed end to end before the next delivery is taken; every failure is
// contained so the consumer never sees an error escape.
type Pipeline struct {
	defaultWorkspace string
	deps             Deps
	logger           *slog.Logger

	// removeScratch is swapped out by tests.
	removeScratch func(path string) error
}

// New builds the pipeline. Hub may be nil when no dashboard is running.
func New(defaultWorkspace string, deps Deps) *Pipeline {
	return &Pipeline{
		defaultWorkspace: defaultWorkspace,
		deps:             deps,
		logger:           log.WithComponent("pipeline"),
		removeScratch:    os.RemoveAll,
	}
}

// Handle processes one delivery. It satisfies broker.Handler.
func (p *Pipeline) Handle(ctx context.Context, d broker.Delivery) {
	n, err := message.Decode(d.Body)
	if err != nil {
		metricNotificationsDropped.Inc()
		p.logger.Warn("Dropping malformed notification", "error", err, "delivery_tag", d.Tag)
		p.emit(events.TypeNotificationDropped, map[string]string{"reason": err.Error()})
		return
	}

	workspace := p.workspaceOf(d)
	logger := p.logger.With("resource_id", n.ID, "datatype_id", string(n.DatatypeID), "type", n.Type, "workspace", workspace)
	logger.Info("Notification received")
	p.emit(events.TypeNotificationReceived, events.ResourceEvent{
		Workspace:  workspace,
		ResourceID: n.ID,
		DatatypeID: string(n.DatatypeID),
	})

	// Updates replace in place: retire what the resource id currently
	// serves, then ingest the new payload.
	if n.Type == message.TypeDelete || n.Type == message.TypeUpdate {
		p.deps.Retirer.RetireByResourceID(ctx, workspace, n.ID)
		p.emit(events.TypeResourceRetired, events.ResourceEvent{
			Workspace:  workspace,
			ResourceID: n.ID,
			DatatypeID: string(n.DatatypeID),
		})
		if n.Type == message.TypeDelete {
			return
		}
	}

	p.ingest(ctx, workspace, n, logger)
}

// ingest runs the create path: download, store, publish, record, report and
// sweep. Stage failures are logged and narrowed to the failing unit.
func (p *Pipeline) ingest(ctx context.Context, workspace string, n *message.Notification, logger *slog.Logger) {
	downloads, err := p.deps.Retriever.Retrieve(ctx, workspace, n)
	if err != nil {
		logger.Error("Retrieval failed", "error", err)
		return
	}
	defer func() {
		for _, d := range downloads {
			if d.ScratchPath == "" {
				continue
			}
			if err := p.removeScratch(d.ScratchPath); err != nil {
				logger.Warn("Scratch cleanup failed", "path", d.ScratchPath, "error", err)
			}
		}
	}()
	if len(downloads) == 0 {
		logger.Info("Nothing to ingest")
		return
	}

	var pending []model.ResourceRecord
	for _, d := range downloads {
		p.emit(events.TypeResourceStaged, events.ResourceEvent{
			Workspace:  workspace,
			ResourceID: d.ResourceID,
			DatatypeID: d.DatatypeID,
			Kind:       d.Kind.String(),
		})

		records, err := p.store(ctx, d)
		if err != nil {
			logger.Error("Storage failed", "kind", d.Kind.String(), "error", err)
			continue
		}
		for _, rec := range records {
			p.emit(events.TypeResourceStored, events.ResourceEvent{
				Workspace:  rec.Workspace,
				ResourceID: rec.ResourceID,
				DatatypeID: rec.DatatypeID,
				Kind:       d.Kind.String(),
			})
		}
		pending = append(pending, records...)
	}
	if len(pending) == 0 {
		logger.Warn("No stored units, skipping publication")
		return
	}

	outcomes := p.deps.Publisher.Publish(ctx, pending)
	p.record(ctx, pending, outcomes, logger)
	p.deps.Reporter.Send(ctx, pending, outcomes)

	if impacted := succeededDatatypes(outcomes); len(impacted) > 0 {
		p.deps.Retirer.Sweep(ctx, workspace, impacted)
	}
}

func (p *Pipeline) store(ctx context.Context, d model.DownloadedData) ([]model.ResourceRecord, error) {
	if d.Kind == model.KindVector {
		return p.deps.Vectors.Save(ctx, d)
	}
	return p.deps.Rasters.Save(d)
}

// record inserts one row per successfully published layer. The persisted
// layer name and time slices come from the publication outcome, which may
// differ from the staged name for multi-variable stores.
func (p *Pipeline) record(ctx context.Context, pending []model.ResourceRecord, outcomes []model.PublicationOutcome, logger *slog.Logger) {
	byName := make(map[string]model.ResourceRecord, len(pending))
	for _, rec := range pending {
		byName[rec.LayerName] = rec
	}

	for _, o := range outcomes {
		if !o.IsLayer() {
			continue
		}
		if !o.Success() {
			metricLayersFailed.Inc()
			logger.Warn("Layer failed to publish", "layer", o.OriginalName, "detail", o.Failure)
			p.emit(events.TypeLayerFailed, events.LayerEvent{
				Layer:      o.OriginalName,
				DatatypeID: o.DatatypeID,
				Detail:     o.Failure,
			})
			continue
		}

		rec, ok := byName[o.OriginalName]
		if !ok {
			logger.Warn("Publication outcome matches no stored unit", "layer", o.OriginalName)
			continue
		}
		rec.LayerName = o.LayerName
		rec.DatatypeID = o.DatatypeID
		rec.Timestamps = strings.Join(o.Timestamps, ";")

		if _, err := p.deps.Records.Insert(ctx, &rec); err != nil {
			logger.Error("Record insert failed", "layer", rec.LayerName, "error", err)
			continue
		}
		metricLayersPublished.Inc()
		p.emit(events.TypeLayerPublished, events.LayerEvent{
			Workspace:  rec.Workspace,
			Layer:      rec.LayerName,
			DatatypeID: rec.DatatypeID,
		})
	}
}

// workspaceOf reads the project header, falling back to the configured
// default workspace.
func (p *Pipeline) workspaceOf(d broker.Delivery) string {
	if v, ok := d.Headers["project"]; ok {
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		case []byte:
			if len(s) > 0 {
				return string(s)
			}
		}
	}
	return p.defaultWorkspace
}

func (p *Pipeline) emit(eventType string, data any) {
	if p.deps.Hub != nil {
		p.deps.Hub.Publish(eventType, data)
	}
}

// succeededDatatypes returns the distinct datatype ids of successful layer
// outcomes, in first-seen order.
func succeededDatatypes(outcomes []model.PublicationOutcome) []string {
	seen := make(map[string]bool)
	var out []string
	for _, o := range outcomes {
		if !o.Success() || !o.IsLayer() || seen[o.DatatypeID] {
			continue
		}
		seen[o.DatatypeID] = true
		out = append(out, o.DatatypeID)
	}
	return out
}
