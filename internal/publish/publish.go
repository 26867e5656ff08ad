// Package publish turns pending resource records into servable layers on
// the serving backend. Every attempted unit yields exactly one outcome;
// a failure never aborts sibling units.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/geogate/geogate/internal/log"
	"github.com/geogate/geogate/internal/model"
)

// Backend is the serving-backend call contract the stage composes.
// Implemented by geoserver.Client.
type Backend interface {
	EnsureWorkspace(ctx context.Context, workspace string) error
	EnsureFeatureStore(ctx context.Context, workspace, storeName string) error
	PublishFeatureType(ctx context.Context, workspace, storeName, table, title string) error
	SetFeatureTimeDimension(ctx context.Context, workspace, featureType, title, timeAttribute string) error
	CreateGeoTiffStore(ctx context.Context, workspace, storeName, title, location, nativeName string) error
	CreateMosaicStore(ctx context.Context, workspace, storeName, title, location string) error
	PublishMosaicCoverage(ctx context.Context, workspace, storeName, title string) error
	CreateNetCDFStore(ctx context.Context, workspace, storeName, location string) error
	PublishNetCDFVariable(ctx context.Context, workspace, storeName, title, native, rename string, withTime bool) (string, error)
	ApplyCoverageParams(ctx context.Context, workspace, storeName string, params map[string]string) error
	ApplyStyle(ctx context.Context, workspace, layerName, style string) error
	DeleteLayer(ctx context.Context, workspace, layerName string) error
	DeleteCoverageStore(ctx context.Context, workspace, storeName string) error
}

// SettingsSource reads per-datatype layer configuration.
// Implemented by repo.Repo.
type SettingsSource interface {
	SettingsByDatatype(ctx context.Context, workspace, datatypeID string) (*model.LayerSettings, error)
	SettingsByMasterDatatype(ctx context.Context, workspace, masterDatatypeID string) ([]model.LayerSettings, error)
}

// TimestampSource reads the distinct time-slice labels of a vector table.
// Implemented by vectorstore.Store.
type TimestampSource interface {
	Timestamps(ctx context.Context, table, attribute string) ([]string, error)
}

// Stage publishes pending records and reports one outcome per unit.
type Stage struct {
	backend    Backend
	settings   SettingsSource
	timestamps TimestampSource
	logger     *slog.Logger
}

// New builds a publication stage.
func New(backend Backend, settings SettingsSource, timestamps TimestampSource) *Stage {
	return &Stage{
		backend:    backend,
		settings:   settings,
		timestamps: timestamps,
		logger:     log.WithComponent("publish"),
	}
}

// Publish walks the pending records and publishes each one. Outcomes come
// back in unit order; container outcomes are flagged and carry no layer.
func (s *Stage) Publish(ctx context.Context, records []model.ResourceRecord) []model.PublicationOutcome {
	var outcomes []model.PublicationOutcome
	for _, rec := range records {
		if rec.FileBacked() {
			outcomes = append(outcomes, s.publishFromLocation(ctx, rec)...)
		} else {
			outcomes = append(outcomes, s.publishFromTable(ctx, rec))
		}
	}
	for _, o := range outcomes {
		if o.Success() && o.IsLayer() {
			s.applyStyle(ctx, records[0].Workspace, o)
		}
	}
	return outcomes
}

// publishFromTable publishes a relational-backed record as a feature layer.
func (s *Stage) publishFromTable(ctx context.Context, rec model.ResourceRecord) model.PublicationOutcome {
	outcome := model.PublicationOutcome{
		OriginalName: rec.LayerName,
		LayerName:    rec.LayerName,
		DatatypeID:   rec.DatatypeID,
		Timestamps:   []string{sliceLabel(rec.Start)},
	}

	if err := s.backend.EnsureWorkspace(ctx, rec.Workspace); err != nil {
		return failed(outcome, err)
	}
	if err := s.backend.EnsureFeatureStore(ctx, rec.Workspace, rec.StoreName); err != nil {
		return failed(outcome, err)
	}
	if err := s.backend.PublishFeatureType(ctx, rec.Workspace, rec.StoreName, rec.LayerName, rec.Title); err != nil {
		return failed(outcome, err)
	}
	s.logger.Info("Feature layer published", "workspace", rec.Workspace, "layer", rec.LayerName)

	settings, err := s.settings.SettingsByDatatype(ctx, rec.Workspace, rec.DatatypeID)
	if err != nil {
		s.logger.Debug("No layer settings for datatype", "datatype_id", rec.DatatypeID)
		return outcome
	}
	if settings.TimeDimension {
		if err := s.backend.SetFeatureTimeDimension(ctx, rec.Workspace, rec.LayerName, rec.Title, settings.TimeAttribute); err != nil {
			return failed(outcome, err)
		}
		if ts, err := s.timestamps.Timestamps(ctx, rec.LayerName, settings.TimeAttribute); err == nil && len(ts) > 0 {
			outcome.Timestamps = ts
		}
		s.logger.Info("Time dimension enabled", "layer", rec.LayerName, "slices", len(outcome.Timestamps))
	}
	return outcome
}

// publishFromLocation publishes a file-backed record: single raster,
// NetCDF store with per-variable sub-layers, or a mosaic over a folder.
func (s *Stage) publishFromLocation(ctx context.Context, rec model.ResourceRecord) []model.PublicationOutcome {
	outcome := model.PublicationOutcome{
		OriginalName: rec.LayerName,
		LayerName:    rec.LayerName,
		DatatypeID:   rec.DatatypeID,
		Timestamps:   []string{sliceLabel(rec.Start)},
	}
	if err := s.backend.EnsureWorkspace(ctx, rec.Workspace); err != nil {
		return []model.PublicationOutcome{failed(outcome, err)}
	}

	switch {
	case rec.Mosaic:
		return s.publishMosaic(ctx, rec, outcome)
	case isNetCDF(rec.StorageLocation):
		return s.publishNetCDF(ctx, rec, outcome)
	default:
		return []model.PublicationOutcome{s.publishGeoTiff(ctx, rec, outcome)}
	}
}

func (s *Stage) publishGeoTiff(ctx context.Context, rec model.ResourceRecord, outcome model.PublicationOutcome) model.PublicationOutcome {
	native := strings.TrimSuffix(filepath.Base(rec.StorageLocation), filepath.Ext(rec.StorageLocation))
	if err := s.backend.CreateGeoTiffStore(ctx, rec.Workspace, rec.LayerName, rec.Title, rec.StorageLocation, native); err != nil {
		return failed(outcome, err)
	}
	s.applyParams(ctx, rec)
	s.logger.Info("Raster layer published", "workspace", rec.Workspace, "layer", rec.LayerName)
	return outcome
}

func (s *Stage) publishMosaic(ctx context.Context, rec model.ResourceRecord, outcome model.PublicationOutcome) []model.PublicationOutcome {
	container := outcome
	container.IsContainer = true
	if err := s.backend.CreateMosaicStore(ctx, rec.Workspace, rec.LayerName, rec.Title, rec.StorageLocation); err != nil {
		// the store failed, no coverage is attempted
		return []model.PublicationOutcome{failed(container, err)}
	}

	coverage := outcome
	if err := s.backend.PublishMosaicCoverage(ctx, rec.Workspace, rec.LayerName, rec.Title); err != nil {
		coverage = failed(coverage, err)
	} else {
		s.applyParams(ctx, rec)
		s.logger.Info("Mosaic layer published", "workspace", rec.Workspace, "layer", rec.LayerName)
	}
	return []model.PublicationOutcome{container, coverage}
}

// publishNetCDF creates the store, then one sub-layer per variable the
// master-datatype settings map to.
func (s *Stage) publishNetCDF(ctx context.Context, rec model.ResourceRecord, outcome model.PublicationOutcome) []model.PublicationOutcome {
	container := outcome
	container.IsContainer = true
	if err := s.backend.CreateNetCDFStore(ctx, rec.Workspace, rec.LayerName, rec.StorageLocation); err != nil {
		return []model.PublicationOutcome{failed(container, err)}
	}
	outcomes := []model.PublicationOutcome{container}

	variables, err := s.settings.SettingsByMasterDatatype(ctx, rec.Workspace, rec.DatatypeID)
	if err != nil || len(variables) == 0 {
		s.logger.Error("No variable mapping for NetCDF datatype", "datatype_id", rec.DatatypeID, "error", err)
		return outcomes
	}

	for _, v := range variables {
		sub := model.PublicationOutcome{
			OriginalName: rec.LayerName,
			DatatypeID:   v.DatatypeID,
			Timestamps:   outcome.Timestamps,
		}
		layerName, err := s.backend.PublishNetCDFVariable(ctx, rec.Workspace, rec.LayerName, rec.Title, v.VarName, v.DatatypeID, v.TimeDimension)
		sub.LayerName = layerName
		if err != nil {
			sub = failed(sub, err)
		} else {
			s.logger.Info("NetCDF variable published", "layer", layerName, "variable", v.VarName)
		}
		outcomes = append(outcomes, sub)
	}
	return outcomes
}

// applyParams forwards configured read parameters to the coverage. Failures
// are logged only.
func (s *Stage) applyParams(ctx context.Context, rec model.ResourceRecord) {
	settings, err := s.settings.SettingsByDatatype(ctx, rec.Workspace, rec.DatatypeID)
	if err != nil || settings.Parameters == "" {
		return
	}
	params, err := decodeParams(settings.Parameters)
	if err != nil {
		s.logger.Warn("Coverage parameters not decodable", "datatype_id", rec.DatatypeID, "error", err)
		return
	}
	if err := s.backend.ApplyCoverageParams(ctx, rec.Workspace, rec.LayerName, params); err != nil {
		s.logger.Warn("Coverage parameters not applied", "layer", rec.LayerName, "error", err)
	}
}

// applyStyle sets the configured default style after a successful publish.
// A style failure never demotes the outcome.
func (s *Stage) applyStyle(ctx context.Context, workspace string, o model.PublicationOutcome) {
	settings, err := s.settings.SettingsByDatatype(ctx, workspace, o.DatatypeID)
	if err != nil || settings.Style == "" {
		return
	}
	if err := s.backend.ApplyStyle(ctx, workspace, o.LayerName, settings.Style); err != nil {
		s.logger.Error("Style not applied", "layer", o.LayerName, "style", settings.Style, "error", err)
	}
}

// Unpublish removes a layer and, when the physical store is no longer
// referenced, its backing store. Used by the retention stage.
func (s *Stage) Unpublish(ctx context.Context, rec model.ResourceRecord, lastReference bool) error {
	s.logger.Info("Deleting layer", "workspace", rec.Workspace, "layer", rec.LayerName)
	if err := s.backend.DeleteLayer(ctx, rec.Workspace, rec.LayerName); err != nil {
		return fmt.Errorf("delete layer %s: %w", rec.LayerName, err)
	}
	if rec.FileBacked() && lastReference {
		if err := s.backend.DeleteCoverageStore(ctx, rec.Workspace, rec.StoreName); err != nil {
			return fmt.Errorf("delete coverage store %s: %w", rec.StoreName, err)
		}
	}
	return nil
}

func failed(o model.PublicationOutcome, err error) model.PublicationOutcome {
	o.Failure = err.Error()
	o.Timestamps = nil
	return o
}

func isNetCDF(location string) bool {
	switch strings.ToLower(filepath.Ext(location)) {
	case ".nc", ".ncml":
		return true
	}
	return false
}

func sliceLabel(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func decodeParams(raw string) (map[string]string, error) {
	params := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	return params, nil
}
