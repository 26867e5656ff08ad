// Package retention retires resources whose retention window elapsed:
// explicit expiry timestamps, age-based policies and count-based policies.
// Records are always soft-deleted; the physical representation is removed
// only when no other live record references it.
package retention

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/geogate/geogate/internal/log"
	"github.com/geogate/geogate/internal/model"
	"github.com/geogate/geogate/internal/repo"
)

// Repository is the record bookkeeping the stage needs. Implemented by
// repo.Repo.
type Repository interface {
	Resources(ctx context.Context, f repo.Filter) ([]model.ResourceRecord, error)
	SoftDelete(ctx context.Context, id int64, when time.Time) error
	ReferenceCounts(ctx context.Context, resourceIDs []string) (map[string]int, error)
	SettingsByDatatype(ctx context.Context, workspace, datatypeID string) (*model.LayerSettings, error)
	RetentionSettings(ctx context.Context) ([]model.LayerSettings, error)
}

// Unpublisher removes layers from the serving backend. Implemented by
// publish.Stage.
type Unpublisher interface {
	Unpublish(ctx context.Context, rec model.ResourceRecord, lastReference bool) error
}

// TableDropper removes relational feature tables. Implemented by
// vectorstore.Store.
type TableDropper interface {
	DropTable(ctx context.Context, table string) error
}

// Stage computes and retires expired resources.
type Stage struct {
	repo    Repository
	serving Unpublisher
	tables  TableDropper
	logger  *slog.Logger

	cycleEvery time.Duration
	jitter     time.Duration
	now        func() time.Time
	removePath func(string) error
}

// New builds a retention stage.
func New(r Repository, serving Unpublisher, tables TableDropper, cycleEvery, jitter time.Duration) *Stage {
	return &Stage{
		repo:       r,
		serving:    serving,
		tables:     tables,
		logger:     log.WithComponent("retention"),
		cycleEvery: cycleEvery,
		jitter:     jitter,
		now:        time.Now,
		removePath: os.RemoveAll,
	}
}

// Sweep retires the expired resources of the given datatypes in one
// workspace. Called after each publication batch for every datatype it
// touched, and by the background cycle.
func (s *Stage) Sweep(ctx context.Context, workspace string, datatypeIDs []string) {
	candidates, err := s.candidates(ctx, workspace, datatypeIDs)
	if err != nil {
		s.logger.Error("Retention sweep aborted", "workspace", workspace, "error", err)
		return
	}
	if len(candidates) == 0 {
		return
	}
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ResourceID)
	}
	s.logger.Info("Retiring expired resources", "workspace", workspace, "count", len(candidates), "resource_ids", ids)
	s.Retire(ctx, candidates)
}

// candidates is the union of the three policies, deduplicated by record id
// and ordered oldest first.
func (s *Stage) candidates(ctx context.Context, workspace string, datatypeIDs []string) ([]model.ResourceRecord, error) {
	now := s.now()
	seen := map[int64]bool{}
	var out []model.ResourceRecord
	add := func(records []model.ResourceRecord) {
		for _, r := range records {
			if !seen[r.ID] {
				seen[r.ID] = true
				out = append(out, r)
			}
		}
	}

	for _, datatypeID := range datatypeIDs {
		expired, err := s.repo.Resources(ctx, repo.Filter{
			Workspace:    workspace,
			DatatypeIDs:  []string{datatypeID},
			ExpireBefore: now,
		})
		if err != nil {
			return nil, err
		}
		add(expired)

		settings, err := s.repo.SettingsByDatatype(ctx, workspace, datatypeID)
		if err != nil {
			continue
		}

		if settings.DeleteAfterDays > 0 {
			cutoff := now.AddDate(0, 0, -settings.DeleteAfterDays)
			aged, err := s.repo.Resources(ctx, repo.Filter{
				Workspace:     workspace,
				DatatypeIDs:   []string{datatypeID},
				CreatedBefore: cutoff,
			})
			if err != nil {
				return nil, err
			}
			add(aged)
		}

		if settings.DeleteAfterCount > 0 {
			all, err := s.repo.Resources(ctx, repo.Filter{
				Workspace:      workspace,
				DatatypeIDs:    []string{datatypeID},
				OrderByCreated: true,
			})
			if err != nil {
				return nil, err
			}
			if excess := len(all) - settings.DeleteAfterCount; excess > 0 {
				add(all[:excess])
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Retire removes the given records: serving-backend layer first, then the
// record and, at the last reference, the physical representation. A failure
// on one record is logged and the remaining candidates still run.
func (s *Stage) Retire(ctx context.Context, records []model.ResourceRecord) {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ResourceID)
	}
	refs, err := s.repo.ReferenceCounts(ctx, ids)
	if err != nil {
		s.logger.Error("Reference counts unavailable, nothing retired", "error", err)
		return
	}

	for _, rec := range records {
		last := refs[rec.ResourceID] == 1
		if err := s.retireOne(ctx, rec, last); err != nil {
			s.logger.Error("Resource not retired", "layer", rec.LayerName, "error", err)
			continue
		}
		refs[rec.ResourceID]--
		metricRetired.Inc()
	}
}

func (s *Stage) retireOne(ctx context.Context, rec model.ResourceRecord, lastReference bool) error {
	if err := s.serving.Unpublish(ctx, rec, lastReference); err != nil {
		return err
	}
	if err := s.repo.SoftDelete(ctx, rec.ID, s.now()); err != nil {
		return err
	}

	if !rec.FileBacked() {
		if err := s.tables.DropTable(ctx, rec.LayerName); err != nil {
			return err
		}
		s.logger.Info("Feature table dropped", "table", rec.LayerName)
		return nil
	}
	if lastReference {
		if err := s.removePath(rec.StorageLocation); err != nil {
			return err
		}
		s.logger.Info("Physical storage removed", "path", rec.StorageLocation)
	}
	return nil
}

// RetireByResourceID retires every live record of one source resource,
// used by the delete and update notification paths.
func (s *Stage) RetireByResourceID(ctx context.Context, workspace, resourceID string) {
	records, err := s.repo.Resources(ctx, repo.Filter{Workspace: workspace, ResourceID: resourceID})
	if err != nil {
		s.logger.Error("Resource lookup failed", "resource_id", resourceID, "error", err)
		return
	}
	if len(records) == 0 {
		s.logger.Info("No live records for resource", "resource_id", resourceID)
		return
	}
	s.Retire(ctx, records)
}

// Cycle runs sweeps on a jittered schedule until the context ends. It
// covers every (workspace, datatype) pair carrying a retention policy,
// independently of ingestion traffic.
func (s *Stage) Cycle(ctx context.Context) {
	if s.cycleEvery <= 0 {
		s.logger.Info("Background retention cycle disabled")
		return
	}
	for {
		wait := s.cycleEvery
		if s.jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(s.jitter)))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		settings, err := s.repo.RetentionSettings(ctx)
		if err != nil {
			s.logger.Error("Retention cycle skipped", "error", err)
			continue
		}
		byWorkspace := map[string][]string{}
		for _, st := range settings {
			byWorkspace[st.Workspace] = append(byWorkspace[st.Workspace], st.DatatypeID)
		}
		for workspace, datatypes := range byWorkspace {
			s.Sweep(ctx, workspace, datatypes)
		}
	}
}
