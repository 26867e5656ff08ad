// Package repo is the relational repository for resource records and layer
// settings.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"

	"github.com/geogate/geogate/internal/geom"
	"github.com/geogate/geogate/internal/model"
)

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("not found")

// Repo wraps the connection pool.
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a repository over an open pool.
func New(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// Filter narrows resource queries. Zero values mean "no constraint".
// DestOrgs keeps the original matching rule: a record with no organization
// matches any organization filter.
type Filter struct {
	Workspace     string
	DatatypeIDs   []string
	ResourceID    string
	LayerName     string
	DestOrgs      []string
	RequestCodes  []string
	CreatedBefore time.Time
	ExpireBefore  time.Time
	// BBox keeps only records whose footprint bound intersects it.
	// Applied after the scan; the footprint column is opaque to SQL.
	BBox *orb.Bound
	// IncludeDeleted widens the query past live records.
	IncludeDeleted bool
	OrderByCreated bool
}

const resourceColumns = `id, datatype_id, workspace, store_name, layer_name,
  COALESCE(storage_location, ''), created_at, deleted_at, expire_on,
  start_at, end_at, resource_id, COALESCE(metadata_id, ''), bbox,
  COALESCE(dest_org, ''), COALESCE(request_code, ''), timestamps, mosaic`

// Resources returns records matching the filter.
func (r *Repo) Resources(ctx context.Context, f Filter) ([]model.ResourceRecord, error) {
	sql := "SELECT " + resourceColumns + " FROM geoserver_resource WHERE 1=1"
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !f.IncludeDeleted {
		sql += " AND deleted_at IS NULL"
	}
	if f.Workspace != "" {
		sql += " AND workspace = " + arg(f.Workspace)
	}
	if len(f.DatatypeIDs) > 0 {
		sql += " AND datatype_id = ANY(" + arg(f.DatatypeIDs) + ")"
	}
	if f.ResourceID != "" {
		sql += " AND resource_id = " + arg(f.ResourceID)
	}
	if f.LayerName != "" {
		sql += " AND layer_name = " + arg(f.LayerName)
	}
	if len(f.DestOrgs) > 0 {
		sql += " AND (dest_org IS NULL OR dest_org = ANY(" + arg(f.DestOrgs) + "))"
	}
	if len(f.RequestCodes) > 0 {
		sql += " AND request_code = ANY(" + arg(f.RequestCodes) + ")"
	}
	if !f.CreatedBefore.IsZero() {
		sql += " AND created_at <= " + arg(f.CreatedBefore)
	}
	if !f.ExpireBefore.IsZero() {
		sql += " AND expire_on IS NOT NULL AND expire_on <= " + arg(f.ExpireBefore)
	}
	if f.OrderByCreated {
		sql += " ORDER BY created_at ASC, id ASC"
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	var out []model.ResourceRecord
	for rows.Next() {
		rec, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		if f.BBox != nil && !rec.Footprint.Bound().Intersects(*f.BBox) {
			continue
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return out, nil
}

func scanResource(row pgx.Row) (*model.ResourceRecord, error) {
	var (
		rec  model.ResourceRecord
		bbox string
	)
	err := row.Scan(
		&rec.ID, &rec.DatatypeID, &rec.Workspace, &rec.StoreName, &rec.LayerName,
		&rec.StorageLocation, &rec.CreatedAt, &rec.DeletedAt, &rec.ExpireOn,
		&rec.Start, &rec.End, &rec.ResourceID, &rec.MetadataID, &bbox,
		&rec.DestOrg, &rec.RequestCode, &rec.Timestamps, &rec.Mosaic,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan resource: %w", err)
	}
	fp, err := geom.UnmarshalWKT(bbox)
	if err != nil {
		return nil, err
	}
	rec.Footprint = fp
	return &rec, nil
}

// Insert stores a new resource record and returns its id.
func (r *Repo) Insert(ctx context.Context, rec *model.ResourceRecord) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
INSERT INTO geoserver_resource(
  datatype_id, workspace, store_name, layer_name, storage_location,
  created_at, expire_on, start_at, end_at, resource_id, metadata_id,
  bbox, dest_org, request_code, timestamps, mosaic
)
VALUES($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, NULLIF($11, ''),
       $12, NULLIF($13, ''), NULLIF($14, ''), $15, $16)
RETURNING id;`,
		rec.DatatypeID, rec.Workspace, rec.StoreName, rec.LayerName, rec.StorageLocation,
		rec.CreatedAt, rec.ExpireOn, rec.Start, rec.End, rec.ResourceID, rec.MetadataID,
		geom.MarshalWKT(rec.Footprint), rec.DestOrg, rec.RequestCode, rec.Timestamps, rec.Mosaic,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert resource %s: %w", rec.LayerName, err)
	}
	return id, nil
}

// SoftDelete marks a record deleted without removing the row.
func (r *Repo) SoftDelete(ctx context.Context, id int64, when time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE geoserver_resource SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL;`,
		id, when)
	if err != nil {
		return fmt.Errorf("soft delete resource %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDelete removes the row entirely.
func (r *Repo) HardDelete(ctx context.Context, id int64) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM geoserver_resource WHERE id = $1;`, id); err != nil {
		return fmt.Errorf("hard delete resource %d: %w", id, err)
	}
	return nil
}

// ReferenceCounts returns, per source resource id, the number of live
// records sharing that physical resource.
func (r *Repo) ReferenceCounts(ctx context.Context, resourceIDs []string) (map[string]int, error) {
	if len(resourceIDs) == 0 {
		return map[string]int{}, nil
	}
	rows, err := r.pool.Query(ctx, `
SELECT resource_id, COUNT(*)
FROM geoserver_resource
WHERE deleted_at IS NULL AND resource_id = ANY($1)
GROUP BY resource_id;`, resourceIDs)
	if err != nil {
		return nil, fmt.Errorf("count layers per resource: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan reference count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
