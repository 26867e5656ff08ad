package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/geogate/geogate/internal/model"
)

const settingsColumns = `id, project, COALESCE(master_datatype_id, ''), datatype_id,
  COALESCE(var_name, ''), COALESCE(style, ''), COALESCE(delete_after_days, 0),
  COALESCE(delete_after_count, 0), format, time_dimension,
  COALESCE(time_attribute, ''), COALESCE(parameters, '')`

// SettingsByDatatype returns the layer settings for one (workspace,
// datatype) pair, or ErrNotFound.
func (r *Repo) SettingsByDatatype(ctx context.Context, workspace, datatypeID string) (*model.LayerSettings, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+settingsColumns+" FROM layer_settings WHERE project = $1 AND datatype_id = $2;",
		workspace, datatypeID)
	s, err := scanSettings(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("settings for datatype %s: %w", datatypeID, err)
	}
	return s, nil
}

// SettingsByMasterDatatype returns the settings rows grouped under a master
// datatype, used to rewrite NetCDF variables into per-band layers.
func (r *Repo) SettingsByMasterDatatype(ctx context.Context, workspace, masterDatatypeID string) ([]model.LayerSettings, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+settingsColumns+" FROM layer_settings WHERE project = $1 AND master_datatype_id = $2 ORDER BY id;",
		workspace, masterDatatypeID)
	if err != nil {
		return nil, fmt.Errorf("settings for master datatype %s: %w", masterDatatypeID, err)
	}
	defer rows.Close()

	var out []model.LayerSettings
	for rows.Next() {
		s, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// RetentionSettings lists every settings row carrying an age or count
// retention policy. The background cycle walks these.
func (r *Repo) RetentionSettings(ctx context.Context) ([]model.LayerSettings, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+settingsColumns+` FROM layer_settings
		 WHERE COALESCE(delete_after_days, 0) > 0 OR COALESCE(delete_after_count, 0) > 0
		 ORDER BY project, datatype_id;`)
	if err != nil {
		return nil, fmt.Errorf("retention settings: %w", err)
	}
	defer rows.Close()

	var out []model.LayerSettings
	for rows.Next() {
		s, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSettings(row pgx.Row) (*model.LayerSettings, error) {
	var s model.LayerSettings
	err := row.Scan(
		&s.ID, &s.Workspace, &s.MasterDatatypeID, &s.DatatypeID,
		&s.VarName, &s.Style, &s.DeleteAfterDays, &s.DeleteAfterCount,
		&s.Format, &s.TimeDimension, &s.TimeAttribute, &s.Parameters,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan layer settings: %w", err)
	}
	return &s, nil
}
