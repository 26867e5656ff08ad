// Package vectorstore converts staged vector payloads into relational
// tables the serving backend reads through its feature store. Tables are
// named {datatype}_{resourceId}[_{index}] and replaced wholesale on a
// naming collision.
package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"github.com/geogate/geogate/internal/geom"
	"github.com/geogate/geogate/internal/log"
	"github.com/geogate/geogate/internal/model"
)

// database is the pool surface the store uses. Satisfied by *pgxpool.Pool.
type database interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store writes feature tables into the shared relational database.
type Store struct {
	db     database
	logger *slog.Logger
}

// New builds a vector store on the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, logger: log.WithComponent("vectorstore")}
}

// featureTable is one parsed vector file ready for persistence.
type featureTable struct {
	columns  []string
	types    map[string]string
	rows     []map[string]any
	geometry []orb.Geometry
}

// Save loads every vector file staged for the payload and writes each to
// its own table. A failure on one file is logged and does not abort the
// siblings. One pending record per stored table is returned.
func (s *Store) Save(ctx context.Context, d model.DownloadedData) ([]model.ResourceRecord, error) {
	files, err := vectorFiles(d.ScratchPath)
	if err != nil {
		return nil, err
	}

	footprint, err := geom.Normalize(d.Footprint)
	if err != nil {
		return nil, fmt.Errorf("normalize footprint for %s: %w", d.ResourceID, err)
	}

	var records []model.ResourceRecord
	for index, file := range files {
		table, err := parseVectorFile(file)
		if err != nil {
			s.logger.Error("Vector file skipped", "file", file, "error", err)
			continue
		}
		tableName := model.LayerNameFor(d.DatatypeID, d.ResourceID, index)
		if err := s.writeTable(ctx, tableName, table); err != nil {
			s.logger.Error("Vector table write failed", "table", tableName, "error", err)
			continue
		}
		s.logger.Info("Vector table stored", "table", tableName, "rows", len(table.rows))

		rec := model.NewPendingRecord(d, index, "")
		rec.Footprint = footprint
		records = append(records, rec)
	}
	return records, nil
}

// writeTable drops any previous incarnation of the table and recreates it
// from scratch, all in one transaction. Replace semantics, never merge; a
// failed write leaves no half-filled table behind.
func (s *Store) writeTable(ctx context.Context, name string, t *featureTable) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin write for %s: %w", name, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(name))); err != nil {
		return fmt.Errorf("drop table %s: %w", name, err)
	}

	cols := make([]string, 0, len(t.columns)+2)
	cols = append(cols, `"Index" BIGINT`)
	for _, c := range t.columns {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(c), t.types[c]))
	}
	cols = append(cols, `geometry geometry(Geometry,4326)`)
	create := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(cols, ", "))
	if _, err := tx.Exec(ctx, create); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}

	insertCols := []string{`"Index"`}
	for _, c := range t.columns {
		insertCols = append(insertCols, quoteIdent(c))
	}
	insertCols = append(insertCols, "geometry")
	placeholders := make([]string, 0, len(insertCols))
	for i := 1; i < len(insertCols); i++ {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
	}
	placeholders = append(placeholders, fmt.Sprintf("ST_GeomFromText($%d, 4326)", len(insertCols)))
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(name), strings.Join(insertCols, ", "), strings.Join(placeholders, ", "))

	batch := &pgx.Batch{}
	for i, row := range t.rows {
		args := make([]any, 0, len(insertCols))
		args = append(args, int64(i))
		for _, c := range t.columns {
			args = append(args, row[c])
		}
		args = append(args, wkt.MarshalString(t.geometry[i]))
		batch.Queue(insert, args...)
	}
	br := tx.SendBatch(ctx, batch)
	for range t.rows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert into %s: %w", name, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("flush inserts into %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

// DropTable removes a feature table. Missing tables are not an error.
func (s *Store) DropTable(ctx context.Context, table string) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(table))); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	return nil
}

// Timestamps returns the distinct values of a table's time attribute in
// ascending order, formatted as ISO-8601 UTC labels.
func (s *Store) Timestamps(ctx context.Context, table, attribute string) ([]string, error) {
	query := fmt.Sprintf(
		`SELECT DISTINCT to_char(%s::timestamptz AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.MS"Z"') AS slice
		 FROM %s WHERE %s IS NOT NULL ORDER BY slice ASC`,
		quoteIdent(attribute), quoteIdent(table), quoteIdent(attribute))
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read timestamps from %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var slice string
		if err := rows.Scan(&slice); err != nil {
			return nil, fmt.Errorf("scan timestamp: %w", err)
		}
		out = append(out, slice)
	}
	return out, rows.Err()
}

// vectorFiles lists the staged files in a stable order, geojson before kml.
func vectorFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".geojson", ".kml":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk scratch dir %s: %w", dir, err)
	}
	sort.Slice(files, func(i, j int) bool {
		ki, kj := filepath.Ext(files[i]) == ".kml", filepath.Ext(files[j]) == ".kml"
		if ki != kj {
			return !ki
		}
		return files[i] < files[j]
	})
	return files, nil
}

func parseVectorFile(path string) (*featureTable, error) {
	if strings.EqualFold(filepath.Ext(path), ".kml") {
		return parseKML(path)
	}
	return parseGeoJSON(path)
}

func parseGeoJSON(path string) (*featureTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if len(fc.Features) == 0 {
		return nil, fmt.Errorf("%s has no features", filepath.Base(path))
	}

	t := &featureTable{types: map[string]string{}}
	seen := map[string]bool{}
	for _, f := range fc.Features {
		row := map[string]any{}
		for k, v := range f.Properties {
			val, sqlType := flatten(v)
			if !seen[k] {
				seen[k] = true
				t.columns = append(t.columns, k)
				t.types[k] = sqlType
			} else if t.types[k] != sqlType {
				t.types[k] = "TEXT"
			}
			row[k] = val
		}
		t.rows = append(t.rows, row)
		t.geometry = append(t.geometry, f.Geometry)
	}
	sort.Strings(t.columns)
	normalizeText(t)
	return t, nil
}

// flatten reduces an arbitrary property value to a serializable scalar.
// Nested structures become their JSON encoding.
func flatten(v any) (any, string) {
	switch val := v.(type) {
	case nil:
		return nil, "TEXT"
	case string:
		return val, "TEXT"
	case bool:
		return val, "BOOLEAN"
	case float64:
		return val, "DOUBLE PRECISION"
	case int, int32, int64:
		return val, "DOUBLE PRECISION"
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val), "TEXT"
		}
		return string(b), "TEXT"
	}
}

// normalizeText stringifies values in columns that degraded to TEXT after
// mixed types were observed.
func normalizeText(t *featureTable) {
	for _, c := range t.columns {
		if t.types[c] != "TEXT" {
			continue
		}
		for _, row := range t.rows {
			switch v := row[c].(type) {
			case nil, string:
			default:
				row[c] = fmt.Sprintf("%v", v)
			}
		}
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
