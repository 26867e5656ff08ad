// Package storage opens the relational store and ensures the bookkeeping
// schema exists.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geogate/geogate/internal/config"
)

// Open connects to Postgres and ensures required tables exist.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolCfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := Bootstrap(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Bootstrap creates tables/indexes if missing.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS geoserver_resource (
  id               BIGSERIAL PRIMARY KEY,
  datatype_id      VARCHAR(64)  NOT NULL,
  workspace        VARCHAR(64)  NOT NULL,
  store_name       VARCHAR(64)  NOT NULL,
  layer_name       VARCHAR(128) NOT NULL,
  storage_location VARCHAR(256),
  created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
  deleted_at       TIMESTAMPTZ,
  expire_on        TIMESTAMPTZ,
  start_at         TIMESTAMPTZ  NOT NULL,
  end_at           TIMESTAMPTZ  NOT NULL,
  resource_id      VARCHAR(128) NOT NULL,
  metadata_id      VARCHAR(128),
  bbox             TEXT         NOT NULL,
  dest_org         VARCHAR(64),
  request_code     VARCHAR(128),
  timestamps       TEXT         NOT NULL DEFAULT '',
  mosaic           BOOLEAN      NOT NULL DEFAULT FALSE
);`,
		`CREATE TABLE IF NOT EXISTS layer_settings (
  id                 BIGSERIAL PRIMARY KEY,
  project            VARCHAR(64) NOT NULL,
  master_datatype_id VARCHAR(64),
  datatype_id        VARCHAR(64) NOT NULL,
  var_name           VARCHAR(64),
  style              VARCHAR(64),
  delete_after_days  INTEGER,
  delete_after_count INTEGER,
  format             VARCHAR(64) NOT NULL,
  time_dimension     BOOLEAN     NOT NULL DEFAULT FALSE,
  time_attribute     VARCHAR(64),
  parameters         TEXT
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS geoserver_resource_live_layer_idx
  ON geoserver_resource(workspace, layer_name) WHERE deleted_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS geoserver_resource_resource_id_idx
  ON geoserver_resource(resource_id) WHERE deleted_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS geoserver_resource_datatype_created_idx
  ON geoserver_resource(workspace, datatype_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS layer_settings_datatype_idx
  ON layer_settings(project, datatype_id);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}
	}
	return nil
}
