// Package postgres is the concrete store adapter backing the Teams,
// Executions, and ExecutionLogs repository contracts, using the three-table
// layout (teams, executions, execution_logs) with indices on the columns
// every list/lookup query filters by. Uses github.com/jackc/pgx/v5 as the
// PostgreSQL driver, the natural fit for a transactional relational store
// of teams, executions, and their append-only logs.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentmesh/orchestrator/core"
	"github.com/agentmesh/orchestrator/store"
)

// Schema is the DDL for the three tables plus their indices. Applied by
// cmd/server at startup; not run automatically by this package.
const Schema = `
CREATE TABLE IF NOT EXISTS teams (
	id              TEXT PRIMARY KEY,
	name            TEXT UNIQUE NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	timeout_seconds INT NOT NULL,
	max_iterations  INT NOT NULL,
	topology        JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
	id                TEXT PRIMARY KEY,
	team_id           TEXT NOT NULL REFERENCES teams(id),
	topology_snapshot JSONB NOT NULL,
	input             JSONB NOT NULL,
	output            JSONB,
	output_schema     JSONB,
	parse_error       TEXT NOT NULL DEFAULT '',
	node_results      JSONB NOT NULL,
	status            TEXT NOT NULL,
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	duration_ms       BIGINT NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_team_status_created
	ON executions (team_id, status, created_at DESC);

CREATE TABLE IF NOT EXISTS execution_logs (
	id            TEXT PRIMARY KEY,
	execution_id  TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	sequence      BIGINT NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL,
	event_type    TEXT NOT NULL,
	node_id       TEXT NOT NULL DEFAULT '',
	agent_id      TEXT NOT NULL DEFAULT '',
	supervisor_id TEXT NOT NULL DEFAULT '',
	message       TEXT NOT NULL DEFAULT '',
	extra_data    BYTEA,
	extra_data_gzip BOOLEAN NOT NULL DEFAULT false,
	UNIQUE (execution_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_execution_sequence
	ON execution_logs (execution_id, sequence);
`

// Store bundles all three repositories over one pgxpool.Pool.
type Store struct {
	pool   *pgxpool.Pool
	logger core.ComponentAwareLogger
}

// New connects to databaseURL and returns a Store. Callers should run
// Schema once (via Migrate) before serving traffic.
func New(ctx context.Context, databaseURL string, logger core.ComponentAwareLogger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if logger != nil {
		logger = logger.WithComponent("orchestration/store").(core.ComponentAwareLogger)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Migrate applies Schema. cmd/server exits with code 2 if this fails.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *Store) Close() { s.pool.Close() }

// Teams returns the store.Teams repository over this pool.
func (s *Store) Teams() store.Teams { return &teamsRepo{pool: s.pool} }

// Executions returns the store.Executions repository over this pool.
func (s *Store) Executions() store.Executions { return &executionsRepo{pool: s.pool} }

// ExecutionLogs returns the store.ExecutionLogs repository over this pool.
func (s *Store) ExecutionLogs() store.ExecutionLogs { return &logsRepo{pool: s.pool} }

type teamsRepo struct{ pool *pgxpool.Pool }

func (r *teamsRepo) Create(ctx context.Context, t *store.Team) error {
	topo, err := json.Marshal(t.Topology)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO teams (id, name, description, status, timeout_seconds, max_iterations, topology, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ID, t.Name, t.Description, t.Status, t.TimeoutSeconds, t.MaxIterations, topo, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return core.NewFrameworkError("Teams.Create", core.KindConflict, core.ErrDuplicateTeamName)
	}
	return err
}

func (r *teamsRepo) scan(row pgx.Row) (*store.Team, error) {
	var t store.Team
	var topo []byte
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Status, &t.TimeoutSeconds, &t.MaxIterations, &topo, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NewFrameworkError("Teams.Get", core.KindNotFound, err)
		}
		return nil, err
	}
	if err := json.Unmarshal(topo, &t.Topology); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *teamsRepo) Get(ctx context.Context, id string) (*store.Team, error) {
	row := r.pool.QueryRow(ctx, `SELECT id,name,description,status,timeout_seconds,max_iterations,topology,created_at,updated_at FROM teams WHERE id=$1`, id)
	return r.scan(row)
}

func (r *teamsRepo) GetByName(ctx context.Context, name string) (*store.Team, error) {
	row := r.pool.QueryRow(ctx, `SELECT id,name,description,status,timeout_seconds,max_iterations,topology,created_at,updated_at FROM teams WHERE name=$1`, name)
	return r.scan(row)
}

func (r *teamsRepo) Update(ctx context.Context, t *store.Team) error {
	topo, err := json.Marshal(t.Topology)
	if err != nil {
		return err
	}
	t.UpdatedAt = time.Now()
	ct, err := r.pool.Exec(ctx, `UPDATE teams SET name=$2, description=$3, status=$4, timeout_seconds=$5, max_iterations=$6, topology=$7, updated_at=$8 WHERE id=$1`,
		t.ID, t.Name, t.Description, t.Status, t.TimeoutSeconds, t.MaxIterations, topo, t.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return core.NewFrameworkError("Teams.Update", core.KindNotFound, fmt.Errorf("team %s not found", t.ID))
	}
	return nil
}

func (r *teamsRepo) Delete(ctx context.Context, id string) error {
	var running int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM executions WHERE team_id=$1 AND status='RUNNING'`, id).Scan(&running); err != nil {
		return err
	}
	if running > 0 {
		return core.NewFrameworkError("Teams.Delete", core.KindConflict, core.ErrTeamHasRunningExecutions)
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM teams WHERE id=$1`, id)
	return err
}

func (r *teamsRepo) List(ctx context.Context, limit, offset int) ([]*store.Team, error) {
	rows, err := r.pool.Query(ctx, `SELECT id,name,description,status,timeout_seconds,max_iterations,topology,created_at,updated_at FROM teams ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Team
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "23505"))
}
