package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentmesh/orchestrator/core"
	"github.com/agentmesh/orchestrator/store"
)

type executionsRepo struct{ pool *pgxpool.Pool }

func (r *executionsRepo) Create(ctx context.Context, e *store.Execution) error {
	snapshot, err := json.Marshal(e.TopologySnapshot)
	if err != nil {
		return err
	}
	input, err := json.Marshal(e.Input)
	if err != nil {
		return err
	}
	nodeResults, err := json.Marshal(e.NodeResults)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO executions
		(id, team_id, topology_snapshot, input, output_schema, node_results, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.TeamID, snapshot, input, nullableJSON(e.OutputSchema), nodeResults, e.Status, e.CreatedAt)
	return err
}

func (r *executionsRepo) Update(ctx context.Context, e *store.Execution) error {
	var output, outputSchema []byte
	var err error
	if e.Output != nil {
		output, err = json.Marshal(e.Output)
		if err != nil {
			return err
		}
	}
	outputSchema = e.OutputSchema
	nodeResults, err := json.Marshal(e.NodeResults)
	if err != nil {
		return err
	}
	var durationMs int64
	if e.StartedAt != nil && e.CompletedAt != nil {
		durationMs = e.CompletedAt.Sub(*e.StartedAt).Milliseconds()
	}
	ct, err := r.pool.Exec(ctx, `UPDATE executions SET
		output=$2, output_schema=$3, parse_error=$4, node_results=$5, status=$6,
		started_at=$7, completed_at=$8, duration_ms=$9, error_message=$10
		WHERE id=$1`,
		e.ID, nullableJSON(output), nullableJSON(outputSchema), e.ParseError, nodeResults, e.Status,
		e.StartedAt, e.CompletedAt, durationMs, e.ErrorMessage)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return core.NewFrameworkError("Executions.Update", core.KindNotFound, errors.New("execution not found"))
	}
	return nil
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func (r *executionsRepo) scan(row pgx.Row) (*store.Execution, error) {
	var e store.Execution
	var snapshot, input, output, outputSchema, nodeResults []byte
	var durationMs int64
	if err := row.Scan(&e.ID, &e.TeamID, &snapshot, &input, &output, &outputSchema, &e.ParseError, &nodeResults,
		&e.Status, &e.StartedAt, &e.CompletedAt, &durationMs, &e.ErrorMessage, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NewFrameworkError("Executions.Get", core.KindNotFound, err)
		}
		return nil, err
	}
	if err := json.Unmarshal(snapshot, &e.TopologySnapshot); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(input, &e.Input); err != nil {
		return nil, err
	}
	if len(output) > 0 {
		var out store.ExecutionOutput
		if err := json.Unmarshal(output, &out); err != nil {
			return nil, err
		}
		e.Output = &out
	}
	if len(outputSchema) > 0 {
		e.OutputSchema = outputSchema
	}
	if len(nodeResults) > 0 {
		if err := json.Unmarshal(nodeResults, &e.NodeResults); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

const selectExecutionCols = `id,team_id,topology_snapshot,input,output,output_schema,parse_error,node_results,status,started_at,completed_at,duration_ms,error_message,created_at`

func (r *executionsRepo) Get(ctx context.Context, id string) (*store.Execution, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectExecutionCols+` FROM executions WHERE id=$1`, id)
	return r.scan(row)
}

func (r *executionsRepo) List(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + selectExecutionCols + ` FROM executions WHERE team_id=$1`
	args := []interface{}{filter.TeamID}
	idx := 2
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Execution
	for rows.Next() {
		e, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *executionsRepo) ListRunningOrPending(ctx context.Context) ([]*store.Execution, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+selectExecutionCols+` FROM executions WHERE status IN ('RUNNING','PENDING')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Execution
	for rows.Next() {
		e, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *executionsRepo) CountRunningByTeam(ctx context.Context, teamID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM executions WHERE team_id=$1 AND status='RUNNING'`, teamID).Scan(&n)
	return n, err
}

func (r *executionsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ct, err := r.pool.Exec(ctx, `DELETE FROM executions WHERE created_at < $1 AND status NOT IN ('RUNNING','PENDING')`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}
