package postgres

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentmesh/orchestrator/store"
)

// gzipThreshold is the extra_data size above which Append compresses the
// payload before it hits the wire; List transparently reverses this on read.
const gzipThreshold = 100 * 1024

type logsRepo struct{ pool *pgxpool.Pool }

func encodeExtraData(raw []byte) (data []byte, compressed bool, err error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	if len(raw) <= gzipThreshold {
		return raw, false, nil
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, false, err
	}
	if err := gw.Close(); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

func decodeExtraData(data []byte, compressed bool) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if !compressed {
		return data, nil
	}
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// Append assigns the next monotone sequence per execution_id via
// COALESCE(max(sequence)+1, 1) inside the same INSERT transaction, matching
// the Event Bus's persist-before-publish ordering contract.
func (r *logsRepo) Append(ctx context.Context, log *store.ExecutionLog) (int64, error) {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var next int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(max(sequence),0)+1 FROM execution_logs WHERE execution_id=$1 FOR UPDATE`, log.ExecutionID).Scan(&next); err != nil {
		return 0, err
	}
	log.Sequence = next

	extra, compressed, err := encodeExtraData(log.ExtraData)
	if err != nil {
		return 0, fmt.Errorf("compress extra_data: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO execution_logs
		(id, execution_id, sequence, timestamp, event_type, node_id, agent_id, supervisor_id, message, extra_data, extra_data_gzip)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		log.ID, log.ExecutionID, log.Sequence, log.Timestamp, log.EventType, log.NodeID, log.AgentID, log.SupervisorID, log.Message, nullableJSON(extra), compressed)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return next, nil
}

func (r *logsRepo) List(ctx context.Context, filter store.LogFilter) ([]*store.ExecutionLog, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,execution_id,sequence,timestamp,event_type,node_id,agent_id,supervisor_id,message,extra_data,extra_data_gzip
		FROM execution_logs WHERE execution_id=$1 AND sequence > $2`
	args := []interface{}{filter.ExecutionID, filter.SinceSequence}
	idx := 3
	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type=$%d", idx)
		args = append(args, filter.EventType)
		idx++
	}
	if filter.NodeID != "" {
		query += fmt.Sprintf(" AND node_id=$%d", idx)
		args = append(args, filter.NodeID)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY sequence ASC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.ExecutionLog
	for rows.Next() {
		var l store.ExecutionLog
		var extra []byte
		var compressed bool
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Sequence, &l.Timestamp, &l.EventType, &l.NodeID, &l.AgentID, &l.SupervisorID, &l.Message, &extra, &compressed); err != nil {
			return nil, err
		}
		decoded, err := decodeExtraData(extra, compressed)
		if err != nil {
			return nil, fmt.Errorf("decompress extra_data: %w", err)
		}
		if len(decoded) > 0 {
			l.ExtraData = decoded
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (r *logsRepo) DeleteByExecutionIDs(ctx context.Context, executionIDs []string) (int, error) {
	if len(executionIDs) == 0 {
		return 0, nil
	}
	ct, err := r.pool.Exec(ctx, `DELETE FROM execution_logs WHERE execution_id = ANY($1)`, executionIDs)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}
