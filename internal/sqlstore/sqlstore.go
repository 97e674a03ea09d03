// Package sqlstore implements workflow.CheckpointStore on database/sql. The
// postgres and sqlite packages wrap it with their driver and schema.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	workflow "github.com/voronode/invoiceflow"
)

// Dialect captures the differences between SQL engines.
type Dialect struct {
	Name string

	// Numbered placeholders ($1, $2) instead of ?.
	Numbered bool
}

var (
	Postgres = Dialect{Name: "postgres", Numbered: true}
	SQLite   = Dialect{Name: "sqlite"}
)

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const (
	selectSequence = `SELECT sequence FROM workflow_instances WHERE id = ?`

	upsertInstance = `INSERT INTO workflow_instances
    (id, status, current_node, risk_level, sequence, created_at, updated_at, state)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    status = excluded.status,
    current_node = excluded.current_node,
    risk_level = excluded.risk_level,
    sequence = excluded.sequence,
    updated_at = excluded.updated_at,
    state = excluded.state`

	insertCheckpoint = `INSERT INTO workflow_checkpoints
    (instance_id, sequence, checkpoint_at, state)
VALUES (?, ?, ?, ?)`

	selectInstance = `SELECT state FROM workflow_instances WHERE id = ?`

	selectHistory = `SELECT sequence, checkpoint_at, state FROM workflow_checkpoints
WHERE instance_id = ? ORDER BY sequence`
)

// Store is a CheckpointStore backed by two tables: workflow_instances holds
// the latest state of each instance, workflow_checkpoints every snapshot.
// Timestamps are stored as unix nanoseconds.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New returns a store using an open database whose schema is in place.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveCheckpoint(ctx context.Context, inst *workflow.Instance) error {
	state, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var sequence int
	err = tx.QueryRowContext(ctx, s.dialect.Rebind(selectSequence), inst.ID).Scan(&sequence)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read sequence of %s: %w", inst.ID, err)
	}
	sequence++

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(upsertInstance),
		inst.ID,
		string(inst.Status),
		string(inst.CurrentNode),
		string(inst.RiskLevel),
		sequence,
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
		string(state),
	); err != nil {
		return fmt.Errorf("upsert instance %s: %w", inst.ID, err)
	}

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(insertCheckpoint),
		inst.ID,
		sequence,
		inst.UpdatedAt.UnixNano(),
		string(state),
	); err != nil {
		return fmt.Errorf("insert checkpoint %s/%d: %w", inst.ID, sequence, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", inst.ID, err)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, id string) (*workflow.Instance, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(selectInstance), id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load %s: %w", id, workflow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return workflow.DecodeInstance(state)
}

func (s *Store) ListCheckpoints(ctx context.Context, filter workflow.ListFilter) ([]*workflow.Instance, error) {
	query := `SELECT state FROM workflow_instances`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	instances := []*workflow.Instance{}
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		inst, err := workflow.DecodeInstance(state)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return instances, nil
}

func (s *Store) CheckpointHistory(ctx context.Context, id string) ([]*workflow.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(selectHistory), id)
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", id, err)
	}
	defer rows.Close()

	var checkpoints []*workflow.Checkpoint
	for rows.Next() {
		var (
			sequence     int
			checkpointAt int64
			state        []byte
		)
		if err := rows.Scan(&sequence, &checkpointAt, &state); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		inst, err := workflow.DecodeInstance(state)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, &workflow.Checkpoint{
			InstanceID:   id,
			Sequence:     sequence,
			Instance:     inst,
			CheckpointAt: time.Unix(0, checkpointAt).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history of %s: %w", id, err)
	}
	if len(checkpoints) == 0 {
		return nil, fmt.Errorf("history of %s: %w", id, workflow.ErrNotFound)
	}
	return checkpoints, nil
}
