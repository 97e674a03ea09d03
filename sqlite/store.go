// Package sqlite provides an embedded SQLite checkpoint store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	workflow "github.com/voronode/invoiceflow"
	"github.com/voronode/invoiceflow/internal/sqlstore"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Store is a workflow.CheckpointStore in a SQLite database file.
type Store struct {
	*sqlstore.Store
}

var _ workflow.CheckpointStore = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{Store: sqlstore.New(db, sqlstore.SQLite)}, nil
}
