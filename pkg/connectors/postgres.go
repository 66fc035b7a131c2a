package connectors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	// PostgreSQL driver
	_ "github.com/lib/pq"

	"github.com/tcmartin/convoflow/pkg/flow"
)

// ErrUnknownConnection is returned for a connection name with no configured DSN
var ErrUnknownConnection = errors.New("unknown database connection")

// PostgresQueryRunnerConfig configures a PostgresQueryRunner
type PostgresQueryRunnerConfig struct {
	// Connections maps "tenant/connection" or a bare shared "connection"
	// name to a DSN. Tenant scoped entries win.
	Connections map[string]string

	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// PostgresQueryRunner runs database node queries against tenant scoped
// PostgreSQL pools opened on first use
type PostgresQueryRunner struct {
	config PostgresQueryRunnerConfig

	mu    sync.Mutex
	pools map[string]*sql.DB
}

// NewPostgresQueryRunner creates a query runner
func NewPostgresQueryRunner(config PostgresQueryRunnerConfig) *PostgresQueryRunner {
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 5
	}
	if config.ConnMaxLifetime <= 0 {
		config.ConnMaxLifetime = 30 * time.Minute
	}
	return &PostgresQueryRunner{config: config, pools: make(map[string]*sql.DB)}
}

// Query implements nodes.QueryRunner
func (r *PostgresQueryRunner) Query(ctx context.Context, tenantID, connection, mode, query string, args ...interface{}) (interface{}, error) {
	db, err := r.pool(tenantID, connection)
	if err != nil {
		return nil, err
	}

	switch mode {
	case flow.QueryExec:
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to execute statement: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read affected rows: %w", err)
		}
		return affected, nil
	case flow.QueryMany, flow.QueryOne, "":
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to run query: %w", err)
		}
		defer rows.Close()

		limit := 0
		if mode != flow.QueryMany {
			limit = 1
		}
		records, err := scanRows(rows, limit)
		if err != nil {
			return nil, err
		}
		if mode == flow.QueryMany {
			return records, nil
		}
		if len(records) == 0 {
			return nil, nil
		}
		return records[0], nil
	default:
		return nil, fmt.Errorf("unsupported query mode %q", mode)
	}
}

// pool returns the pool of a tenant connection, opening it when needed
func (r *PostgresQueryRunner) pool(tenantID, connection string) (*sql.DB, error) {
	key := tenantID + "/" + connection
	dsn, ok := r.config.Connections[key]
	if !ok {
		key = connection
		dsn, ok = r.config.Connections[connection]
	}
	if !ok || dsn == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connection)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok := r.pools[key]; ok {
		return db, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection %s: %w", connection, err)
	}
	db.SetMaxOpenConns(r.config.MaxOpenConns)
	db.SetConnMaxLifetime(r.config.ConnMaxLifetime)
	r.pools[key] = db
	return db, nil
}

// Close closes every open pool
func (r *PostgresQueryRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for key, db := range r.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.pools, key)
	}
	return errors.Join(errs...)
}

// scanRows reads at most limit rows (all when limit is 0) into column maps
func scanRows(rows *sql.Rows, limit int) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	records := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		record := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}
		records = append(records, record)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return records, nil
}
