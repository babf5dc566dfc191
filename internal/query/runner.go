package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// ErrPermissionDenied marks a query rejected by the database's own access
// control. Detection is a case-insensitive substring match on the driver's
// error text; fragile across driver versions, but kept for compatibility
// with how downstream clients render the denial.
var ErrPermissionDenied = errors.New("permission denied by database")

// Table is a tabular query result: ordered column names plus one map per
// row, keyed by column name.
type Table struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// Runner executes generated SQL against the relational database and shapes
// the result for the chat response.
type Runner struct {
	db *sql.DB
}

// Open connects a runner to the database at dsn.
func Open(dsn string) (*Runner, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(15 * time.Minute)
	return &Runner{db: db}, nil
}

// NewRunner wraps an existing handle. Tests use this with sqlmock.
func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db}
}

// Close releases the underlying connection pool.
func (r *Runner) Close() error { return r.db.Close() }

// Run executes sqlText and returns the full result set. A query the
// database rejects for lack of privileges returns ErrPermissionDenied; an
// empty result is not an error and comes back as a Table with no rows.
func (r *Runner) Run(ctx context.Context, sqlText string) (*Table, error) {
	rows, err := r.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, classify(err)
	}

	table := &Table{Columns: columns, Rows: []map[string]any{}}
	values := make([]any, len(columns))
	scan := make([]any, len(columns))
	for i := range values {
		scan[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return nil, classify(err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalize(values[i])
		}
		table.Rows = append(table.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	log.Debug().Int("rows", len(table.Rows)).Int("columns", len(columns)).Msg("Query executed")
	return table, nil
}

func classify(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "permission") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}

// normalize converts driver byte slices to strings so the JSON encoding of
// a row is readable text rather than base64.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
