package conduit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLQueryExecutor implements QueryExecutor over a database/sql handle. It is
// driver-agnostic: the DDL it emits sticks to quoted identifiers and untyped
// columns, which SQLite and most staging databases accept.
type SQLQueryExecutor struct {
	db *sql.DB
}

// Ensure SQLQueryExecutor implements QueryExecutor.
var _ QueryExecutor = (*SQLQueryExecutor)(nil)

// NewSQLQueryExecutor wraps an open database handle.
func NewSQLQueryExecutor(db *sql.DB) *SQLQueryExecutor {
	return &SQLQueryExecutor{db: db}
}

// Query runs the query and materialises the result set as a Dataset.
func (s *SQLQueryExecutor) Query(ctx context.Context, query string) (*Dataset, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading result columns: %w", err)
	}

	var records []map[string]any
	values := make([]any, len(columns))
	scanTargets := make([]any, len(columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("scanning row %d: %w", len(records), err)
		}
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			v := values[i]
			// Drivers commonly hand text back as []byte.
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			record[col] = v
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return &Dataset{Columns: columns, Records: records}, nil
}

// Load stores the dataset under the given table name. Mode "replace" drops
// and recreates the table; "append" requires it to exist already. The whole
// load runs in one transaction.
func (s *SQLQueryExecutor) Load(ctx context.Context, table string, data *Dataset, mode string) error {
	if mode != "replace" && mode != "append" {
		return fmt.Errorf("unknown load mode %q", mode)
	}
	columns := data.Columns
	if len(columns) == 0 {
		return fmt.Errorf("dataset for table %q has no columns", table)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning load transaction: %w", err)
	}
	defer tx.Rollback()

	if mode == "replace" {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(table))); err != nil {
			return fmt.Errorf("dropping table %q: %w", table, err)
		}
		quoted := make([]string, len(columns))
		for i, col := range columns {
			quoted[i] = quoteIdent(col)
		}
		ddl := fmt.Sprintf(`CREATE TABLE %s (%s)`, quoteIdent(table), strings.Join(quoted, ", "))
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("creating table %q: %w", table, err)
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
	}
	insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quoteIdent(table), strings.Join(quoted, ", "), placeholders)

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("preparing insert into %q: %w", table, err)
	}
	defer stmt.Close()

	args := make([]any, len(columns))
	for i, record := range data.Records {
		for j, col := range columns {
			args[j] = record[col]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("inserting row %d into %q: %w", i, table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing load into %q: %w", table, err)
	}
	return nil
}

// quoteIdent wraps an identifier in double quotes, escaping embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
