// Package warehouse runs read-only SQL against ClickHouse and classifies
// failures for the workflow's retry policy.
package warehouse

import (
	"context"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
)

// Executor implements workflow.Executor on a ClickHouse connection.
type Executor struct {
	conn    driver.Conn
	logger  *slog.Logger
	timeout time.Duration

	// Observe, when set, is called with the duration and outcome of every
	// warehouse query.
	Observe func(duration time.Duration, err error)
}

// NewExecutor creates an executor with a 30s per-query timeout.
func NewExecutor(conn driver.Conn, logger *slog.Logger) *Executor {
	return &Executor{conn: conn, logger: logger, timeout: 30 * time.Second}
}

// Execute runs the statement and materializes all rows. Failures come back
// as *workflow.ExecError so callers can tell transient from permanent.
func (e *Executor) Execute(ctx context.Context, sql string) (*workflow.Result, error) {
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	rows, err := e.conn.Query(ctx, sql)
	if err != nil {
		e.observe(time.Since(start), err)
		return nil, Classify(err)
	}
	defer rows.Close()

	columnTypes := rows.ColumnTypes()
	columns := make([]string, len(columnTypes))
	for i, ct := range columnTypes {
		columns[i] = ct.Name()
	}

	var resultRows []map[string]any
	for rows.Next() {
		values := make([]any, len(columnTypes))
		for i, ct := range columnTypes {
			values[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(values...); err != nil {
			e.observe(time.Since(start), err)
			return nil, Classify(err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = reflect.ValueOf(values[i]).Elem().Interface()
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		e.observe(time.Since(start), err)
		return nil, Classify(err)
	}

	e.observe(time.Since(start), nil)
	e.logger.Debug("warehouse: query executed", "rows", len(resultRows), "duration", time.Since(start))
	return &workflow.Result{Columns: columns, Rows: resultRows}, nil
}

func (e *Executor) observe(d time.Duration, err error) {
	if e.Observe != nil {
		e.Observe(d, err)
	}
}
