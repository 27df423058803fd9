package warehouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
)

// SchemaFetcher implements workflow.SchemaFetcher by reading system.columns.
type SchemaFetcher struct {
	conn     driver.Conn
	database string
}

// NewSchemaFetcher creates a fetcher for the given database.
func NewSchemaFetcher(conn driver.Conn, database string) *SchemaFetcher {
	if database == "" {
		database = "default"
	}
	return &SchemaFetcher{conn: conn, database: database}
}

// FetchSchema reads every table and column of the configured database, in
// declaration order.
func (f *SchemaFetcher) FetchSchema(ctx context.Context) (*workflow.SchemaSnapshot, error) {
	rows, err := f.conn.Query(ctx, `
		SELECT
			table,
			name,
			type
		FROM system.columns
		WHERE database = $1
		ORDER BY table, position
	`, f.database)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch columns: %w", err)
	}
	defer rows.Close()

	snap := &workflow.SchemaSnapshot{Database: f.database}
	var current *workflow.Table
	for rows.Next() {
		var table, name, colType string
		if err := rows.Scan(&table, &name, &colType); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		if current == nil || current.Name != table {
			snap.Tables = append(snap.Tables, workflow.Table{Name: table})
			current = &snap.Tables[len(snap.Tables)-1]
		}
		current.Columns = append(current.Columns, workflow.Column{Name: name, Type: colType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch columns: %w", err)
	}
	if len(snap.Tables) == 0 {
		return nil, fmt.Errorf("database %q has no tables", f.database)
	}
	return snap, nil
}
