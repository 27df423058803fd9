package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// SchemaFetcher retrieves the live warehouse schema.
type SchemaFetcher interface {
	FetchSchema(ctx context.Context) (*SchemaSnapshot, error)
}

// Column is one column of a warehouse table.
type Column struct {
	Name string
	Type string
}

// Table is one warehouse table with its columns in declaration order.
type Table struct {
	Name    string
	Columns []Column
}

// SchemaSnapshot is an immutable view of the warehouse schema. Once built
// it is shared across goroutines without copying.
type SchemaSnapshot struct {
	Database string
	Tables   []Table
}

// Format renders the snapshot as prompt-ready text: a table index followed
// by per-table column details.
func (s *SchemaSnapshot) Format() string {
	tables := make([]Table, len(s.Tables))
	copy(tables, s.Tables)
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	var sb strings.Builder
	sb.WriteString("## AVAILABLE TABLES (use ONLY these exact names)\n\n")
	for _, t := range tables {
		sb.WriteString("  - " + t.Name + "\n")
	}
	sb.WriteString("\n---\n\n## TABLE DETAILS\n\n")
	for _, t := range tables {
		sb.WriteString(t.Name + ":\n")
		for _, c := range t.Columns {
			sb.WriteString("  - " + c.Name + " (" + c.Type + ")\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// SchemaCache caches the warehouse schema for the lifetime of the process.
// The first caller triggers a fetch; concurrent callers share that single
// in-flight fetch instead of stampeding the warehouse. A fetch failure is
// not cached, so the next request retries.
type SchemaCache struct {
	fetcher SchemaFetcher
	group   singleflight.Group
	snap    atomic.Pointer[SchemaSnapshot]
}

// NewSchemaCache creates a cache around the given fetcher.
func NewSchemaCache(fetcher SchemaFetcher) *SchemaCache {
	return &SchemaCache{fetcher: fetcher}
}

// Get returns the cached snapshot, fetching it on first use. Errors are
// wrapped in ErrSchemaUnavailable.
func (c *SchemaCache) Get(ctx context.Context) (*SchemaSnapshot, error) {
	if snap := c.snap.Load(); snap != nil {
		return snap, nil
	}
	return c.fetch(ctx, "get")
}

// Refresh fetches a fresh snapshot. Concurrent refreshers share one fetch,
// but a refresh never joins an in-flight first-use fetch: the keys are
// distinct, so a forced refresh always triggers its own fetch. Readers keep
// seeing the previous snapshot until the new one lands.
func (c *SchemaCache) Refresh(ctx context.Context) (*SchemaSnapshot, error) {
	return c.fetch(ctx, "refresh")
}

func (c *SchemaCache) fetch(ctx context.Context, key string) (*SchemaSnapshot, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		snap, err := c.fetcher.FetchSchema(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.snap.Store(snap)
		return snap, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaUnavailable, res.Err)
		}
		return res.Val.(*SchemaSnapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
