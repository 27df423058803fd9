package workflow

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCleanSQL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare statement", "SELECT 1", "SELECT 1"},
		{"trailing semicolon", "SELECT 1;", "SELECT 1"},
		{"sql fence", "```sql\nSELECT 1\n```", "SELECT 1"},
		{"plain fence", "```\nSELECT 1\n```", "SELECT 1"},
		{"fence with prose", "Here you go:\n```sql\nSELECT 1;\n```", "SELECT 1"},
		{"unterminated fence", "```sql\nSELECT 1", "SELECT 1"},
		{"surrounding whitespace", "  SELECT 1  \n", "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, cleanSQL(tt.in))
		})
	}
}

func makeRows(n int) *Result {
	res := &Result{Columns: []string{"id", "name"}}
	for i := range n {
		res.Rows = append(res.Rows, map[string]any{"id": int64(i), "name": fmt.Sprintf("row-%d", i)})
	}
	return res
}

func TestPresentResult_Empty(t *testing.T) {
	out := presentResult(makeRows(0), "SELECT 1", 10)
	require.Equal(t, emptyResultMessage, out)
}

func TestPresentResult_AtBoundRendersInline(t *testing.T) {
	out := presentResult(makeRows(10), "SELECT * FROM t", 10)
	require.Contains(t, out, "Columns: id | name")
	require.Contains(t, out, "row-9")
	require.NotContains(t, out, "too many to display")
}

func TestPresentResult_AboveBoundRendersCountAndSQL(t *testing.T) {
	sql := "SELECT * FROM customer"
	out := presentResult(makeRows(11), sql, 10)
	require.Contains(t, out, "11 rows")
	require.Contains(t, out, sql)
	require.NotContains(t, out, "row-0", "oversized results must not be rendered inline")
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := int64(42)
	var nilPtr *int64

	require.Equal(t, "NULL", formatValue(nil))
	require.Equal(t, "NULL", formatValue(nilPtr))
	require.Equal(t, "42", formatValue(&n))
	require.Equal(t, "42", formatValue(n))
	require.Equal(t, "2026-03-01T12:00:00Z", formatValue(ts))
	require.Equal(t, "2026-03-01T12:00:00Z", formatValue(&ts))
	require.Equal(t, "hello", formatValue([]byte("hello")))
	require.Equal(t, "3.14", formatValue(3.14))
}

func TestTruncateSummary(t *testing.T) {
	short := "short summary"
	require.Equal(t, short, truncateSummary(short))

	long := strings.Repeat("x", summaryMaxLen+100)
	got := truncateSummary(long)
	require.Len(t, got, summaryMaxLen+3)
	require.True(t, strings.HasSuffix(got, "..."))
}
