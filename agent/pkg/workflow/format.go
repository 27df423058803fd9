package workflow

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

const (
	emptyResultMessage = "Query executed successfully. No results returned."
	summaryMaxLen      = 500 // result summary length bound for conversation memory
)

// cleanSQL strips markdown code fences and a trailing semicolon from an LLM
// response, leaving the bare statement.
func cleanSQL(response string) string {
	response = strings.TrimSpace(response)

	if idx := strings.Index(response, "```sql"); idx != -1 {
		start := idx + 6
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		} else {
			response = response[start:]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		} else {
			response = response[start:]
		}
	}

	response = strings.TrimSpace(response)
	response = strings.TrimSuffix(response, ";")
	return strings.TrimSpace(response)
}

// presentResult renders a query result as text for the response prompt.
// Results above maxRows are never rendered inline: the user gets the row
// count and the SQL to re-run instead, which keeps prompt size bounded no
// matter what the query returned.
func presentResult(res *Result, sql string, maxRows int) string {
	if len(res.Rows) == 0 {
		return emptyResultMessage
	}
	if len(res.Rows) > maxRows {
		return fmt.Sprintf(
			"The query returned %d rows, too many to display inline.\n\nSQL:\n%s\n\nRe-run this statement directly to page through the full result set.",
			len(res.Rows), sql)
	}

	var sb strings.Builder
	sb.WriteString("Columns: " + strings.Join(res.Columns, " | ") + "\n")
	sb.WriteString("---\n")
	for _, row := range res.Rows {
		values := make([]string, len(res.Columns))
		for i, col := range res.Columns {
			values[i] = formatValue(row[col])
		}
		sb.WriteString(strings.Join(values, " | ") + "\n")
	}
	return sb.String()
}

// formatValue renders one cell. Driver scan targets are often pointers, so
// dereference before printing.
func formatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "NULL"
		}
		rv = rv.Elem()
	}
	switch val := rv.Interface().(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case []byte:
		return string(val)
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// truncateSummary bounds a result rendering before it enters conversation
// memory.
func truncateSummary(s string) string {
	if len(s) <= summaryMaxLen {
		return s
	}
	return s[:summaryMaxLen] + "..."
}
