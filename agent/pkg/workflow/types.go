package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quarrylabs/quarry/agent/pkg/memory"
)

// Sentinel errors for turn-fatal infrastructure failures. Callers classify
// with errors.Is; the pipeline turns both into terminal user-facing messages.
var (
	ErrSchemaUnavailable = errors.New("schema unavailable")
	ErrModelUnavailable  = errors.New("model unavailable")
)

// LLMClient is the interface for interacting with an LLM.
type LLMClient interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Executor runs validated SQL against the warehouse.
type Executor interface {
	// Execute runs the statement and materializes all rows. Failures are
	// reported as *ExecError so the caller can distinguish transient from
	// permanent conditions.
	Execute(ctx context.Context, sql string) (*Result, error)
}

// Result holds a fully materialized query result.
type Result struct {
	Columns []string
	Rows    []map[string]any
}

// ExecErrorKind classifies an execution failure for retry purposes.
type ExecErrorKind string

const (
	// ExecTransient covers timeouts, connection resets and resource
	// saturation. Retrying the identical statement may succeed.
	ExecTransient ExecErrorKind = "transient"
	// ExecPermanent covers syntax errors, unknown identifiers and
	// permission failures. Retrying the same statement cannot succeed.
	ExecPermanent ExecErrorKind = "permanent"
)

// ExecError is a classified warehouse execution failure.
type ExecError struct {
	Kind    ExecErrorKind
	Code    int32 // warehouse error code when one was reported, 0 otherwise
	Message string
}

func (e *ExecError) Error() string {
	return e.Message
}

// NewExecError builds a classified execution error.
func NewExecError(kind ExecErrorKind, code int32, message string) *ExecError {
	return &ExecError{Kind: kind, Code: code, Message: message}
}

// Outcome is the terminal state of a turn. Every turn ends in exactly one.
type Outcome string

const (
	OutcomeAnswered          Outcome = "answered"
	OutcomeOutOfScope        Outcome = "out_of_scope"
	OutcomeBlocked           Outcome = "blocked"
	OutcomeNoHistory         Outcome = "no_history"
	OutcomeExecutionFailed   Outcome = "execution_failed"
	OutcomeSchemaUnavailable Outcome = "schema_unavailable"
	OutcomeModelUnavailable  Outcome = "model_unavailable"
)

// TurnResult is what one workflow invocation returns to the caller.
type TurnResult struct {
	SessionID    string  `json:"session_id"`
	Answer       string  `json:"answer"`
	GeneratedSQL string  `json:"generated_sql,omitempty"`
	Succeeded    bool    `json:"succeeded"`
	Outcome      Outcome `json:"outcome"`
	Attempts     int     `json:"attempts,omitempty"` // execution attempts consumed, 0 when no SQL ran
}

// Config holds the configuration for the workflow.
type Config struct {
	Logger   *slog.Logger
	LLM      LLMClient
	Executor Executor
	Schema   *SchemaCache
	Memory   memory.Store
	Prompts  *Prompts

	MaxAttempts  int           // total execution attempts per turn (default 3)
	MaxTableRows int           // rows rendered inline before falling back to count+SQL (default 10)
	HistoryLimit int           // conversation records embedded in prompts (default 5)
	RetryBackoff time.Duration // delay between execution attempts (default 500ms)
	MaxInFlight  int64         // concurrent turns before callers queue (default 8)
	Clock        clockwork.Clock
}

func (c *Config) validate() error {
	if c.LLM == nil {
		return fmt.Errorf("LLM client is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	if c.Schema == nil {
		return fmt.Errorf("schema cache is required")
	}
	if c.Memory == nil {
		return fmt.Errorf("conversation memory is required")
	}
	if c.Prompts == nil {
		return fmt.Errorf("prompts are required")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxTableRows <= 0 {
		c.MaxTableRows = 10
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
