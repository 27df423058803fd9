// Package workflow implements the query-resolution pipeline: a user question
// goes through scope classification, SQL generation, safety validation,
// warehouse execution with bounded retry, result formatting and response
// rendering, with every turn committed to conversation memory.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/quarrylabs/quarry/agent/pkg/memory"
)

// Fixed user-facing messages for turns that never reach the warehouse.
const (
	outOfScopeMessage = "I can only answer questions about the data in the warehouse. That question does not appear to be data-related."
	noHistoryMessage  = "There are no previous queries in this session to summarize. Ask a question about the data first."
)

// summaryRequestMarker is recorded in place of SQL when a turn was answered
// from conversation history instead of the warehouse.
const summaryRequestMarker = "SUMMARY_REQUEST"

// Workflow resolves user questions against the warehouse.
type Workflow struct {
	cfg *Config
	sem *semaphore.Weighted
}

// New validates the configuration and creates a Workflow.
func New(cfg *Config) (*Workflow, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Workflow{
		cfg: cfg,
		sem: semaphore.NewWeighted(cfg.MaxInFlight),
	}, nil
}

// turn carries the state of one question through the stages.
type turn struct {
	question     string
	sessionID    string
	generatedSQL string
	attempts     int
	presented    string
}

// Run resolves one question. It always returns a TurnResult with a
// user-facing answer unless the context is canceled or the input is empty;
// infrastructure failures become terminal outcomes, not returned errors.
// Every completed turn, failed or not, is committed to conversation memory.
func (w *Workflow) Run(ctx context.Context, question, sessionID string) (*TurnResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is empty")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer w.sem.Release(1)

	t := &turn{question: question, sessionID: sessionID}
	log := w.cfg.Logger.With("session_id", sessionID)

	// Stage 1: scope check.
	inScope, err := w.checkScope(ctx, t)
	if err != nil {
		return w.fail(ctx, log, t, err)
	}
	if !inScope {
		log.Info("workflow: question out of scope", "question", question)
		return w.finish(ctx, log, t, OutcomeOutOfScope, outOfScopeMessage, "out of scope")
	}

	// Questions about the conversation itself are answered from memory,
	// never from the warehouse.
	isSummary, err := w.classifyQuestionType(ctx, t)
	if err != nil {
		return w.fail(ctx, log, t, err)
	}
	if isSummary {
		return w.answerFromHistory(ctx, log, t)
	}

	// Stage 2: SQL generation.
	if err := w.generateSQL(ctx, t); err != nil {
		return w.fail(ctx, log, t, err)
	}
	log.Info("workflow: generated SQL", "sql", t.generatedSQL)

	// Stage 3: safety validation. Blocked SQL is still recorded so the
	// attempt is auditable.
	if verdict := Validate(t.generatedSQL); !verdict.Allowed {
		log.Warn("workflow: SQL blocked by validator", "sql", t.generatedSQL, "keyword", verdict.Keyword)
		answer := blockedMessage(verdict)
		return w.finish(ctx, log, t, OutcomeBlocked, answer, "blocked: "+verdict.Keyword)
	}

	// Stage 4: execution with bounded retry.
	result, err := w.execute(ctx, log, t)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		answer := fmt.Sprintf("I could not run the query against the warehouse: %s", err)
		return w.finish(ctx, log, t, OutcomeExecutionFailed, answer, "execution failed: "+err.Error())
	}

	// Stage 5: result formatting.
	t.presented = presentResult(result, t.generatedSQL, w.cfg.MaxTableRows)

	// Stage 6: response rendering.
	answer, err := w.render(ctx, t)
	if err != nil {
		return w.fail(ctx, log, t, err)
	}
	log.Info("workflow: turn answered", "attempts", t.attempts, "rows", len(result.Rows))
	return w.finish(ctx, log, t, OutcomeAnswered, answer, truncateSummary(t.presented))
}

// checkScope asks the classifier whether the question is answerable with
// warehouse SQL. Anything but an explicit yes is out of scope.
func (w *Workflow) checkScope(ctx context.Context, t *turn) (bool, error) {
	resp, err := w.cfg.LLM.Complete(ctx, w.cfg.Prompts.Scope, t.question)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(resp), "yes"), nil
}

// classifyQuestionType asks the model whether the question refers back to
// the conversation (summary) or asks for new data. A data question whose
// wording merely mentions a summary still goes to the warehouse.
func (w *Workflow) classifyQuestionType(ctx context.Context, t *turn) (bool, error) {
	resp, err := w.cfg.LLM.Complete(ctx, w.cfg.Prompts.QuestionType, t.question)
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToUpper(strings.TrimSpace(resp)), "SUMMARY_QUESTION"), nil
}

// answerFromHistory resolves a summary question from conversation memory.
// With no history there is nothing to summarize and no model call is made.
func (w *Workflow) answerFromHistory(ctx context.Context, log logger, t *turn) (*TurnResult, error) {
	records, err := w.recentHistory(ctx, log, t.sessionID)
	if err != nil {
		return w.fail(ctx, log, t, err)
	}
	if len(records) == 0 {
		log.Info("workflow: summary requested with empty history")
		return w.finish(ctx, log, t, OutcomeNoHistory, noHistoryMessage, "no history to summarize")
	}

	t.generatedSQL = summaryRequestMarker
	answer, err := w.cfg.LLM.Complete(ctx, w.cfg.Prompts.buildSummaryPrompt(memory.FormatHistory(records)), t.question)
	if err != nil {
		t.generatedSQL = ""
		return w.fail(ctx, log, t, err)
	}
	log.Info("workflow: answered from history", "records", len(records))
	return w.finish(ctx, log, t, OutcomeAnswered, answer, truncateSummary(answer))
}

// generateSQL builds the generation prompt from the cached schema and recent
// history and asks the model for a statement.
func (w *Workflow) generateSQL(ctx context.Context, t *turn) error {
	snap, err := w.cfg.Schema.Get(ctx)
	if err != nil {
		return err
	}
	records, err := w.recentHistory(ctx, w.cfg.Logger, t.sessionID)
	if err != nil {
		return err
	}

	prompt := w.cfg.Prompts.buildGeneratePrompt(snap.Format(), memory.FormatHistory(records))
	resp, err := w.cfg.LLM.Complete(ctx, prompt, t.question)
	if err != nil {
		return err
	}
	t.generatedSQL = cleanSQL(resp)
	if t.generatedSQL == "" {
		return fmt.Errorf("%w: model returned no SQL", ErrModelUnavailable)
	}
	return nil
}

// execute runs the validated statement, retrying transient failures with a
// fixed backoff. The statement is never altered between attempts, and the
// attempt count is bounded by MaxAttempts.
func (w *Workflow) execute(ctx context.Context, log logger, t *turn) (*Result, error) {
	var lastErr error
	for t.attempts < w.cfg.MaxAttempts {
		t.attempts++
		result, err := w.cfg.Executor.Execute(ctx, t.generatedSQL)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var execErr *ExecError
		if !errors.As(err, &execErr) || execErr.Kind != ExecTransient {
			log.Warn("workflow: query failed permanently", "attempt", t.attempts, "error", err)
			return nil, err
		}
		if t.attempts >= w.cfg.MaxAttempts {
			break
		}
		log.Warn("workflow: transient query failure, retrying",
			"attempt", t.attempts, "max_attempts", w.cfg.MaxAttempts, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.cfg.Clock.After(w.cfg.RetryBackoff):
		}
	}
	log.Warn("workflow: query failed after all attempts", "attempts", t.attempts, "error", lastErr)
	return nil, lastErr
}

// render turns the formatted result into a natural-language answer.
func (w *Workflow) render(ctx context.Context, t *turn) (string, error) {
	userPrompt := fmt.Sprintf("Question: %s\n\nSQL:\n%s\n\nResult:\n%s",
		t.question, t.generatedSQL, t.presented)
	return w.cfg.LLM.Complete(ctx, w.cfg.Prompts.Respond, userPrompt)
}

// recentHistory loads the bounded history window. A read failure degrades to
// an empty window rather than failing the turn.
func (w *Workflow) recentHistory(ctx context.Context, log logger, sessionID string) ([]memory.Record, error) {
	records, err := w.cfg.Memory.Recent(ctx, sessionID, w.cfg.HistoryLimit)
	if err != nil {
		log.Warn("workflow: failed to load conversation history", "error", err)
		return nil, nil
	}
	return records, nil
}

// fail maps infrastructure errors to terminal outcomes with user-facing
// messages. Context cancellation propagates as an error instead.
func (w *Workflow) fail(ctx context.Context, log logger, t *turn, err error) (*TurnResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	log.Error("workflow: turn failed", "error", err)
	switch {
	case errors.Is(err, ErrSchemaUnavailable):
		answer := "The warehouse schema is currently unavailable, so I cannot generate a query. Please try again shortly."
		return w.finish(ctx, log, t, OutcomeSchemaUnavailable, answer, "schema unavailable")
	case errors.Is(err, ErrModelUnavailable):
		answer := "The AI service is currently unavailable. Please try again shortly."
		return w.finish(ctx, log, t, OutcomeModelUnavailable, answer, "model unavailable")
	default:
		return nil, err
	}
}

// finish commits the turn to conversation memory and builds the result.
// The commit uses a detached context so a canceled request still leaves an
// audit record.
func (w *Workflow) finish(ctx context.Context, log logger, t *turn, outcome Outcome, answer, summary string) (*TurnResult, error) {
	succeeded := outcome == OutcomeAnswered
	rec := memory.Record{
		SessionID:     t.sessionID,
		CreatedAt:     time.Now().UTC(),
		Question:      t.question,
		GeneratedSQL:  t.generatedSQL,
		ResultSummary: summary,
		Succeeded:     succeeded,
	}
	if err := w.cfg.Memory.Append(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("workflow: failed to commit turn to memory", "error", err)
	}
	return &TurnResult{
		SessionID:    t.sessionID,
		Answer:       answer,
		GeneratedSQL: t.generatedSQL,
		Succeeded:    succeeded,
		Outcome:      outcome,
		Attempts:     t.attempts,
	}, nil
}

func blockedMessage(v Verdict) string {
	if v.Keyword == "" {
		return "Request blocked: the generated SQL was empty or unreadable. Only read-only SELECT queries are executed."
	}
	return fmt.Sprintf("Request blocked: the generated SQL contains %s, which is not allowed. Only read-only SELECT queries are executed.", v.Keyword)
}

// logger is the slog surface the pipeline uses.
type logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
