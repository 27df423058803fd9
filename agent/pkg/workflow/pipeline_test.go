package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/agent/pkg/memory"
)

type llmCall struct {
	system string
	user   string
}

// fakeLLM pops scripted responses in call order and records every call.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	calls     []llmCall
	err       error
}

func (f *fakeLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, llmCall{system: systemPrompt, user: userPrompt})
	if f.err != nil {
		return "", fmt.Errorf("%w: %v", ErrModelUnavailable, f.err)
	}
	if len(f.responses) == 0 {
		return "", fmt.Errorf("%w: unexpected LLM call %d", ErrModelUnavailable, len(f.calls))
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) call(i int) llmCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// fakeExecutor returns script[i] on call i; a nil entry (or running off the
// end of the script) yields result.
type fakeExecutor struct {
	mu     sync.Mutex
	script []error
	result *Result
	sqls   []string
}

func (f *fakeExecutor) Execute(ctx context.Context, sql string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.sqls)
	f.sqls = append(f.sqls, sql)
	if idx < len(f.script) && f.script[idx] != nil {
		return nil, f.script[idx]
	}
	if f.result != nil {
		return f.result, nil
	}
	return &Result{Columns: []string{"cnt"}, Rows: []map[string]any{{"cnt": int64(5)}}}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sqls)
}

func newTestWorkflow(t *testing.T, llm *fakeLLM, exec *fakeExecutor) (*Workflow, memory.Store) {
	t.Helper()
	store, err := memory.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	prompts, err := LoadPrompts()
	require.NoError(t, err)

	wf, err := New(&Config{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		LLM:          llm,
		Executor:     exec,
		Schema:       NewSchemaCache(&blockingFetcher{snap: testSnapshot()}),
		Memory:       store,
		Prompts:      prompts,
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return wf, store
}

func onlyRecord(t *testing.T, store memory.Store, sessionID string) memory.Record {
	t.Helper()
	records, err := store.Recent(context.Background(), sessionID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	return records[0]
}

func TestRun_AnswersDataQuestion(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		"yes",
		"NEW_QUERY",
		"```sql\nSELECT count(*) AS cnt FROM customer JOIN nation ON c_nationkey = n_nationkey WHERE n_name = 'CHINA';\n```",
		"There are 5 customers from CHINA.",
	}}
	exec := &fakeExecutor{}
	wf, store := newTestWorkflow(t, llm, exec)

	res, err := wf.Run(context.Background(), "How many customers are from CHINA?", "s1")
	require.NoError(t, err)
	require.True(t, res.Succeeded)
	require.Equal(t, OutcomeAnswered, res.Outcome)
	require.Equal(t, "There are 5 customers from CHINA.", res.Answer)
	require.Equal(t, 1, res.Attempts)
	require.NotContains(t, res.GeneratedSQL, "```")
	require.NotContains(t, res.GeneratedSQL, ";")
	require.Equal(t, 1, exec.callCount())
	require.Equal(t, 4, llm.callCount())

	// The render call sees the formatted result, not raw rows.
	render := llm.call(3)
	require.Contains(t, render.user, "Result:")
	require.Contains(t, render.user, "cnt")

	rec := onlyRecord(t, store, "s1")
	require.True(t, rec.Succeeded)
	require.Equal(t, res.GeneratedSQL, rec.GeneratedSQL)
}

func TestRun_OutOfScope(t *testing.T) {
	llm := &fakeLLM{responses: []string{"no"}}
	exec := &fakeExecutor{}
	wf, store := newTestWorkflow(t, llm, exec)

	res, err := wf.Run(context.Background(), "What's the weather in Paris?", "s1")
	require.NoError(t, err)
	require.False(t, res.Succeeded)
	require.Equal(t, OutcomeOutOfScope, res.Outcome)
	require.Equal(t, outOfScopeMessage, res.Answer)
	require.Empty(t, res.GeneratedSQL)
	require.Equal(t, 0, exec.callCount())
	require.Equal(t, 1, llm.callCount())

	rec := onlyRecord(t, store, "s1")
	require.False(t, rec.Succeeded)
	require.Empty(t, rec.GeneratedSQL)
}

func TestRun_BlocksDestructiveSQL(t *testing.T) {
	llm := &fakeLLM{responses: []string{"yes", "NEW_QUERY", "DELETE FROM orders WHERE o_orderkey > 0"}}
	exec := &fakeExecutor{}
	wf, store := newTestWorkflow(t, llm, exec)

	res, err := wf.Run(context.Background(), "Delete all orders", "s1")
	require.NoError(t, err)
	require.False(t, res.Succeeded)
	require.Equal(t, OutcomeBlocked, res.Outcome)
	require.Contains(t, res.Answer, "DELETE")
	require.Contains(t, res.Answer, "blocked")
	require.Equal(t, 0, exec.callCount(), "blocked SQL must never reach the warehouse")

	// The blocked statement is still auditable in memory.
	rec := onlyRecord(t, store, "s1")
	require.False(t, rec.Succeeded)
	require.Contains(t, rec.GeneratedSQL, "DELETE")
}

func TestRun_RetriesTransientThenSucceeds(t *testing.T) {
	transient := NewExecError(ExecTransient, 209, "socket timeout")
	llm := &fakeLLM{responses: []string{"yes", "NEW_QUERY", "SELECT 1", "One."}}
	exec := &fakeExecutor{script: []error{transient, transient, nil}}
	wf, _ := newTestWorkflow(t, llm, exec)

	res, err := wf.Run(context.Background(), "How many rows?", "s1")
	require.NoError(t, err)
	require.True(t, res.Succeeded)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, 3, exec.callCount())
	// The statement is never altered between attempts.
	require.Equal(t, exec.sqls[0], exec.sqls[1])
	require.Equal(t, exec.sqls[1], exec.sqls[2])
}

func TestRun_RetryBudgetExhausted(t *testing.T) {
	transient := NewExecError(ExecTransient, 209, "socket timeout")
	llm := &fakeLLM{responses: []string{"yes", "NEW_QUERY", "SELECT 1", "unused"}}
	exec := &fakeExecutor{script: []error{transient, transient, transient, transient}}
	wf, store := newTestWorkflow(t, llm, exec)

	res, err := wf.Run(context.Background(), "How many rows?", "s1")
	require.NoError(t, err)
	require.False(t, res.Succeeded)
	require.Equal(t, OutcomeExecutionFailed, res.Outcome)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, 3, exec.callCount(), "a turn never runs more than MaxAttempts executions")
	require.Contains(t, res.Answer, "could not run the query")

	rec := onlyRecord(t, store, "s1")
	require.False(t, rec.Succeeded)
}

func TestRun_PermanentErrorDoesNotRetry(t *testing.T) {
	permanent := NewExecError(ExecPermanent, 62, "syntax error")
	llm := &fakeLLM{responses: []string{"yes", "NEW_QUERY", "SELECT bogus FROM nowhere", "unused"}}
	exec := &fakeExecutor{script: []error{permanent}}
	wf, _ := newTestWorkflow(t, llm, exec)

	res, err := wf.Run(context.Background(), "How many rows?", "s1")
	require.NoError(t, err)
	require.False(t, res.Succeeded)
	require.Equal(t, OutcomeExecutionFailed, res.Outcome)
	require.Equal(t, 1, exec.callCount(), "permanent failures must not be retried")
}

func TestRun_SummaryWithEmptyHistory(t *testing.T) {
	llm := &fakeLLM{responses: []string{"yes", "SUMMARY_QUESTION"}}
	exec := &fakeExecutor{}
	wf, store := newTestWorkflow(t, llm, exec)

	res, err := wf.Run(context.Background(), "Summarize what we discussed", "s1")
	require.NoError(t, err)
	require.False(t, res.Succeeded)
	require.Equal(t, OutcomeNoHistory, res.Outcome)
	require.Equal(t, noHistoryMessage, res.Answer)
	require.Empty(t, res.GeneratedSQL)
	require.Equal(t, 0, exec.callCount())
	require.Equal(t, 2, llm.callCount(), "no summarization call without history")

	rec := onlyRecord(t, store, "s1")
	require.False(t, rec.Succeeded)
}

func TestRun_SummaryAnsweredFromHistory(t *testing.T) {
	llm := &fakeLLM{responses: []string{"yes", "SUMMARY_QUESTION", "You asked how many customers are from CHINA; there were 5."}}
	exec := &fakeExecutor{}
	wf, store := newTestWorkflow(t, llm, exec)

	require.NoError(t, store.Append(context.Background(), memory.Record{
		SessionID:     "s1",
		Question:      "How many customers are from CHINA?",
		GeneratedSQL:  "SELECT count(*) FROM customer",
		ResultSummary: "cnt: 5",
		Succeeded:     true,
	}))

	res, err := wf.Run(context.Background(), "Summarize what we discussed", "s1")
	require.NoError(t, err)
	require.True(t, res.Succeeded)
	require.Equal(t, OutcomeAnswered, res.Outcome)
	require.Equal(t, summaryRequestMarker, res.GeneratedSQL)
	require.Equal(t, 0, exec.callCount(), "summary turns never touch the warehouse")

	// The summarization prompt carries the prior turn.
	summaryCall := llm.call(2)
	require.Contains(t, summaryCall.system, "How many customers are from CHINA?")

	records, err := store.Recent(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, summaryRequestMarker, records[1].GeneratedSQL)
}

func TestRun_DataQuestionMentioningSummaryReachesWarehouse(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		"yes",
		"NEW_QUERY",
		"SELECT n_name, count(*) FROM customer JOIN nation ON c_nationkey = n_nationkey GROUP BY n_name",
		"Customers per nation: ...",
	}}
	exec := &fakeExecutor{}
	wf, _ := newTestWorkflow(t, llm, exec)

	// A first-turn data question that merely mentions a summary must generate
	// SQL, not be rejected for having no history.
	res, err := wf.Run(context.Background(), "Give me a summary of customers by nation", "fresh-session")
	require.NoError(t, err)
	require.True(t, res.Succeeded)
	require.Equal(t, OutcomeAnswered, res.Outcome)
	require.Equal(t, 1, exec.callCount())
	require.NotEqual(t, summaryRequestMarker, res.GeneratedSQL)

	// The classification call carries the question-type prompt, not a prefix
	// match on the question text.
	classify := llm.call(1)
	require.Contains(t, classify.system, "SUMMARY_QUESTION")
	require.Contains(t, classify.system, "NEW_QUERY")
	require.Equal(t, "Give me a summary of customers by nation", classify.user)
}

func TestRun_OversizedResultStaysOutOfPrompt(t *testing.T) {
	result := &Result{Columns: []string{"id"}}
	for i := range 11 {
		result.Rows = append(result.Rows, map[string]any{"id": int64(i)})
	}
	llm := &fakeLLM{responses: []string{"yes", "NEW_QUERY", "SELECT id FROM orders", "The query matched 11 rows."}}
	exec := &fakeExecutor{result: result}
	wf, store := newTestWorkflow(t, llm, exec)

	res, err := wf.Run(context.Background(), "List all order ids", "s1")
	require.NoError(t, err)
	require.True(t, res.Succeeded)

	render := llm.call(3)
	require.Contains(t, render.user, "11 rows")
	require.Contains(t, render.user, "SELECT id FROM orders")
	require.NotContains(t, render.user, "Columns: id", "oversized results must not be rendered inline")

	rec := onlyRecord(t, store, "s1")
	require.LessOrEqual(t, len(rec.ResultSummary), summaryMaxLen+3)
}

func TestRun_ModelUnavailable(t *testing.T) {
	llm := &fakeLLM{err: fmt.Errorf("api overloaded")}
	exec := &fakeExecutor{}
	wf, store := newTestWorkflow(t, llm, exec)

	res, err := wf.Run(context.Background(), "How many customers?", "s1")
	require.NoError(t, err)
	require.False(t, res.Succeeded)
	require.Equal(t, OutcomeModelUnavailable, res.Outcome)
	require.Contains(t, res.Answer, "unavailable")
	require.Equal(t, 0, exec.callCount())

	rec := onlyRecord(t, store, "s1")
	require.False(t, rec.Succeeded)
}

func TestRun_SchemaUnavailable(t *testing.T) {
	llm := &fakeLLM{responses: []string{"yes", "NEW_QUERY"}}
	exec := &fakeExecutor{}

	store, err := memory.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	prompts, err := LoadPrompts()
	require.NoError(t, err)
	wf, err := New(&Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		LLM:      llm,
		Executor: exec,
		Schema:   NewSchemaCache(&blockingFetcher{err: fmt.Errorf("connection refused")}),
		Memory:   store,
		Prompts:  prompts,
	})
	require.NoError(t, err)

	res, err := wf.Run(context.Background(), "How many customers?", "s1")
	require.NoError(t, err)
	require.False(t, res.Succeeded)
	require.Equal(t, OutcomeSchemaUnavailable, res.Outcome)
	require.Contains(t, res.Answer, "schema")
	require.Equal(t, 0, exec.callCount())
}

func TestRun_EmptyQuestion(t *testing.T) {
	wf, _ := newTestWorkflow(t, &fakeLLM{}, &fakeExecutor{})
	_, err := wf.Run(context.Background(), "   ", "s1")
	require.Error(t, err)
}

func TestRun_GeneratesSessionID(t *testing.T) {
	llm := &fakeLLM{responses: []string{"no"}}
	wf, _ := newTestWorkflow(t, llm, &fakeExecutor{})

	res, err := wf.Run(context.Background(), "Anything", "")
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)
	_, err = uuid.Parse(res.SessionID)
	require.NoError(t, err)
}

func TestRun_HistoryWindowIsBounded(t *testing.T) {
	llm := &fakeLLM{responses: []string{"yes", "NEW_QUERY", "SELECT 1", "One."}}
	exec := &fakeExecutor{}
	wf, store := newTestWorkflow(t, llm, exec)

	for i := 1; i <= 7; i++ {
		require.NoError(t, store.Append(context.Background(), memory.Record{
			SessionID:     "s1",
			Question:      fmt.Sprintf("question-%d", i),
			GeneratedSQL:  "SELECT 1",
			ResultSummary: "ok",
			Succeeded:     true,
		}))
	}

	_, err := wf.Run(context.Background(), "How many customers?", "s1")
	require.NoError(t, err)

	generate := llm.call(2)
	require.Contains(t, generate.system, "question-7")
	require.Contains(t, generate.system, "question-3")
	require.NotContains(t, generate.system, "question-2", "only the 5 most recent turns enter the prompt")
	require.NotContains(t, generate.system, "question-1\n")
}
