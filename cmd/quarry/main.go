// Command quarry is an interactive terminal client for the query agent:
// type a question, get an answer backed by read-only SQL.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/quarrylabs/quarry/agent/pkg/memory"
	"github.com/quarrylabs/quarry/agent/pkg/warehouse"
	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	"github.com/quarrylabs/quarry/api/config"
)

const defaultMaxTokens = 1024

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	memoryDSNFlag := flag.String("memory-dsn", "", "conversation memory DSN (postgres:// URL or SQLite path; default in-memory)")
	flag.Parse()

	_ = godotenv.Load()

	level := slog.LevelWarn
	if *verboseFlag {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	if err := config.Load(); err != nil {
		return err
	}
	defer func() { _ = config.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := *memoryDSNFlag
	if dsn == "" {
		dsn = config.MemoryDSN()
	}
	store, err := memory.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	model := anthropic.ModelClaudeHaiku4_5
	if m := os.Getenv("ANTHROPIC_MODEL"); m != "" {
		model = anthropic.Model(m)
	}

	prompts, err := workflow.LoadPrompts()
	if err != nil {
		return err
	}
	executor := warehouse.NewExecutor(config.DB, logger)
	wf, err := workflow.New(&workflow.Config{
		Logger:   logger,
		LLM:      workflow.NewAnthropicLLMClient(model, defaultMaxTokens),
		Executor: executor,
		Schema:   workflow.NewSchemaCache(warehouse.NewSchemaFetcher(config.DB, config.Database())),
		Memory:   store,
		Prompts:  prompts,
	})
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	fmt.Printf("quarry — ask questions about the %s database. Type 'quit' to exit.\n", config.Database())
	fmt.Printf("session: %s\n\n", sessionID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if question == "quit" || question == "exit" {
			break
		}

		result, err := wf.Run(ctx, question, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Printf("error: %v\n\n", err)
			continue
		}
		if result.GeneratedSQL != "" && *verboseFlag {
			fmt.Printf("sql: %s\n", result.GeneratedSQL)
		}
		fmt.Printf("%s\n\n", result.Answer)
	}
	return scanner.Err()
}
