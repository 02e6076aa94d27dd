package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/requiem/core/pkg/budget"
	"github.com/requiem/core/pkg/config"
	"github.com/requiem/core/pkg/eval"
	"github.com/requiem/core/pkg/guardrails"
	"github.com/requiem/core/pkg/ids"
	"github.com/requiem/core/pkg/memstore"
	"github.com/requiem/core/pkg/pipeline"
	"github.com/requiem/core/pkg/policy"
	"github.com/requiem/core/pkg/redact"
	"github.com/requiem/core/pkg/replaycache"
	"github.com/requiem/core/pkg/sandbox"
	"github.com/requiem/core/pkg/telemetry"
	"github.com/requiem/core/pkg/toolregistry"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the CLI entrypoint, exposed separately from main for testing.
// Exit codes: 0 success, 2 usage, 3 config, 4 network, 5 policy denied,
// 6 signature failure, 7 replay/determinism drift, 8 system, 9 timeout,
// 1 generic.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "doctor":
		return runDoctor(stdout, stderr)
	case "eval":
		return runEval(args[2:], stdout, stderr)
	case "memory":
		return runMemory(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "requiem %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "requiem — provable AI control-plane runtime")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "usage: requiem <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  doctor   validate the environment configuration and durable backends")
	fmt.Fprintln(w, "  eval     run a golden/adversarial suite against a sample pipeline")
	fmt.Fprintln(w, "  memory   inspect the memory store (put/get/list/delete)")
	fmt.Fprintln(w, "  version  print the build version")
	fmt.Fprintln(w, "  help     show this message")
}

func runDoctor(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		return 3
	}
	fmt.Fprintf(stdout, "environment:      %s\n", cfg.Environment)
	fmt.Fprintf(stdout, "decision_engine:  %s\n", cfg.DecisionEngine)
	fmt.Fprintf(stdout, "log_level:        %s\n", cfg.LogLevel)
	fmt.Fprintf(stdout, "minimal:          %v\n", cfg.Minimal)
	fmt.Fprintf(stdout, "force_reference:  %v\n", cfg.ForceReference)
	fmt.Fprintf(stdout, "budget_storage:   %s\n", cfg.BudgetStorageDriver)
	fmt.Fprintf(stdout, "memstore:         %s\n", cfg.MemstoreDriver)
	fmt.Fprintf(stdout, "replay_cache:     %s\n", cfg.ReplayCacheDriver)

	clock := ids.WallClock{}
	ctx := context.Background()
	durable, err := buildDurableComponents(ctx, cfg, clock, defaultBudgetConfigs)
	if err != nil {
		fmt.Fprintf(stderr, "durable backend error: %v\n", err)
		return 3
	}
	defer func() { _ = durable.close() }()

	if err := roundTripCheck(ctx, durable); err != nil {
		fmt.Fprintf(stderr, "durable backend round-trip failed: %v\n", err)
		return 3
	}

	fmt.Fprintln(stdout, "config: OK")
	return 0
}

// roundTripCheck exercises every durable component once so doctor fails
// loudly on a misconfigured DSN or unreachable backend rather than
// deferring the failure to the first real request.
func roundTripCheck(ctx context.Context, d *durableComponents) error {
	const doctorTenant = "doctor"

	if _, ferr := d.checker.Check(doctorTenant, 0); ferr != nil {
		return fmt.Errorf("budget checker: %s", ferr.Message)
	}

	item, ferr := d.store.Store(doctorTenant, map[string]any{"probe": "doctor"}, nil)
	if ferr != nil {
		return fmt.Errorf("memstore: %s", ferr.Message)
	}
	if ferr := d.store.Delete(doctorTenant, item.ID); ferr != nil {
		return fmt.Errorf("memstore delete: %s", ferr.Message)
	}

	if d.cache.Enabled() {
		key := d.cache.Key("doctor-probe", nil)
		d.cache.Set(key, replaycache.Entry{Output: "ok", CachedAt: time.Now().UTC()})
		if _, outcome := d.cache.Get(key); outcome != replaycache.Hit {
			return fmt.Errorf("replay cache: probe entry did not round-trip")
		}
		d.cache.InvalidateTool("doctor-probe")
	}

	return nil
}

func defaultBudgetConfigs(string) budget.Config {
	return budget.Config{MaxCostCents: 1_000_000, WindowSeconds: 60}
}

func runEval(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("eval", flag.ContinueOnError)
	fs.SetOutput(stderr)
	suiteDir := fs.String("suite", "", "directory of golden/adversarial case files (required)")
	jsonOutput := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *suiteDir == "" {
		fmt.Fprintln(stderr, "eval: --suite is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		return 3
	}

	suite, err := eval.LoadSuite(*suiteDir)
	if err != nil {
		fmt.Fprintf(stderr, "eval: %v\n", err)
		return 2
	}

	ctx := context.Background()
	pl, closeDurable, err := newConfiguredPipeline(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "durable backend error: %v\n", err)
		return 3
	}
	defer func() { _ = closeDurable() }()

	runner := eval.NewRunner(pl)
	report := runner.Run(ctx, suite)

	if *jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		printReport(stdout, report)
	}

	if !report.Pass {
		return 7
	}
	return 0
}

func printReport(w io.Writer, report eval.Report) {
	for _, r := range report.Golden {
		status := "PASS"
		if !r.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(w, "[golden %s] %s (%sms)\n", status, r.CaseID, humanize.Comma(r.DurationMs))
		for _, m := range r.Mismatches {
			fmt.Fprintf(w, "  mismatch at %s: expected %v, got %v\n", m.Path, m.Expected, m.Actual)
		}
	}
	for _, r := range report.Adversarial {
		status := "PASS"
		if !r.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(w, "[adversarial %s] %s (expected %s, got %s, %sms)\n", status, r.CaseID, r.ExpectedCode, r.ActualCode, humanize.Comma(r.DurationMs))
	}
}

type stdoutSink struct{}

func (stdoutSink) Log(telemetry.LogEntry)          {}
func (stdoutSink) Span(telemetry.Span)             {}
func (stdoutSink) RecordCost(telemetry.CostRecord) {}

// newConfiguredPipeline wires an in-process pipeline with no registered
// tools, for shape-validating a suite's case files before wiring a real
// tool registry in an embedding process. Its budget checker and replay
// cache are whatever cfg names: the in-process defaults, or a durable
// backend opened for the lifetime of the call — the returned closer
// must run once the pipeline is no longer needed.
func newConfiguredPipeline(ctx context.Context, cfg *config.Config) (*pipeline.Pipeline, func() error, error) {
	clock := ids.WallClock{}
	registry := toolregistry.New()
	limiter := budget.NewRateLimiter(clock, 1000, 1000)
	chain := guardrails.NewDefaultChain(limiter)

	durable, err := buildDurableComponents(ctx, cfg, clock, defaultBudgetConfigs)
	if err != nil {
		return nil, nil, err
	}

	gate := policy.New(chain, durable.checker)
	sink := telemetry.NewRedactingSink(stdoutSink{}, redact.New())

	pl := pipeline.New(registry, sandbox.NewTracker(), gate, durable.checker, durable.cache, sink, clock, redact.New(), pipeline.Versions{
		SchemaVersion:   "1.0.0",
		EngineVersion:   version,
		PlatformVersion: "1.0.0",
	})
	return pl, durable.close, nil
}

// runMemory exercises the configured memory store directly, outside the
// invoke_tool pipeline: "requiem memory put|get|list|delete", each
// scoped to a --tenant.
func runMemory(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "memory: expected a subcommand (put, get, list, delete)")
		return 2
	}
	sub := args[0]
	fs := flag.NewFlagSet("memory "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenant := fs.String("tenant", "", "tenant id (required)")
	id := fs.String("id", "", "memory item id")
	content := fs.String("content", "", "JSON content to store")
	limit := fs.Int("limit", 100, "max items to list")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if *tenant == "" {
		fmt.Fprintln(stderr, "memory: --tenant is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		return 3
	}
	ctx := context.Background()
	clock := ids.WallClock{}
	closers := make([]func() error, 0, 1)
	store, err := buildMemStore(ctx, cfg, clock, &closers)
	if err != nil {
		fmt.Fprintf(stderr, "memstore error: %v\n", err)
		return 3
	}
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()

	switch sub {
	case "put":
		var payload any
		if *content != "" {
			if err := json.Unmarshal([]byte(*content), &payload); err != nil {
				fmt.Fprintf(stderr, "memory: --content is not valid JSON: %v\n", err)
				return 2
			}
		}
		item, ferr := store.Store(*tenant, payload, nil)
		if ferr != nil {
			fmt.Fprintf(stderr, "memory: %s\n", ferr.Message)
			return 8
		}
		return printMemoryItem(stdout, item)
	case "get":
		if *id == "" {
			fmt.Fprintln(stderr, "memory: --id is required for get")
			return 2
		}
		item, ferr := store.GetByID(*tenant, *id)
		if ferr != nil {
			fmt.Fprintf(stderr, "memory: %s\n", ferr.Message)
			return 8
		}
		return printMemoryItem(stdout, item)
	case "list":
		items, ferr := store.List(*tenant, *limit)
		if ferr != nil {
			fmt.Fprintf(stderr, "memory: %s\n", ferr.Message)
			return 8
		}
		data, _ := json.MarshalIndent(items, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	case "delete":
		if *id == "" {
			fmt.Fprintln(stderr, "memory: --id is required for delete")
			return 2
		}
		if ferr := store.Delete(*tenant, *id); ferr != nil {
			fmt.Fprintf(stderr, "memory: %s\n", ferr.Message)
			return 8
		}
		fmt.Fprintln(stdout, "deleted")
		return 0
	default:
		fmt.Fprintf(stderr, "memory: unknown subcommand %q\n", sub)
		return 2
	}
}

func printMemoryItem(w io.Writer, item *memstore.MemoryItem) int {
	data, _ := json.MarshalIndent(item, "", "  ")
	fmt.Fprintln(w, string(data))
	return 0
}
