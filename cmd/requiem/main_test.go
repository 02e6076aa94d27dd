package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeCaseFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatalf("write case file: %v", err)
	}
}

func TestRunWithNoArgsShowsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"requiem"}, &stdout, &stderr)
	if code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
	if stdout.Len() == 0 {
		t.Error("expected usage text on stdout")
	}
}

func TestRunUnknownCommandReturnsUsageExit(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"requiem", "bogus"}, &stdout, &stderr)
	if code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
	if stderr.Len() == 0 {
		t.Error("expected error text on stderr")
	}
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"requiem", "version"}, &stdout, &stderr)
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if stdout.Len() == 0 {
		t.Error("expected version text on stdout")
	}
}

func TestRunDoctorSucceedsOutsideProduction(t *testing.T) {
	t.Setenv("REQUIEM_ENVIRONMENT", "development")
	t.Setenv("REQUIEM_AUTH_SECRET", "")
	var stdout, stderr bytes.Buffer
	code := Run([]string{"requiem", "doctor"}, &stdout, &stderr)
	if code != 0 {
		t.Errorf("exit code = %d, want 0, stderr=%s", code, stderr.String())
	}
}

func TestRunDoctorFailsInProductionWithoutSecret(t *testing.T) {
	t.Setenv("REQUIEM_ENVIRONMENT", "production")
	t.Setenv("REQUIEM_AUTH_SECRET", "")
	var stdout, stderr bytes.Buffer
	code := Run([]string{"requiem", "doctor"}, &stdout, &stderr)
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestRunEvalRequiresSuiteFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"requiem", "eval"}, &stdout, &stderr)
	if code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func TestRunEvalWithNoCasesPasses(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := Run([]string{"requiem", "eval", "--suite", dir}, &stdout, &stderr)
	if code != 0 {
		t.Errorf("exit code = %d, want 0, stderr=%s", code, stderr.String())
	}
}

func TestRunEvalJSONOutputOnUnknownTool(t *testing.T) {
	dir := t.TempDir()
	writeCaseFile(t, dir, "01.json", `{"golden":{"id":"c1","tool_name":"missing","input":{},"expected_output":{}}}`)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"requiem", "eval", "--suite", dir, "--json"}, &stdout, &stderr)
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
	var report map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("expected valid JSON report, got error: %v (output: %s)", err, stdout.String())
	}
}

func TestRunMemoryRequiresTenant(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"requiem", "memory", "list"}, &stdout, &stderr)
	if code != 2 {
		t.Errorf("exit code = %d, want 2, stderr=%s", code, stderr.String())
	}
}

func TestRunMemoryPutGetListDelete(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"requiem", "memory", "put", "--tenant", "acme", "--content", `{"note":"hello"}`}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("put exit code = %d, want 0, stderr=%s", code, stderr.String())
	}
	var item struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &item); err != nil {
		t.Fatalf("expected valid JSON item, got error: %v (output: %s)", err, stdout.String())
	}
	if item.ID == "" {
		t.Fatal("expected a non-empty item id")
	}

	stdout.Reset()
	code = Run([]string{"requiem", "memory", "get", "--tenant", "acme", "--id", item.ID}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("get exit code = %d, want 0, stderr=%s", code, stderr.String())
	}

	stdout.Reset()
	code = Run([]string{"requiem", "memory", "list", "--tenant", "acme"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("list exit code = %d, want 0, stderr=%s", code, stderr.String())
	}
	var items []map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &items); err != nil {
		t.Fatalf("expected valid JSON list, got error: %v (output: %s)", err, stdout.String())
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}

	code = Run([]string{"requiem", "memory", "delete", "--tenant", "acme", "--id", item.ID}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("delete exit code = %d, want 0, stderr=%s", code, stderr.String())
	}

	code = Run([]string{"requiem", "memory", "get", "--tenant", "acme", "--id", item.ID}, &stdout, &stderr)
	if code != 8 {
		t.Errorf("exit code = %d, want 8 after delete", code)
	}
}

func TestRunDoctorRoundTripsSQLiteBudgetAndMemstore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("REQUIEM_BUDGET_STORAGE_DRIVER", "sqlite")
	t.Setenv("REQUIEM_BUDGET_STORAGE_DSN", filepath.Join(dir, "budget.db"))
	t.Setenv("REQUIEM_MEMSTORE_DRIVER", "sqlite")
	t.Setenv("REQUIEM_MEMSTORE_DSN", filepath.Join(dir, "memstore.db"))

	var stdout, stderr bytes.Buffer
	code := Run([]string{"requiem", "doctor"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0, stderr=%s", code, stderr.String())
	}
}
