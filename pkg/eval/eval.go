// Package eval drives the golden-case and adversarial suites against a
// live pipeline and reports structural, path-wise divergence. It never
// writes back to the case files it loads — a run produces a report, not
// a mutation.
package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/requiem/core/pkg/errs"
	"github.com/requiem/core/pkg/ids"
	"github.com/requiem/core/pkg/pipeline"
)

// GoldenCase asserts that invoking ToolName with Input under Tenant
// produces exactly ExpectedOutput.
type GoldenCase struct {
	ID             string         `json:"id"`
	ToolName       string         `json:"tool_name"`
	Input          map[string]any `json:"input"`
	ExpectedOutput map[string]any `json:"expected_output"`
	Tenant         ids.Tenant     `json:"tenant"`
}

// AdversarialCase asserts that invoking ToolName with Input under Tenant
// is rejected with ExpectErrorCode — probing a policy boundary,
// tenant-isolation boundary, or sandbox confinement rather than a
// correctness property.
type AdversarialCase struct {
	ID              string         `json:"id"`
	ToolName        string         `json:"tool_name"`
	Input           map[string]any `json:"input"`
	Tenant          ids.Tenant     `json:"tenant"`
	ExpectErrorCode errs.Code      `json:"expect_error_code"`
}

// Suite is the full set of cases loaded from a directory.
type Suite struct {
	Golden      []GoldenCase
	Adversarial []AdversarialCase
}

// suiteFile is the on-disk shape of one case file: exactly one of the
// two case kinds is present.
type suiteFile struct {
	Golden      *GoldenCase      `json:"golden,omitempty"`
	Adversarial *AdversarialCase `json:"adversarial,omitempty"`
}

// LoadSuite reads every *.json file directly under dir (non-recursive)
// as a case file. Files are read in lexical filename order so a suite
// run is reproducible across machines.
func LoadSuite(dir string) (*Suite, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("eval: read suite dir %q: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	suite := &Suite{}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("eval: read case file %q: %w", name, err)
		}
		var f suiteFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("eval: parse case file %q: %w", name, err)
		}
		switch {
		case f.Golden != nil:
			suite.Golden = append(suite.Golden, *f.Golden)
		case f.Adversarial != nil:
			suite.Adversarial = append(suite.Adversarial, *f.Adversarial)
		default:
			return nil, fmt.Errorf("eval: case file %q names neither a golden nor an adversarial case", name)
		}
	}
	return suite, nil
}

// Mismatch is one path-wise divergence between an actual and expected
// value.
type Mismatch struct {
	Path     string `json:"path"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual"`
}

// GoldenResult is the outcome of one golden case.
type GoldenResult struct {
	CaseID     string      `json:"case_id"`
	Pass       bool        `json:"pass"`
	Mismatches []Mismatch  `json:"mismatches,omitempty"`
	Err        *errs.Error `json:"error,omitempty"`
	DurationMs int64       `json:"duration_ms"`
}

// AdversarialResult is the outcome of one adversarial case.
type AdversarialResult struct {
	CaseID       string    `json:"case_id"`
	Pass         bool      `json:"pass"`
	ExpectedCode errs.Code `json:"expected_code"`
	ActualCode   errs.Code `json:"actual_code,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
}

// Report is the outcome of a full suite run.
type Report struct {
	Golden      []GoldenResult
	Adversarial []AdversarialResult
	Pass        bool
}

// Runner drives a Suite against a Pipeline.
type Runner struct {
	Pipeline *pipeline.Pipeline
}

// NewRunner constructs a Runner around an already-wired pipeline.
func NewRunner(p *pipeline.Pipeline) *Runner {
	return &Runner{Pipeline: p}
}

func syntheticContext(tenant ids.Tenant, caseID string) ids.InvocationContext {
	if tenant.Role == "" {
		tenant.Role = ids.RoleAdmin
	}
	return ids.InvocationContext{
		Tenant:      tenant,
		TraceID:     "eval_" + caseID,
		Environment: ids.EnvTest,
	}
}

// Run executes every case in suite and returns the aggregate report. A
// case's own failure never aborts the run — every case always gets a
// result.
func (r *Runner) Run(ctx context.Context, suite *Suite) Report {
	report := Report{Pass: true}
	for _, c := range suite.Golden {
		res := r.runGolden(ctx, c)
		report.Golden = append(report.Golden, res)
		if !res.Pass {
			report.Pass = false
		}
	}
	for _, c := range suite.Adversarial {
		res := r.runAdversarial(ctx, c)
		report.Adversarial = append(report.Adversarial, res)
		if !res.Pass {
			report.Pass = false
		}
	}
	return report
}

func (r *Runner) runGolden(ctx context.Context, c GoldenCase) GoldenResult {
	invCtx := syntheticContext(c.Tenant, c.ID)
	start := ids.NowFrom(r.Pipeline.Clock)
	env, ferr := r.Pipeline.Invoke(ctx, invCtx, c.ToolName, c.Input)
	elapsed := ids.NowFrom(r.Pipeline.Clock).Sub(start).Milliseconds()
	if ferr != nil {
		return GoldenResult{CaseID: c.ID, Pass: false, Err: ferr, DurationMs: elapsed}
	}
	actual, ok := env.Result.(map[string]any)
	if !ok {
		actual = map[string]any{}
	}
	mismatches := diff("", c.ExpectedOutput, actual)
	return GoldenResult{CaseID: c.ID, Pass: len(mismatches) == 0, Mismatches: mismatches, DurationMs: elapsed}
}

func (r *Runner) runAdversarial(ctx context.Context, c AdversarialCase) AdversarialResult {
	invCtx := syntheticContext(c.Tenant, c.ID)
	start := ids.NowFrom(r.Pipeline.Clock)
	_, ferr := r.Pipeline.Invoke(ctx, invCtx, c.ToolName, c.Input)
	elapsed := ids.NowFrom(r.Pipeline.Clock).Sub(start).Milliseconds()
	if ferr == nil {
		return AdversarialResult{CaseID: c.ID, Pass: false, ExpectedCode: c.ExpectErrorCode, Detail: "invocation unexpectedly succeeded", DurationMs: elapsed}
	}
	pass := ferr.Code == c.ExpectErrorCode
	return AdversarialResult{CaseID: c.ID, Pass: pass, ExpectedCode: c.ExpectErrorCode, ActualCode: ferr.Code, DurationMs: elapsed}
}

// diff walks expected and actual structurally, returning every path
// where they disagree. Extra keys in actual that expected doesn't
// mention are not reported — a golden case asserts what it cares about,
// not a byte-exact shape.
func diff(path string, expected, actual any) []Mismatch {
	switch ev := expected.(type) {
	case map[string]any:
		av, ok := actual.(map[string]any)
		if !ok {
			return []Mismatch{{Path: path, Expected: expected, Actual: actual}}
		}
		var out []Mismatch
		keys := make([]string, 0, len(ev))
		for k := range ev {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			childActual, present := av[k]
			if !present {
				out = append(out, Mismatch{Path: childPath, Expected: ev[k], Actual: nil})
				continue
			}
			out = append(out, diff(childPath, ev[k], childActual)...)
		}
		return out
	case []any:
		av, ok := actual.([]any)
		if !ok || len(av) != len(ev) {
			return []Mismatch{{Path: path, Expected: expected, Actual: actual}}
		}
		var out []Mismatch
		for i := range ev {
			out = append(out, diff(fmt.Sprintf("%s[%d]", path, i), ev[i], av[i])...)
		}
		return out
	default:
		if fmt.Sprint(expected) != fmt.Sprint(actual) {
			return []Mismatch{{Path: path, Expected: expected, Actual: actual}}
		}
		return nil
	}
}
