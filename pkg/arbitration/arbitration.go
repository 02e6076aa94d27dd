// Package arbitration implements deterministic provider/model selection
// under requirements and constraints, gated by the circuit breaker.
// Arbitration is opt-in: when disabled, Select always returns nil and
// callers must use their own pinned provider.
package arbitration

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/requiem/core/pkg/canon"
	"github.com/requiem/core/pkg/circuit"
)

// Strategy names the selection algorithm.
type Strategy string

const (
	StrategyCostOptimized    Strategy = "cost-optimized"
	StrategyLatencyOptimized Strategy = "latency-optimized"
	StrategyQualityFirst     Strategy = "quality-first"
	StrategyBalanced         Strategy = "balanced"
	StrategyDeterministicHash Strategy = "deterministic-hash"
)

// Candidate is one registered provider:model pairing available for
// selection.
type Candidate struct {
	Provider         string
	Model            string
	QualityScore     float64 // 0..1, higher is better
	CostCents        int64
	LatencyMs        int64
}

// Key returns the "provider:model" circuit breaker key for c.
func (c Candidate) Key() string { return c.Provider + ":" + c.Model }

// Constraints narrow the candidate set by provider/model allow/block
// lists.
type Constraints struct {
	AllowProviders []string
	BlockProviders []string
	AllowModels    []string
	BlockModels    []string
}

// Requirements narrow the candidate set by quality/cost/latency
// ceilings.
type Requirements struct {
	MinQualityScore float64
	MaxCostCents    int64 // 0 means unconstrained
	MaxLatencyMs    int64 // 0 means unconstrained
}

// Request is an arbitration request. InputFingerprint is SHA-256 hex —
// the one place in the runtime SHA-256 is used instead of BLAKE3, kept
// distinct from content digests so an accidental digest-family mixup is
// structurally visible.
type Request struct {
	Purpose          string
	TenantID         string
	RunID            string
	StepID           string
	InputFingerprint string
	Requirements     Requirements
	Constraints      Constraints
	Context          map[string]any
}

// Fingerprint computes the SHA-256 hex fingerprint of an arbitrary input
// value via the same canonical normalization used for content digests,
// so the fingerprint is stable regardless of map key order.
func Fingerprint(input any) string {
	normalized := canon.Normalize(input)
	bytes, err := canon.Bytes(normalized)
	if err != nil {
		bytes = []byte{}
	}
	sum := sha256.Sum256(bytes)
	return hex.EncodeToString(sum[:])
}

// Result is the outcome of a successful arbitration.
type Result struct {
	Provider            string
	Model               string
	Reason              string
	DecisionFactors     map[string]any
	IsFallback          bool
	EstimatedCostCents  int64
	EstimatedLatencyMs  int64
}

// Engine arbitrates over a registered candidate set.
type Engine struct {
	enabled  bool
	breaker  *circuit.Breaker
	strategy Strategy

	mu         sync.RWMutex
	candidates []Candidate
}

// New constructs an Engine. enabled=false makes Select always return
// nil, matching the feature-flag gate.
func New(enabled bool, breaker *circuit.Breaker, strategy Strategy) *Engine {
	if strategy == "" {
		strategy = StrategyBalanced
	}
	return &Engine{enabled: enabled, breaker: breaker, strategy: strategy}
}

// RegisterCandidate adds a candidate to the pool.
func (e *Engine) RegisterCandidate(c Candidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, c)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func (e *Engine) eligible(req Request) []Candidate {
	e.mu.RLock()
	pool := make([]Candidate, len(e.candidates))
	copy(pool, e.candidates)
	e.mu.RUnlock()

	out := make([]Candidate, 0, len(pool))
	for _, c := range pool {
		if len(req.Constraints.AllowProviders) > 0 && !contains(req.Constraints.AllowProviders, c.Provider) {
			continue
		}
		if contains(req.Constraints.BlockProviders, c.Provider) {
			continue
		}
		if len(req.Constraints.AllowModels) > 0 && !contains(req.Constraints.AllowModels, c.Model) {
			continue
		}
		if contains(req.Constraints.BlockModels, c.Model) {
			continue
		}
		if c.QualityScore < req.Requirements.MinQualityScore {
			continue
		}
		if req.Requirements.MaxCostCents > 0 && c.CostCents > req.Requirements.MaxCostCents {
			continue
		}
		if req.Requirements.MaxLatencyMs > 0 && c.LatencyMs > req.Requirements.MaxLatencyMs {
			continue
		}
		if e.breaker != nil && e.breaker.Check(c.Key()) != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Select runs arbitration and returns nil if disabled or no candidate
// survives filtering.
func (e *Engine) Select(req Request) *Result {
	if !e.enabled {
		return nil
	}
	candidates := e.eligible(req)
	if len(candidates) == 0 {
		return nil
	}

	switch e.strategy {
	case StrategyCostOptimized:
		return pickBy(candidates, req, "cost-optimized", func(c Candidate) float64 { return -float64(c.CostCents) })
	case StrategyLatencyOptimized:
		return pickBy(candidates, req, "latency-optimized", func(c Candidate) float64 { return -float64(c.LatencyMs) })
	case StrategyQualityFirst:
		return pickBy(candidates, req, "quality-first", func(c Candidate) float64 { return c.QualityScore })
	case StrategyDeterministicHash:
		return pickByHash(candidates, req)
	default:
		return pickBalanced(candidates, req)
	}
}

// pickBy selects the single best candidate by score, breaking ties by
// the deterministic fingerprint hash so repeated calls with the same
// fingerprint and candidate set always agree.
func pickBy(candidates []Candidate, req Request, reason string, score func(Candidate) float64) *Result {
	best := bestByScore(candidates, req.InputFingerprint, score)
	return toResult(best, reason, map[string]any{"strategy": reason})
}

func bestByScore(candidates []Candidate, fingerprint string, score func(Candidate) float64) Candidate {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return score(sorted[i]) > score(sorted[j]) })
	top := score(sorted[0])
	tied := make([]Candidate, 0, 1)
	for _, c := range sorted {
		if score(c) == top {
			tied = append(tied, c)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return tieBreak(tied, fingerprint)
}

// pickBalanced computes a weighted score (cost 0.3, quality 0.4, latency
// 0.3) per candidate, normalizing cost/latency to [0,1] across the
// eligible set (lower is better, so inverted), then breaks ties by
// hashing the input fingerprint into the tied set.
func pickBalanced(candidates []Candidate, req Request) *Result {
	minCost, maxCost := candidates[0].CostCents, candidates[0].CostCents
	minLat, maxLat := candidates[0].LatencyMs, candidates[0].LatencyMs
	for _, c := range candidates {
		if c.CostCents < minCost {
			minCost = c.CostCents
		}
		if c.CostCents > maxCost {
			maxCost = c.CostCents
		}
		if c.LatencyMs < minLat {
			minLat = c.LatencyMs
		}
		if c.LatencyMs > maxLat {
			maxLat = c.LatencyMs
		}
	}

	normInv := func(v, lo, hi int64) float64 {
		if hi == lo {
			return 1.0
		}
		return 1.0 - float64(v-lo)/float64(hi-lo)
	}

	scores := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		costScore := normInv(c.CostCents, minCost, maxCost)
		latScore := normInv(c.LatencyMs, minLat, maxLat)
		scores[c.Key()] = 0.3*costScore + 0.4*c.QualityScore + 0.3*latScore
	}

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return scores[sorted[i].Key()] > scores[sorted[j].Key()] })
	top := scores[sorted[0].Key()]
	tied := make([]Candidate, 0, 1)
	for _, c := range sorted {
		if scores[c.Key()] == top {
			tied = append(tied, c)
		}
	}

	var chosen Candidate
	if len(tied) == 1 {
		chosen = tied[0]
	} else {
		chosen = tieBreak(tied, req.InputFingerprint)
	}
	return toResult(chosen, "balanced", map[string]any{
		"strategy":  "balanced",
		"score":     scores[chosen.Key()],
		"tie_count": len(tied),
	})
}

// pickByHash deterministically selects a candidate purely by hashing
// the fingerprint into the full eligible set, ignoring quality/cost/
// latency — useful for even load distribution that is still
// reproducible.
func pickByHash(candidates []Candidate, req Request) *Result {
	chosen := tieBreak(candidates, req.InputFingerprint)
	return toResult(chosen, "deterministic-hash", map[string]any{"strategy": "deterministic-hash"})
}

// tieBreak picks among tied candidates (sorted for determinism first)
// by hashing fingerprint||provider||model and taking the lexicographically
// smallest digest — same fingerprint and same tied set always yields the
// same winner.
func tieBreak(tied []Candidate, fingerprint string) Candidate {
	sorted := make([]Candidate, len(tied))
	copy(sorted, tied)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key() < sorted[j].Key()
	})

	best := sorted[0]
	bestDigest := tieDigest(fingerprint, best)
	for _, c := range sorted[1:] {
		d := tieDigest(fingerprint, c)
		if d < bestDigest {
			best = c
			bestDigest = d
		}
	}
	return best
}

func tieDigest(fingerprint string, c Candidate) string {
	sum := sha256.Sum256([]byte(fingerprint + "|" + c.Key()))
	return hex.EncodeToString(sum[:])
}

func toResult(c Candidate, reason string, factors map[string]any) *Result {
	return &Result{
		Provider:           c.Provider,
		Model:              c.Model,
		Reason:             reason,
		DecisionFactors:    factors,
		EstimatedCostCents: c.CostCents,
		EstimatedLatencyMs: c.LatencyMs,
	}
}
