// Package policy decides whether a site override is admitted. Decisions come
// from OPA rego policies: a compiled-in default plus any .rego files in the
// configured policy directory.
package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

//go:embed default.rego
var defaultPolicy string

// Decision is the policy verdict for one override request. DurationSeconds
// is the admitted duration, which may be clamped below the requested one.
type Decision struct {
	Allow           bool   `json:"allow"`
	Reason          string `json:"reason"`
	DurationSeconds int    `json:"duration_seconds"`
}

// OverrideRequest carries the facts a policy evaluates over.
type OverrideRequest struct {
	Domain          string
	DurationSeconds int
	BlockedSites    []string
	FocusActive     bool
}

// Engine evaluates override requests against the loaded policies.
type Engine struct {
	policyDir   string
	maxDuration time.Duration
	logger      zerolog.Logger

	mu      sync.RWMutex
	query   rego.PreparedEvalQuery
	modules map[string]*ast.Module
}

// NewEngine creates an engine. policyDir may be empty, in which case only
// the compiled-in default policy applies.
func NewEngine(policyDir string, maxDuration time.Duration, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir:   policyDir,
		maxDuration: maxDuration,
		logger:      logger.With().Str("component", "policy").Logger(),
	}

	if err := e.loadPolicies(); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	if err := e.prepareQuery(); err != nil {
		return nil, fmt.Errorf("failed to prepare override query: %w", err)
	}

	e.logger.Info().Str("policy_dir", policyDir).Msg("Policy engine initialized")

	return e, nil
}

func (e *Engine) loadPolicies() error {
	modules := make(map[string]*ast.Module)

	module, err := ast.ParseModule("default.rego", defaultPolicy)
	if err != nil {
		return fmt.Errorf("failed to parse built-in policy: %w", err)
	}
	modules["default.rego"] = module

	if e.policyDir != "" {
		files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
		if err != nil {
			return fmt.Errorf("failed to glob policy files: %w", err)
		}

		for _, file := range files {
			content, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", file, err)
			}

			module, err := ast.ParseModule(file, string(content))
			if err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", file, err)
			}

			modules[file] = module
			e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
		}

		e.logger.Info().Int("count", len(files)).Msg("Loaded policy directory")
	}

	e.modules = modules
	return nil
}

func (e *Engine) prepareQuery() error {
	ctx := context.Background()

	opts := make([]func(*rego.Rego), 0, len(e.modules)+1)
	opts = append(opts, rego.Query("data.focusd.override.decision"))
	for name, module := range e.modules {
		opts = append(opts, rego.Module(name, module.String()))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.query = query
	return nil
}

// EvaluateOverride returns the policy decision for the request. Evaluation
// failures are surfaced as errors; callers refuse the override in that case.
func (e *Engine) EvaluateOverride(ctx context.Context, req OverrideRequest) (*Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	blockedSites := make([]interface{}, len(req.BlockedSites))
	for i, site := range req.BlockedSites {
		blockedSites[i] = site
	}

	input := map[string]interface{}{
		"domain":               req.Domain,
		"duration_seconds":     req.DurationSeconds,
		"max_duration_seconds": int(e.maxDuration.Seconds()),
		"blocked_sites":        blockedSites,
		"focus_active":         req.FocusActive,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("override query evaluation failed: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("no results from override query")
	}

	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal override decision: %w", err)
	}

	var decision Decision
	if err := json.Unmarshal(resultBytes, &decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal override decision: %w", err)
	}

	return &decision, nil
}

// Reload reloads the policy directory and re-prepares the query.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading policies")

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.loadPolicies(); err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := e.prepareQuery(); err != nil {
		return fmt.Errorf("failed to re-prepare query: %w", err)
	}

	e.logger.Info().Msg("Policies reloaded successfully")
	return nil
}
