package gates

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/spf13/afero"

	"github.com/steveyegge/workgate/internal/types"
)

// GateType identifies different quality gates
type GateType string

const (
	GateTestsPassing       GateType = "tests_passing"
	GateAcceptanceCriteria GateType = "acceptance_criteria"
	GateReview             GateType = "review"
	GateCoverage           GateType = "coverage"
)

// Result represents the outcome of a quality gate check
type Result struct {
	Gate    GateType
	Passed  bool
	Skipped bool // coverage gate bypassed by an explicit override
	Unmet   []types.UnmetCriterion
}

// CoveragePackage is the Rego package queried for coverage violations.
// Extra policies contribute to the same deny set by declaring this package.
const CoveragePackage = "workgate.coverage"

//go:embed coverage.rego
var builtinCoveragePolicy string

// DefaultThresholds are the minimum codebase-wide coverage percentages per category.
func DefaultThresholds() map[types.CoverageCategory]float64 {
	return map[types.CoverageCategory]float64{
		types.CoverageCriticalPaths: 90,
		types.CoverageSecurity:      90,
		types.CoverageDataLayer:     85,
		types.CoverageUserFacing:    80,
		types.CoverageUtilities:     70,
	}
}

// Evaluator decides whether accumulated quality metadata authorizes completion
type Evaluator struct {
	thresholds map[types.CoverageCategory]float64
	query      rego.PreparedEvalQuery
	policies   []*PolicyFile
	logger     *slog.Logger
}

// Config holds quality gate evaluator configuration
type Config struct {
	Thresholds  map[types.CoverageCategory]float64 // Optional: defaults to DefaultThresholds
	PoliciesDir string                             // Optional: directory of extra .rego files
	Fs          afero.Fs                           // Optional: defaults to the OS filesystem
	Logger      *slog.Logger
}

// NewEvaluator compiles the built-in coverage policy together with any extra
// policies found under cfg.PoliciesDir.
func NewEvaluator(ctx context.Context, cfg *Config) (*Evaluator, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	thresholds := cfg.Thresholds
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	for category, pct := range thresholds {
		if !category.IsValid() {
			return nil, fmt.Errorf("unknown coverage category: %s", category)
		}
		if pct < 0 || pct > 100 {
			return nil, fmt.Errorf("threshold for %s must be between 0 and 100 (got %v)", category, pct)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	var policies []*PolicyFile
	if cfg.PoliciesDir != "" {
		loaded, err := NewLoader(fs, cfg.PoliciesDir).LoadAll()
		if err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		policies = loaded
	}

	opts := []func(*rego.Rego){
		rego.Query(fmt.Sprintf("data.%s.deny", CoveragePackage)),
		rego.Module("builtin/coverage.rego", builtinCoveragePolicy),
	}
	for _, p := range policies {
		opts = append(opts, rego.Module(p.Path, p.Content))
	}
	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile coverage policy: %w", err)
	}

	logger.Debug("quality gates ready", "extra_policies", len(policies))
	return &Evaluator{
		thresholds: thresholds,
		query:      query,
		policies:   policies,
		logger:     logger,
	}, nil
}

// Thresholds returns a copy of the configured coverage thresholds.
func (e *Evaluator) Thresholds() map[types.CoverageCategory]float64 {
	out := make(map[types.CoverageCategory]float64, len(e.thresholds))
	for k, v := range e.thresholds {
		out[k] = v
	}
	return out
}

// PolicyNames returns the names of extra policies loaded from disk.
func (e *Evaluator) PolicyNames() []string {
	names := make([]string, len(e.policies))
	for i, p := range e.policies {
		names[i] = p.Name
	}
	return names
}

// CheckSubmitReview verifies the preconditions for entering review: a
// non-blank test plan and passing tests. Coverage plays no part here.
func CheckSubmitReview(q *types.QualityMetadata) []types.UnmetCriterion {
	var unmet []types.UnmetCriterion
	if !q.HasTestPlan() {
		unmet = append(unmet, types.Unmetf(types.CodeTestPlanMissing, "test plan is empty"))
	}
	if !q.TestsPassing {
		unmet = append(unmet, types.Unmetf(types.CodeTestsNotPassing, "tests are not passing"))
	}
	return unmet
}

// Evaluate runs every gate in order and returns per-gate results together
// with all unmet criteria. Gates keep running after a failure so the caller
// gets comprehensive feedback.
func (e *Evaluator) Evaluate(ctx context.Context, q *types.QualityMetadata, coverage types.CoverageReport) ([]*Result, []types.UnmetCriterion, error) {
	gates := []struct {
		gateType GateType
		runFunc  func(context.Context, *types.QualityMetadata, types.CoverageReport) (*Result, error)
	}{
		{GateTestsPassing, e.runTestsGate},
		{GateAcceptanceCriteria, e.runAcceptanceGate},
		{GateReview, e.runReviewGate},
		{GateCoverage, e.runCoverageGate},
	}

	var results []*Result
	var unmet []types.UnmetCriterion
	for _, gate := range gates {
		result, err := gate.runFunc(ctx, q, coverage)
		if err != nil {
			return nil, nil, fmt.Errorf("%s gate failed to run: %w", gate.gateType, err)
		}
		results = append(results, result)
		unmet = append(unmet, result.Unmet...)
	}
	return results, unmet, nil
}

func (e *Evaluator) runTestsGate(_ context.Context, q *types.QualityMetadata, _ types.CoverageReport) (*Result, error) {
	result := &Result{Gate: GateTestsPassing, Passed: q.TestsPassing}
	if !q.TestsPassing {
		result.Unmet = append(result.Unmet, types.Unmetf(types.CodeTestsNotPassing, "tests are not passing"))
	}
	return result, nil
}

func (e *Evaluator) runAcceptanceGate(_ context.Context, q *types.QualityMetadata, _ types.CoverageReport) (*Result, error) {
	result := &Result{Gate: GateAcceptanceCriteria}
	for _, idx := range q.UnmetAcceptanceCriteria() {
		result.Unmet = append(result.Unmet, types.Unmetf(types.CodeAcceptanceCriterion,
			"acceptance criterion %d not met: %s", idx+1, q.AcceptanceCriteria[idx].Text))
	}
	result.Passed = len(result.Unmet) == 0
	return result, nil
}

func (e *Evaluator) runReviewGate(_ context.Context, q *types.QualityMetadata, _ types.CoverageReport) (*Result, error) {
	result := &Result{Gate: GateReview, Passed: q.ReviewOutcome == types.ReviewApproved}
	if !result.Passed {
		outcome := string(q.ReviewOutcome)
		if outcome == "" {
			outcome = "unset"
		}
		result.Unmet = append(result.Unmet, types.Unmetf(types.CodeReviewNotApproved,
			"review outcome is %s, must be approved", outcome))
	}
	return result, nil
}

func (e *Evaluator) runCoverageGate(ctx context.Context, q *types.QualityMetadata, coverage types.CoverageReport) (*Result, error) {
	result := &Result{Gate: GateCoverage}
	if q.HasOverride() {
		result.Passed = true
		result.Skipped = true
		e.logger.Debug("coverage gate skipped by override", "scope", q.CoverageScope)
		return result, nil
	}
	if q.CoverageOverride {
		// The flag alone never counts as an override
		result.Unmet = append(result.Unmet, types.Unmetf(types.CodeOverrideIncomplete,
			"coverage override requires both a scope and a reason"))
	}

	violations, err := e.evalCoverage(ctx, coverage)
	if err != nil {
		return nil, err
	}
	result.Unmet = append(result.Unmet, violations...)
	result.Passed = len(result.Unmet) == 0
	return result, nil
}

// evalCoverage queries the deny set. Rule bodies may produce either an object
// with code and message, or a plain string message.
func (e *Evaluator) evalCoverage(ctx context.Context, coverage types.CoverageReport) ([]types.UnmetCriterion, error) {
	input := map[string]interface{}{
		"coverage":   coverageInput(coverage),
		"thresholds": thresholdInput(e.thresholds),
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate coverage policy: %w", err)
	}

	var unmet []types.UnmetCriterion
	for _, result := range rs {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range set {
				switch v := item.(type) {
				case string:
					unmet = append(unmet, types.UnmetCriterion{Code: types.CodePolicyViolation, Message: v})
				case map[string]interface{}:
					code, _ := v["code"].(string)
					msg, _ := v["message"].(string)
					if code == "" {
						code = types.CodePolicyViolation
					}
					unmet = append(unmet, types.UnmetCriterion{Code: code, Message: msg})
				}
			}
		}
	}
	sort.SliceStable(unmet, func(i, j int) bool { return unmet[i].Message < unmet[j].Message })
	return unmet, nil
}

// coverageInput zero-fills categories that were never recorded.
func coverageInput(report types.CoverageReport) map[string]interface{} {
	out := make(map[string]interface{}, len(types.CoverageCategories))
	for _, c := range types.CoverageCategories {
		out[string(c)] = report[c]
	}
	return out
}

func thresholdInput(thresholds map[types.CoverageCategory]float64) map[string]interface{} {
	out := make(map[string]interface{}, len(thresholds))
	for c, pct := range thresholds {
		out[string(c)] = pct
	}
	return out
}
