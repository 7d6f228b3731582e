package fraud

import (
	"fmt"
	"strconv"

	"github.com/google/cel-go/cel"
)

// Feature map keys every rule expression may reference. Checkpoints that do
// not produce a feature pass its zero value so expressions never hit an
// undeclared variable.
const (
	FeatureDuplicateCount = "duplicate_count"
	FeatureMismatchPct    = "mismatch_pct"
	FeatureVelocityCount  = "velocity_count"
	FeatureHasGPS         = "has_gps"
	FeatureGPSDistanceKm  = "gps_distance_km"
)

// Features is the evaluation context for one checkpoint.
type Features map[string]interface{}

func EmptyFeatures() Features {
	return Features{
		FeatureDuplicateCount: int64(0),
		FeatureMismatchPct:    float64(0),
		FeatureVelocityCount:  int64(0),
		FeatureHasGPS:         false,
		FeatureGPSDistanceKm:  float64(0),
	}
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable(FeatureDuplicateCount, cel.IntType),
		cel.Variable(FeatureMismatchPct, cel.DoubleType),
		cel.Variable(FeatureVelocityCount, cel.IntType),
		cel.Variable(FeatureHasGPS, cel.BoolType),
		cel.Variable(FeatureGPSDistanceKm, cel.DoubleType),
	)
}

type CompiledRule struct {
	Rule    FraudRule
	Program cel.Program
}

func (r *CompiledRule) evaluate(features Features) (bool, error) {
	if r.Program == nil {
		return false, fmt.Errorf("compiled program is nil for rule %s", r.Rule.RuleID)
	}

	val, _, err := r.Program.Eval(map[string]interface{}(features))
	if err != nil {
		return false, fmt.Errorf("eval failed for rule %s: %w", r.Rule.RuleID, err)
	}

	matched, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %s did not return boolean", r.Rule.RuleID)
	}

	return matched, nil
}

func compileRules(rules []FraudRule) ([]*CompiledRule, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	compiled := make([]*CompiledRule, 0, len(rules))
	for _, rule := range rules {
		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile rule %s: %w", rule.RuleID, issues.Err())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.RuleID, err)
		}
		compiled = append(compiled, &CompiledRule{Rule: rule, Program: program})
	}

	return compiled, nil
}

func confirmMismatchExpr(pct float64) string {
	return fmt.Sprintf("%s > %s", FeatureMismatchPct, formatFloat(pct))
}

func velocityExpr(limit int64) string {
	return fmt.Sprintf("%s > %d", FeatureVelocityCount, limit)
}

func gpsExpr(radiusKm float64) string {
	return fmt.Sprintf("%s && %s > %s", FeatureHasGPS, FeatureGPSDistanceKm, formatFloat(radiusKm))
}

// formatFloat keeps a decimal point so CEL types the literal as double.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	for _, c := range s {
		if c == '.' {
			return s
		}
	}
	return s + ".0"
}
