package fraud

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trashure-engine/pkg/config"
	"trashure-engine/pkg/errutil"
	"trashure-engine/pkg/repository"
	"trashure-engine/pkg/task"
	"trashure-engine/pkg/taskname"
)

// Engine evaluates the enabled rule set against checkpoint feature maps.
// Rules are independently evaluable; the verdict combines them by maximum
// severity and an auto_lock outcome dominates any number of flags.
type Engine struct {
	rules    repository.Repository[FraudRule]
	flags    repository.Repository[FraudFlag]
	cache    *RuleCache
	enqueuer task.Enqueuer
	logger   *zap.Logger
	node     *snowflake.Node
}

type EngineParams struct {
	fx.In

	Config   *config.Config
	DB       *gorm.DB
	Enqueuer task.Enqueuer `optional:"true"`
	Logger   *zap.Logger
	Node     *snowflake.Node
}

func NewEngine(p EngineParams) *Engine {
	return &Engine{
		rules:    repository.ProvideStore[FraudRule](p.DB),
		flags:    repository.ProvideStore[FraudFlag](p.DB),
		cache:    NewRuleCache(p.Config.Fraud.RuleCacheTTL),
		enqueuer: p.Enqueuer,
		logger:   p.Logger,
		node:     p.Node,
	}
}

// SeedRules inserts the built-in rules when the table is empty.
func (e *Engine) SeedRules(ctx context.Context, cfg config.FraudConfig) error {
	total, err := e.rules.Count(ctx, nil)
	if err != nil {
		return err
	}
	if total > 0 {
		return nil
	}

	defaults := DefaultRules(cfg.WeightMismatchPct, int64(cfg.VelocityLimit), cfg.GPSRadiusKm)
	seeded := make([]*FraudRule, 0, len(defaults))
	for i := range defaults {
		seeded = append(seeded, &defaults[i])
	}
	return e.rules.BatchCreate(ctx, seeded)
}

// Evaluate runs every enabled rule against features and folds the matches
// into one verdict.
func (e *Engine) Evaluate(ctx context.Context, features Features) (Verdict, error) {
	set, err := e.cache.GetOrFill(func() (*CompiledRuleSet, error) {
		return e.loadRules(ctx)
	})
	if err != nil {
		return Verdict{}, errutil.Internal("failed to load fraud rules", errutil.WithErr(err))
	}

	verdict := Verdict{Outcome: OutcomeClear}
	for _, rule := range set.Rules {
		matched, err := rule.evaluate(features)
		if err != nil {
			e.logger.Error("fraud rule evaluation failed",
				zap.String("rule_id", rule.Rule.RuleID), zap.Error(err))
			continue
		}
		if !matched {
			continue
		}

		verdict.Matched = append(verdict.Matched, rule.Rule)
		if rule.Rule.Severity.Outranks(verdict.Severity) {
			verdict.Severity = rule.Rule.Severity
		}
		if rule.Rule.Outcome == OutcomeAutoLock {
			verdict.Outcome = OutcomeAutoLock
		} else if verdict.Outcome != OutcomeAutoLock {
			verdict.Outcome = OutcomeFlag
		}
	}

	return verdict, nil
}

func (e *Engine) loadRules(ctx context.Context) (*CompiledRuleSet, error) {
	enabled := true
	rows, err := e.rules.Find(ctx, &FraudRule{Enabled: enabled})
	if err != nil {
		return nil, err
	}

	rules := make([]FraudRule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, *row)
	}

	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	return &CompiledRuleSet{Rules: compiled, UpdatedAt: time.Now()}, nil
}

// RecordFlags persists one flag per matched rule inside the caller's
// transaction and returns them for event emission after commit.
func (e *Engine) RecordFlags(ctx context.Context, tx *gorm.DB, tokenID, actorID string, verdict Verdict) ([]FraudFlag, error) {
	if verdict.Clear() {
		return nil, nil
	}

	now := time.Now()
	flags := make([]*FraudFlag, 0, len(verdict.Matched))
	for _, rule := range verdict.Matched {
		flags = append(flags, &FraudFlag{
			ID:        e.node.Generate().String(),
			TokenID:   tokenID,
			ActorID:   actorID,
			RuleID:    rule.RuleID,
			Severity:  rule.Severity,
			Outcome:   rule.Outcome,
			Status:    FlagOpen,
			CreatedAt: now,
		})
	}

	if err := e.flags.WithTrx(tx).BatchCreate(ctx, flags); err != nil {
		return nil, err
	}

	created := make([]FraudFlag, 0, len(flags))
	for _, f := range flags {
		created = append(created, *f)
	}
	return created, nil
}

// GetFlag loads one flag by id.
func (e *Engine) GetFlag(ctx context.Context, flagID string) (*FraudFlag, error) {
	flag, err := e.flags.FindOne(ctx, &FraudFlag{ID: flagID})
	if err != nil {
		return nil, errutil.Internal("failed to load fraud flag", errutil.WithErr(err))
	}
	if flag == nil {
		return nil, errutil.NotFound("fraud flag not found")
	}
	return flag, nil
}

// ResolveFlagTx marks a flag resolved inside the caller's transaction.
func (e *Engine) ResolveFlagTx(ctx context.Context, tx *gorm.DB, flag *FraudFlag, resolvedBy, resolution string) error {
	if flag.Status == FlagResolved {
		return errutil.Conflict("fraud flag already resolved")
	}

	now := time.Now()
	return e.flags.WithTrx(tx).Update(ctx, flag.ID, map[string]interface{}{
		"status":      FlagResolved,
		"resolution":  resolution,
		"resolved_by": resolvedBy,
		"resolved_at": now,
	})
}

// OpenFlagCount reports unresolved flags for a token, reading through the
// caller's transaction when one is given.
func (e *Engine) OpenFlagCount(ctx context.Context, tx *gorm.DB, tokenID string) (int64, error) {
	rows, err := e.flags.WithTrx(tx).Find(ctx, &FraudFlag{TokenID: tokenID})
	if err != nil {
		return 0, err
	}
	var open int64
	for _, f := range rows {
		if f.Status != FlagResolved {
			open++
		}
	}
	return open, nil
}

type FlagCreatedPayload struct {
	FlagID   string   `json:"flag_id"`
	TokenID  string   `json:"token_id"`
	ActorID  string   `json:"actor_id"`
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Outcome  Outcome  `json:"outcome"`
}

// NotifyFlags emits one event per created flag. Emission is best-effort and
// runs after commit; delivery to downstream consumers is somebody else's job.
func (e *Engine) NotifyFlags(flags []FraudFlag) {
	if e.enqueuer == nil {
		return
	}

	for _, flag := range flags {
		payload, err := json.Marshal(FlagCreatedPayload{
			FlagID:   flag.ID,
			TokenID:  flag.TokenID,
			ActorID:  flag.ActorID,
			RuleID:   flag.RuleID,
			Severity: flag.Severity,
			Outcome:  flag.Outcome,
		})
		if err != nil {
			e.logger.Error("failed to marshal fraud flag payload", zap.Error(err))
			continue
		}
		if _, err := e.enqueuer.Enqueue(asynq.NewTask(taskname.FraudFlagCreated, payload)); err != nil {
			e.logger.Error("failed to enqueue fraud flag event",
				zap.String("flag_id", flag.ID), zap.Error(err))
		}
	}
}

// InvalidateRuleCache drops the compiled set, forcing a reload on next use.
func (e *Engine) InvalidateRuleCache() {
	e.cache.Invalidate()
}
