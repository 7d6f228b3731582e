package fraud

import "time"

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var severityRank = map[Severity]int{
	SeverityLow:    1,
	SeverityMedium: 2,
	SeverityHigh:   3,
}

func (s Severity) Outranks(other Severity) bool {
	return severityRank[s] > severityRank[other]
}

type Outcome string

const (
	OutcomeClear    Outcome = "clear"
	OutcomeFlag     Outcome = "flag"
	OutcomeAutoLock Outcome = "auto_lock"
)

type FlagStatus string

const (
	FlagOpen        FlagStatus = "open"
	FlagUnderReview FlagStatus = "under_review"
	FlagResolved    FlagStatus = "resolved"
)

// FraudRule is a CEL expression evaluated against the feature map of a
// lifecycle checkpoint. Severity and outcome apply when the expression holds.
type FraudRule struct {
	RuleID     string    `gorm:"column:rule_id;primaryKey"`
	Expression string    `gorm:"column:expression"`
	Severity   Severity  `gorm:"column:severity;type:varchar(10)"`
	Outcome    Outcome   `gorm:"column:outcome;type:varchar(20)"`
	Enabled    bool      `gorm:"column:enabled"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (FraudRule) TableName() string { return "fraud_rules" }

// FraudFlag records one matched rule against a token. Open flags with a hold
// keep the payout from releasing until an admin resolves them.
type FraudFlag struct {
	ID         string     `gorm:"column:id;primaryKey"`
	TokenID    string     `gorm:"column:token_id;index"`
	ActorID    string     `gorm:"column:actor_id;index"`
	RuleID     string     `gorm:"column:rule_id"`
	Severity   Severity   `gorm:"column:severity;type:varchar(10)"`
	Outcome    Outcome    `gorm:"column:outcome;type:varchar(20)"`
	Status     FlagStatus `gorm:"column:status;type:varchar(20);index"`
	Resolution string     `gorm:"column:resolution"`
	ResolvedBy string     `gorm:"column:resolved_by"`
	ResolvedAt *time.Time `gorm:"column:resolved_at"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
}

func (FraudFlag) TableName() string { return "fraud_flags" }

// Verdict is the combined result of evaluating every enabled rule: the
// matched rules plus the dominating outcome and severity.
type Verdict struct {
	Outcome  Outcome
	Severity Severity
	Matched  []FraudRule
}

func (v Verdict) Clear() bool { return v.Outcome == OutcomeClear }

// DefaultRules seeds the rule table on first boot. Thresholds land in the
// expressions from config so deployments can tune without code changes.
func DefaultRules(mismatchPct float64, velocityLimit int64, gpsRadiusKm float64) []FraudRule {
	now := time.Now()
	return []FraudRule{
		{
			RuleID:     "duplicate_token",
			Expression: "duplicate_count > 0",
			Severity:   SeverityHigh,
			Outcome:    OutcomeAutoLock,
			Enabled:    true,
			UpdatedAt:  now,
		},
		{
			RuleID:     "weight_manipulation",
			Expression: confirmMismatchExpr(mismatchPct),
			Severity:   SeverityMedium,
			Outcome:    OutcomeFlag,
			Enabled:    true,
			UpdatedAt:  now,
		},
		{
			RuleID:     "velocity",
			Expression: velocityExpr(velocityLimit),
			Severity:   SeverityLow,
			Outcome:    OutcomeFlag,
			Enabled:    true,
			UpdatedAt:  now,
		},
		{
			RuleID:     "gps_anomaly",
			Expression: gpsExpr(gpsRadiusKm),
			Severity:   SeverityMedium,
			Outcome:    OutcomeFlag,
			Enabled:    true,
			UpdatedAt:  now,
		},
	}
}
