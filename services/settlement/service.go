package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trashure-engine/pkg/config"
	"trashure-engine/pkg/errutil"
	"trashure-engine/services/fraud"
	"trashure-engine/services/token"
)

type Role string

const (
	RoleCollector Role = "collector"
	RoleVendor    Role = "vendor"
)

type Query struct {
	Role    Role
	ActorID string
	From    time.Time
	To      time.Time
	State   token.Status
}

// Report is a post-commit snapshot; amounts in minor units. PendingAmount is
// an estimate from the current rate table since payouts are only computed at
// release.
type Report struct {
	SettledAmount        int64         `json:"settled_amount"`
	SettledCount         int64         `json:"settled_count"`
	PendingAmount        int64         `json:"pending_amount"`
	PendingCount         int64         `json:"pending_count"`
	FlaggedCount         int64         `json:"flagged_count"`
	AvgSettlementLatency time.Duration `json:"avg_settlement_latency_ns"`
	Regions              []string      `json:"regions"`
}

// Service is the read side over committed token and flag rows. It never
// writes and never observes uncommitted lifecycle state.
type Service struct {
	db     *gorm.DB
	rates  map[string]int64
	fee    int64
	logger *zap.Logger
}

type ServiceParams struct {
	fx.In

	DB     *gorm.DB
	Config *config.Config
	Logger *zap.Logger
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		rates:  p.Config.Payout.Rates,
		fee:    p.Config.Payout.HandlingFeePerKg,
		logger: p.Logger,
	}
}

func (s *Service) Report(ctx context.Context, q Query) (*Report, error) {
	if q.Role != RoleCollector && q.Role != RoleVendor {
		return nil, errutil.InvalidInput("role must be collector or vendor")
	}
	if !q.To.IsZero() && !q.From.IsZero() && q.To.Before(q.From) {
		return nil, errutil.InvalidInput("to must not precede from")
	}

	report := &Report{}
	if err := s.settledSide(ctx, q, report); err != nil {
		return nil, errutil.Internal("failed to aggregate settled tokens", errutil.WithErr(err))
	}
	if err := s.pendingSide(ctx, q, report); err != nil {
		return nil, errutil.Internal("failed to aggregate pending tokens", errutil.WithErr(err))
	}
	if err := s.flaggedCount(ctx, q, report); err != nil {
		return nil, errutil.Internal("failed to count fraud flags", errutil.WithErr(err))
	}
	if err := s.regions(ctx, q, report); err != nil {
		return nil, errutil.Internal("failed to list regions", errutil.WithErr(err))
	}
	return report, nil
}

func (s *Service) scoped(ctx context.Context, q Query) *gorm.DB {
	db := s.db.WithContext(ctx).Model(&token.Token{})
	if q.ActorID != "" {
		if q.Role == RoleVendor {
			db = db.Where("vendor_id = ?", q.ActorID)
		} else {
			db = db.Where("collector_id = ?", q.ActorID)
		}
	}
	if !q.From.IsZero() {
		db = db.Where("submitted_at >= ?", q.From)
	}
	if !q.To.IsZero() {
		db = db.Where("submitted_at < ?", q.To)
	}
	if q.State != "" {
		db = db.Where("status = ?", q.State)
	}
	return db
}

func (s *Service) settledSide(ctx context.Context, q Query, report *Report) error {
	var rows []struct {
		CollectorPayout *int64
		VendorPayout    *int64
		SubmittedAt     time.Time
		PaidAt          *time.Time
	}
	err := s.scoped(ctx, q).
		Where("status = ?", token.StatusPayoutReleased).
		Select("collector_payout", "vendor_payout", "submitted_at", "paid_at").
		Find(&rows).Error
	if err != nil {
		return err
	}

	var totalLatency time.Duration
	for _, row := range rows {
		report.SettledCount++
		if q.Role == RoleVendor {
			if row.VendorPayout != nil {
				report.SettledAmount += *row.VendorPayout
			}
		} else if row.CollectorPayout != nil {
			report.SettledAmount += *row.CollectorPayout
		}
		if row.PaidAt != nil {
			totalLatency += row.PaidAt.Sub(row.SubmittedAt)
		}
	}
	if report.SettledCount > 0 {
		report.AvgSettlementLatency = totalLatency / time.Duration(report.SettledCount)
	}
	return nil
}

// pendingSide estimates the exposure of tokens still in flight. The estimate
// uses the confirmed weight when present and the submitted weight otherwise.
func (s *Service) pendingSide(ctx context.Context, q Query, report *Report) error {
	var rows []*token.Token
	err := s.scoped(ctx, q).
		Where("status NOT IN ?", []token.Status{token.StatusPayoutReleased, token.StatusCancelled}).
		Find(&rows).Error
	if err != nil {
		return err
	}

	for _, row := range rows {
		report.PendingCount++
		report.PendingAmount += s.estimate(q.Role, row)
	}
	return nil
}

func (s *Service) estimate(role Role, t *token.Token) int64 {
	weight := t.WeightKg
	if t.ConfirmedWeightKg.Valid {
		weight = t.ConfirmedWeightKg.Decimal
	}

	var rate int64
	if role == RoleVendor {
		rate = s.fee
	} else {
		rate = s.rates[string(t.WasteType)]
	}
	return weight.Mul(decimal.NewFromInt(rate)).Round(0).IntPart()
}

func (s *Service) flaggedCount(ctx context.Context, q Query, report *Report) error {
	db := s.db.WithContext(ctx).Model(&fraud.FraudFlag{}).
		Where("status <> ?", fraud.FlagResolved)
	if q.ActorID != "" {
		db = db.Where("actor_id = ?", q.ActorID)
	}
	if !q.From.IsZero() {
		db = db.Where("created_at >= ?", q.From)
	}
	if !q.To.IsZero() {
		db = db.Where("created_at < ?", q.To)
	}
	return db.Count(&report.FlaggedCount).Error
}

func (s *Service) regions(ctx context.Context, q Query, report *Report) error {
	return s.scoped(ctx, q).
		Distinct("region").
		Where("region <> ''").
		Order("region").
		Pluck("region", &report.Regions).Error
}

// VendorMonthlyWeightKg sums the confirmed weight of a vendor's tokens for
// the calendar month containing at. It backs the volume bonus, so it counts
// every confirmed token whether or not the payout has released yet.
func (s *Service) VendorMonthlyWeightKg(ctx context.Context, vendorID string, at time.Time) (decimal.Decimal, error) {
	monthStart := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, at.Location())
	nextMonth := monthStart.AddDate(0, 1, 0)

	var rows []*token.Token
	err := s.db.WithContext(ctx).Model(&token.Token{}).
		Select("confirmed_weight_kg").
		Where("vendor_id = ?", vendorID).
		Where("confirmed_at >= ? AND confirmed_at < ?", monthStart, nextMonth).
		Where("status <> ?", token.StatusCancelled).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, errutil.Internal("failed to sum vendor monthly weight", errutil.WithErr(err))
	}

	total := decimal.Zero
	for _, row := range rows {
		if row.ConfirmedWeightKg.Valid {
			total = total.Add(row.ConfirmedWeightKg.Decimal)
		}
	}
	return total, nil
}
