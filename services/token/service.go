package token

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"trashure-engine/pkg/config"
	"trashure-engine/pkg/errutil"
	"trashure-engine/pkg/repository"
	"trashure-engine/pkg/sequence"
	"trashure-engine/services/actor"
	"trashure-engine/services/fraud"
	"trashure-engine/services/ledger"
	"trashure-engine/services/payout"
)

const (
	actionConfirm = "confirm"
	actionShip    = "ship"
	actionReceive = "receive"
	actionRelease = "release"
	actionCancel  = "cancel"
)

// Service is the sole writer of token rows. Every transition runs under an
// optimistic version check so concurrent callers serialize per token, and the
// token flip shares one transaction with whatever ledger rows it produces.
type Service struct {
	db     *gorm.DB
	cfg    *config.Config
	node   *snowflake.Node
	seq    sequence.Generator
	actors *actor.Service
	calc   *payout.Calculator
	frauds *fraud.Engine
	ledger *ledger.Service
	logger *zap.Logger

	tokens      repository.Repository[Token]
	transitions repository.Repository[TokenTransition]
	idems       repository.Repository[IdempotencyRecord]
}

type ServiceParams struct {
	fx.In

	DB       *gorm.DB
	Config   *config.Config
	Node     *snowflake.Node
	Sequence sequence.Generator
	Actors   *actor.Service
	Payout   *payout.Calculator
	Fraud    *fraud.Engine
	Ledger   *ledger.Service
	Logger   *zap.Logger
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		cfg:    p.Config,
		node:   p.Node,
		seq:    p.Sequence,
		actors: p.Actors,
		calc:   p.Payout,
		frauds: p.Fraud,
		ledger: p.Ledger,
		logger: p.Logger,

		tokens:      repository.ProvideStore[Token](p.DB),
		transitions: repository.ProvideStore[TokenTransition](p.DB),
		idems:       repository.ProvideStore[IdempotencyRecord](p.DB),
	}
}

func (s *Service) Get(ctx context.Context, tokenID string) (*Token, error) {
	t, err := s.tokens.FindOne(ctx, &Token{ID: tokenID})
	if err != nil {
		return nil, errutil.Internal("failed to load token", errutil.WithErr(err))
	}
	if t == nil {
		return nil, errutil.NotFound("token not found")
	}
	return t, nil
}

type SubmitParams struct {
	CollectorID string
	VendorID    string
	WasteType   WasteType
	WeightKg    decimal.Decimal
	Notes       string
	Metadata    Metadata
}

// Submit registers a new batch in pending_vendor_confirmation. Velocity and
// GPS rules run here; their flags never block the submission, but a GPS flag
// demands photo verification before the vendor may confirm.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (*Token, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	if !p.WasteType.Valid() {
		return nil, errutil.InvalidInput("unsupported waste type",
			errutil.WithDetails(errutil.Detail{Field: "waste_type", Message: string(p.WasteType)}))
	}
	if p.WeightKg.IsNegative() || p.WeightKg.IsZero() {
		return nil, errutil.InvalidInput("weight must be > 0")
	}

	collector, err := s.actors.Verified(ctx, p.CollectorID, actor.RoleCollector)
	if err != nil {
		return nil, err
	}
	if _, err := s.actors.Verified(ctx, p.VendorID, actor.RoleVendor); err != nil {
		return nil, err
	}

	now := time.Now()
	velocity, err := s.velocityCount(ctx, p.CollectorID, now)
	if err != nil {
		return nil, errutil.Internal("failed to compute velocity", errutil.WithErr(err))
	}
	hasGPS, distanceKm := gpsFeatures(p.Metadata, collector)

	verdict, err := s.frauds.Evaluate(ctx, submitFeatures(velocity, hasGPS, distanceKm))
	if err != nil {
		return nil, err
	}

	reference, err := s.seq.NextTokenReference(ctx)
	if err != nil {
		return nil, errutil.Internal("failed to issue token reference", errutil.WithErr(err))
	}

	t := &Token{
		ID:            s.node.Generate().String(),
		Reference:     reference,
		CollectorID:   p.CollectorID,
		VendorID:      p.VendorID,
		WasteType:     p.WasteType,
		WeightKg:      p.WeightKg,
		Status:        StatusPendingVendorConfirmation,
		PhotoRequired: gpsRuleMatched(verdict),
		Region:        collector.Region,
		Version:       1,
		Notes:         p.Notes,
		Metadata:      datatypes.NewJSONType(p.Metadata),
		SubmittedAt:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var flags []fraud.FraudFlag
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.tokens.WithTrx(tx).Create(ctx, t); err != nil {
			return err
		}
		if err := s.appendTransition(ctx, tx, t.ID, "", StatusPendingVendorConfirmation, p.CollectorID, ""); err != nil {
			return err
		}
		flags, err = s.frauds.RecordFlags(ctx, tx, t.ID, p.CollectorID, verdict)
		return err
	})
	if err != nil {
		return nil, errutil.Internal("failed to submit token", errutil.WithErr(err))
	}

	s.frauds.NotifyFlags(flags)
	s.logger.Info("token submitted",
		zap.String("token_id", t.ID),
		zap.String("reference", t.Reference),
		zap.String("collector_id", p.CollectorID),
	)
	return t, nil
}

type ConfirmParams struct {
	TokenID           string
	IdempotencyKey    string
	ConfirmedWeightKg decimal.Decimal
	PhotoRef          string
}

// VendorConfirm settles the handover weight. Duplicate and weight
// manipulation rules run against the confirmed weight; a duplicate match
// terminally locks the token.
func (s *Service) VendorConfirm(ctx context.Context, p ConfirmParams) (*Token, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	t, err := s.Get(ctx, p.TokenID)
	if err != nil {
		return nil, err
	}
	if replayed, ok, err := s.replay(ctx, t, actionConfirm, p.IdempotencyKey); err != nil || ok {
		return replayed, err
	}
	if !t.Status.CanAdvanceTo(StatusVendorConfirmed) {
		return nil, invalidTransition(t.Status, StatusVendorConfirmed)
	}
	if p.ConfirmedWeightKg.IsNegative() || p.ConfirmedWeightKg.IsZero() {
		return nil, errutil.InvalidInput("confirmed weight must be > 0")
	}
	if t.PhotoRequired && p.PhotoRef == "" && t.Metadata.Data().PhotoRef == "" {
		return nil, errutil.InvalidInput("photo verification required before confirmation")
	}

	now := time.Now()
	siblings, err := s.duplicateSiblings(ctx, t, now)
	if err != nil {
		return nil, errutil.Internal("failed to compute duplicates", errutil.WithErr(err))
	}
	mismatch := mismatchPct(p.ConfirmedWeightKg, t.WeightKg)

	verdict, err := s.frauds.Evaluate(ctx, confirmFeatures(int64(len(siblings)), mismatch))
	if err != nil {
		return nil, err
	}

	if verdict.Outcome == fraud.OutcomeAutoLock {
		if err := s.autoLock(ctx, t, siblings, t.VendorID, p.IdempotencyKey, actionConfirm, verdict); err != nil {
			return nil, err
		}
		return nil, errutil.FraudAutoLock("token locked by fraud rule",
			errutil.WithDetails(ruleDetails(verdict)...))
	}

	updates := map[string]any{
		"confirmed_weight_kg": p.ConfirmedWeightKg,
		"confirmed_at":        now,
	}
	if p.PhotoRef != "" {
		meta := t.Metadata.Data()
		meta.PhotoRef = p.PhotoRef
		updates["metadata"] = datatypes.NewJSONType(meta)
	}
	if holdsPayment(verdict) {
		updates["payment_hold"] = true
	}

	return s.transitionWithFlags(ctx, t, StatusVendorConfirmed, t.VendorID, p.IdempotencyKey, actionConfirm, updates, verdict)
}

// Ship moves a confirmed token into transit.
func (s *Service) Ship(ctx context.Context, tokenID, key string) (*Token, error) {
	t, err := s.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if replayed, ok, err := s.replay(ctx, t, actionShip, key); err != nil || ok {
		return replayed, err
	}
	if !t.Status.CanAdvanceTo(StatusInTransit) {
		return nil, invalidTransition(t.Status, StatusInTransit)
	}

	return s.transitionWithFlags(ctx, t, StatusInTransit, t.VendorID, key, actionShip,
		map[string]any{"shipped_at": time.Now()}, fraud.Verdict{Outcome: fraud.OutcomeClear})
}

type ReceiveParams struct {
	TokenID          string
	IdempotencyKey   string
	FactoryID        string
	ReceivedWeightKg decimal.Decimal
}

// FactoryReceive books the batch at the factory gate. A received weight
// deviating beyond the mismatch threshold flags the token and holds the
// payout until an admin resolves the flag.
func (s *Service) FactoryReceive(ctx context.Context, p ReceiveParams) (*Token, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	t, err := s.Get(ctx, p.TokenID)
	if err != nil {
		return nil, err
	}
	if replayed, ok, err := s.replay(ctx, t, actionReceive, p.IdempotencyKey); err != nil || ok {
		return replayed, err
	}
	if !t.Status.CanAdvanceTo(StatusFactoryReceived) {
		return nil, invalidTransition(t.Status, StatusFactoryReceived)
	}
	if p.ReceivedWeightKg.IsNegative() || p.ReceivedWeightKg.IsZero() {
		return nil, errutil.InvalidInput("received weight must be > 0")
	}
	if _, err := s.actors.Verified(ctx, p.FactoryID, actor.RoleFactory); err != nil {
		return nil, err
	}

	mismatch := mismatchPct(p.ReceivedWeightKg, t.ConfirmedWeightKg.Decimal)
	verdict, err := s.frauds.Evaluate(ctx, receiveFeatures(mismatch))
	if err != nil {
		return nil, err
	}

	updates := map[string]any{
		"received_weight_kg": p.ReceivedWeightKg,
		"factory_id":         p.FactoryID,
		"received_at":        time.Now(),
	}
	if holdsPayment(verdict) {
		updates["payment_hold"] = true
	}

	return s.transitionWithFlags(ctx, t, StatusFactoryReceived, p.FactoryID, p.IdempotencyKey, actionReceive, updates, verdict)
}

// ReleasePayout computes both payouts from the factory-verified weight and
// commits the treasury debits, the actor credits and the token flip in one
// transaction.
func (s *Service) ReleasePayout(ctx context.Context, tokenID, key string) (*Token, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	t, err := s.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if replayed, ok, err := s.replay(ctx, t, actionRelease, key); err != nil || ok {
		return replayed, err
	}
	if !t.Status.CanAdvanceTo(StatusPayoutReleased) {
		return nil, invalidTransition(t.Status, StatusPayoutReleased)
	}
	if t.PaymentHold {
		return nil, errutil.Conflict("payment hold active",
			errutil.WithDetails(errutil.Detail{Field: "token_id", Message: t.ID}))
	}
	if !t.ReceivedWeightKg.Valid {
		return nil, errutil.InvalidInput("received weight missing")
	}

	now := time.Now()
	weight := t.ReceivedWeightKg.Decimal
	collectorAmount, err := s.calc.CollectorPayout(string(t.WasteType), weight)
	if err != nil {
		return nil, err
	}
	vendorAmount, err := s.calc.VendorPayout(ctx, t.VendorID, weight, now)
	if err != nil {
		return nil, err
	}

	collectorAccount, err := s.ledger.EnsureAccount(ctx, t.CollectorID, ledger.AccountCollector)
	if err != nil {
		return nil, errutil.Internal("failed to ensure collector account", errutil.WithErr(err))
	}
	vendorAccount, err := s.ledger.EnsureAccount(ctx, t.VendorID, ledger.AccountVendor)
	if err != nil {
		return nil, errutil.Internal("failed to ensure vendor account", errutil.WithErr(err))
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.advance(ctx, tx, t, StatusPayoutReleased, map[string]any{
			"collector_payout": collectorAmount,
			"vendor_payout":    vendorAmount,
			"paid_at":          now,
		}); err != nil {
			return err
		}

		treasury := s.ledger.TreasuryAccountID()
		if _, err := s.ledger.TransferTx(ctx, tx, ledger.TransferParams{
			FromAccountID:  treasury,
			ToAccountID:    collectorAccount.ID,
			Amount:         collectorAmount,
			Kind:           ledger.KindEarn,
			TokenReference: t.Reference,
			Description:    fmt.Sprintf("collector payout %s", t.Reference),
		}); err != nil {
			return err
		}
		if _, err := s.ledger.TransferTx(ctx, tx, ledger.TransferParams{
			FromAccountID:  treasury,
			ToAccountID:    vendorAccount.ID,
			Amount:         vendorAmount,
			Kind:           ledger.KindEarn,
			TokenReference: t.Reference,
			Description:    fmt.Sprintf("vendor handling %s", t.Reference),
		}); err != nil {
			return err
		}

		factoryID := ""
		if t.FactoryID != nil {
			factoryID = *t.FactoryID
		}
		if err := s.appendTransition(ctx, tx, t.ID, t.Status, StatusPayoutReleased, factoryID, key); err != nil {
			return err
		}
		return s.recordIdempotency(ctx, tx, t.ID, actionRelease, key, StatusPayoutReleased)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payout released",
		zap.String("token_id", t.ID),
		zap.Int64("collector_payout", collectorAmount),
		zap.Int64("vendor_payout", vendorAmount),
	)
	return s.Get(ctx, tokenID)
}

// Cancel aborts any non-terminal token and clears its hold.
func (s *Service) Cancel(ctx context.Context, tokenID, key, actorID, reason string) (*Token, error) {
	t, err := s.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if replayed, ok, err := s.replay(ctx, t, actionCancel, key); err != nil || ok {
		return replayed, err
	}
	if !t.Status.CanAdvanceTo(StatusCancelled) {
		return nil, invalidTransition(t.Status, StatusCancelled)
	}

	return s.transitionWithFlags(ctx, t, StatusCancelled, actorID, key, actionCancel, map[string]any{
		"payment_hold":  false,
		"cancel_reason": reason,
		"cancelled_at":  time.Now(),
	}, fraud.Verdict{Outcome: fraud.OutcomeClear})
}

// ResolveFlag resolves one fraud flag and, when it was the last open flag on
// its token, drops the payment hold in the same transaction.
func (s *Service) ResolveFlag(ctx context.Context, flagID, resolvedBy, resolution string) error {
	if _, err := s.actors.Verified(ctx, resolvedBy, actor.RoleAdmin); err != nil {
		return err
	}

	flag, err := s.frauds.GetFlag(ctx, flagID)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.frauds.ResolveFlagTx(ctx, tx, flag, resolvedBy, resolution); err != nil {
			return err
		}

		open, err := s.frauds.OpenFlagCount(ctx, tx, flag.TokenID)
		if err != nil {
			return err
		}
		if open > 0 {
			return nil
		}

		res := tx.WithContext(ctx).Model(&Token{}).
			Where("id = ?", flag.TokenID).
			Updates(map[string]any{
				"payment_hold": false,
				"version":      gorm.Expr("version + 1"),
				"updated_at":   time.Now(),
			})
		return res.Error
	})
}

// autoLock cancels the token under a fraud verdict: terminal state, high
// flag, no payout ever. The matched siblings lock in the same transaction so
// no member of a duplicate set stays live after detection.
func (s *Service) autoLock(ctx context.Context, t *Token, siblings []*Token, actorID, key string, action string, verdict fraud.Verdict) error {
	var flags []fraud.FraudFlag
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.advance(ctx, tx, t, StatusCancelled, map[string]any{
			"payment_hold":  false,
			"cancel_reason": "fraud auto-lock",
			"cancelled_at":  time.Now(),
		}); err != nil {
			return err
		}
		if err := s.appendTransition(ctx, tx, t.ID, t.Status, StatusCancelled, actorID, key); err != nil {
			return err
		}
		if err := s.recordIdempotency(ctx, tx, t.ID, action, key, StatusCancelled); err != nil {
			return err
		}
		locked, err := s.frauds.RecordFlags(ctx, tx, t.ID, actorID, verdict)
		if err != nil {
			return err
		}
		flags = locked

		for _, sibling := range siblings {
			if !sibling.Status.CanAdvanceTo(StatusCancelled) {
				continue
			}
			if err := s.advance(ctx, tx, sibling, StatusCancelled, map[string]any{
				"payment_hold":  false,
				"cancel_reason": "fraud auto-lock",
				"cancelled_at":  time.Now(),
			}); err != nil {
				return err
			}
			if err := s.appendTransition(ctx, tx, sibling.ID, sibling.Status, StatusCancelled, actorID, ""); err != nil {
				return err
			}
			siblingFlags, err := s.frauds.RecordFlags(ctx, tx, sibling.ID, actorID, verdict)
			if err != nil {
				return err
			}
			flags = append(flags, siblingFlags...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.frauds.NotifyFlags(flags)
	s.logger.Warn("token auto-locked",
		zap.String("token_id", t.ID),
		zap.String("action", action),
	)
	return nil
}

// transitionWithFlags commits the state flip, its audit row, the idempotency
// record and any fraud flags in one transaction, then emits flag events.
func (s *Service) transitionWithFlags(ctx context.Context, t *Token, to Status, actorID, key, action string, updates map[string]any, verdict fraud.Verdict) (*Token, error) {
	var flags []fraud.FraudFlag
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.advance(ctx, tx, t, to, updates); err != nil {
			return err
		}
		if err := s.appendTransition(ctx, tx, t.ID, t.Status, to, actorID, key); err != nil {
			return err
		}
		if err := s.recordIdempotency(ctx, tx, t.ID, action, key, to); err != nil {
			return err
		}
		var err error
		flags, err = s.frauds.RecordFlags(ctx, tx, t.ID, actorID, verdict)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.frauds.NotifyFlags(flags)
	return s.Get(ctx, t.ID)
}

// advance flips the status under the optimistic version check. Zero rows
// touched means someone else advanced the token first.
func (s *Service) advance(ctx context.Context, tx *gorm.DB, t *Token, to Status, updates map[string]any) error {
	merged := map[string]any{
		"status":     to,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now(),
	}
	for k, v := range updates {
		merged[k] = v
	}

	res := tx.WithContext(ctx).Model(&Token{}).
		Where("id = ? AND version = ?", t.ID, t.Version).
		Updates(merged)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.ConcurrentModification("token was modified concurrently",
			errutil.WithDetails(errutil.Detail{Field: "token_id", Message: t.ID}))
	}
	return nil
}

func (s *Service) appendTransition(ctx context.Context, tx *gorm.DB, tokenID string, from, to Status, actorID, key string) error {
	return s.transitions.WithTrx(tx).Create(ctx, &TokenTransition{
		ID:             s.node.Generate().String(),
		TokenID:        tokenID,
		FromStatus:     from,
		ToStatus:       to,
		ActorID:        actorID,
		IdempotencyKey: key,
		CreatedAt:      time.Now(),
	})
}

func (s *Service) recordIdempotency(ctx context.Context, tx *gorm.DB, tokenID, action, key string, status Status) error {
	if key == "" {
		return nil
	}
	return s.idems.WithTrx(tx).Create(ctx, &IdempotencyRecord{
		ID:        s.node.Generate().String(),
		TokenID:   tokenID,
		Action:    action,
		Key:       key,
		Status:    status,
		CreatedAt: time.Now(),
	})
}

// replay answers a retried request from the recorded outcome without running
// the transition again.
func (s *Service) replay(ctx context.Context, t *Token, action, key string) (*Token, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	record, err := s.idems.FindOne(ctx, &IdempotencyRecord{TokenID: t.ID, Action: action, Key: key})
	if err != nil {
		return nil, false, errutil.Internal("failed to check idempotency", errutil.WithErr(err))
	}
	if record == nil {
		return nil, false, nil
	}
	return t, true, nil
}

// Transitions returns the audit trail of one token, oldest first.
func (s *Service) Transitions(ctx context.Context, tokenID string) ([]*TokenTransition, error) {
	var rows []*TokenTransition
	err := s.db.WithContext(ctx).
		Where("token_id = ?", tokenID).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, errutil.Internal("failed to list transitions", errutil.WithErr(err))
	}
	return rows, nil
}

func invalidTransition(from, to Status) error {
	return errutil.InvalidTransition(
		fmt.Sprintf("cannot move from %s to %s", from, to))
}

func ruleDetails(verdict fraud.Verdict) []errutil.Detail {
	details := make([]errutil.Detail, 0, len(verdict.Matched))
	for _, rule := range verdict.Matched {
		details = append(details, errutil.Detail{Field: "rule_id", Message: rule.RuleID})
	}
	return details
}

// holdsPayment reports whether a verdict is severe enough to hold the payout
// until review. Low-severity flags record without blocking.
func holdsPayment(verdict fraud.Verdict) bool {
	return verdict.Outcome == fraud.OutcomeFlag && verdict.Severity.Outranks(fraud.SeverityLow)
}

func gpsRuleMatched(verdict fraud.Verdict) bool {
	for _, rule := range verdict.Matched {
		if rule.RuleID == "gps_anomaly" {
			return true
		}
	}
	return false
}
