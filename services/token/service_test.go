package token

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trashure-engine/pkg/config"
	"trashure-engine/pkg/errutil"
	"trashure-engine/services/actor"
	"trashure-engine/services/fraud"
	"trashure-engine/services/ledger"
	"trashure-engine/services/payout"
	"trashure-engine/services/testutil"
)

type stubSequence struct {
	mu sync.Mutex
	n  int
}

func (s *stubSequence) NextTokenReference(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("TOK-TEST-%04d", s.n), nil
}

func (s *stubSequence) NextTransferCode(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("TRF-TEST-%04d", s.n), nil
}

type stubActivity struct{}

func (stubActivity) VendorMonthlyWeightKg(context.Context, string, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fixture struct {
	service *Service
	ledger  *ledger.Service
	fraud   *fraud.Engine

	collectorID string
	vendorID    string
	factoryID   string
	adminID     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db := testutil.NewTestDB(t,
		&Token{}, &TokenTransition{}, &IdempotencyRecord{},
		&fraud.FraudRule{}, &fraud.FraudFlag{},
		&ledger.Account{}, &ledger.LedgerEntry{}, &ledger.TreasuryDelta{},
		&actor.Actor{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	cfg := config.Default()

	engine := fraud.NewEngine(fraud.EngineParams{
		Config: cfg, DB: db, Logger: zap.NewNop(), Node: node,
	})
	require.NoError(t, engine.SeedRules(ctx, cfg.Fraud))

	books := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Sequence: &stubSequence{}, Config: cfg})
	_, err = books.EnsureAccount(ctx, books.TreasuryAccountID(), ledger.AccountTreasury)
	require.NoError(t, err)

	calc := payout.NewCalculator(payout.Params{Config: cfg, Activity: stubActivity{}})
	actors := actor.NewService(actor.ServiceParams{DB: db})

	fx := &fixture{
		ledger:      books,
		fraud:       engine,
		collectorID: "collector-1",
		vendorID:    "vendor-1",
		factoryID:   "factory-1",
		adminID:     "admin-1",
	}

	seed := []*actor.Actor{
		{ID: fx.collectorID, Role: actor.RoleCollector, Verified: true, Region: "jakarta-selatan",
			CentroidLat: -6.26, CentroidLng: 106.81, ServiceRadiusKm: 25},
		{ID: fx.vendorID, Role: actor.RoleVendor, Verified: true, Region: "jakarta-selatan"},
		{ID: fx.factoryID, Role: actor.RoleFactory, Verified: true, Region: "bekasi"},
		{ID: fx.adminID, Role: actor.RoleAdmin, Verified: true},
		{ID: "vendor-unverified", Role: actor.RoleVendor, Verified: false},
	}
	for _, a := range seed {
		require.NoError(t, db.Create(a).Error)
	}

	fx.service = NewService(ServiceParams{
		DB:       db,
		Config:   cfg,
		Node:     node,
		Sequence: &stubSequence{},
		Actors:   actors,
		Payout:   calc,
		Fraud:    engine,
		Ledger:   books,
		Logger:   zap.NewNop(),
	})
	return fx
}

func (f *fixture) submit(t *testing.T, weightKg string) *Token {
	t.Helper()
	tok, err := f.service.Submit(context.Background(), SubmitParams{
		CollectorID: f.collectorID,
		VendorID:    f.vendorID,
		WasteType:   WastePlastic,
		WeightKg:    decimal.RequireFromString(weightKg),
	})
	require.NoError(t, err)
	return tok
}

func (f *fixture) toReceived(t *testing.T, weightKg string) *Token {
	t.Helper()
	ctx := context.Background()

	tok := f.submit(t, weightKg)
	tok, err := f.service.VendorConfirm(ctx, ConfirmParams{
		TokenID:           tok.ID,
		ConfirmedWeightKg: decimal.RequireFromString(weightKg),
	})
	require.NoError(t, err)

	tok, err = f.service.Ship(ctx, tok.ID, "")
	require.NoError(t, err)

	tok, err = f.service.FactoryReceive(ctx, ReceiveParams{
		TokenID:          tok.ID,
		FactoryID:        f.factoryID,
		ReceivedWeightKg: decimal.RequireFromString(weightKg),
	})
	require.NoError(t, err)
	return tok
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)

	tok := f.submit(t, "50")
	require.Equal(t, StatusPendingVendorConfirmation, tok.Status)
	require.NotEmpty(t, tok.Reference)
	require.Equal(t, "jakarta-selatan", tok.Region)
	require.False(t, tok.PaymentHold)

	history, err := f.service.Transitions(context.Background(), tok.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, StatusPendingVendorConfirmation, history[0].ToStatus)
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		params SubmitParams
	}{
		{
			name: "zero weight",
			params: SubmitParams{CollectorID: f.collectorID, VendorID: f.vendorID,
				WasteType: WastePlastic, WeightKg: decimal.Zero},
		},
		{
			name: "negative weight",
			params: SubmitParams{CollectorID: f.collectorID, VendorID: f.vendorID,
				WasteType: WastePlastic, WeightKg: decimal.NewFromInt(-3)},
		},
		{
			name: "unknown waste type",
			params: SubmitParams{CollectorID: f.collectorID, VendorID: f.vendorID,
				WasteType: "styrofoam", WeightKg: decimal.NewFromInt(5)},
		},
		{
			name: "unverified vendor",
			params: SubmitParams{CollectorID: f.collectorID, VendorID: "vendor-unverified",
				WasteType: WastePlastic, WeightKg: decimal.NewFromInt(5)},
		},
		{
			name: "unknown collector",
			params: SubmitParams{CollectorID: "nobody", VendorID: f.vendorID,
				WasteType: WastePlastic, WeightKg: decimal.NewFromInt(5)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Submit(ctx, tt.params)
			require.Error(t, err)
			require.Equal(t, errutil.StatusInvalidInput, errutil.Code(err))
		})
	}
}

func TestLifecycle_ReleasePaysBothSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := f.toReceived(t, "50")
	tok, err := f.service.ReleasePayout(ctx, tok.ID, "")
	require.NoError(t, err)

	require.Equal(t, StatusPayoutReleased, tok.Status)
	require.NotNil(t, tok.CollectorPayout)
	require.NotNil(t, tok.VendorPayout)
	require.Equal(t, int64(4000), *tok.CollectorPayout)
	require.Equal(t, int64(750), *tok.VendorPayout)
	require.NotNil(t, tok.PaidAt)

	collectorAccount, err := f.ledger.EnsureAccount(ctx, f.collectorID, ledger.AccountCollector)
	require.NoError(t, err)
	vendorAccount, err := f.ledger.EnsureAccount(ctx, f.vendorID, ledger.AccountVendor)
	require.NoError(t, err)

	collectorBalance, err := f.ledger.GetBalance(ctx, collectorAccount.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4000), collectorBalance)

	vendorBalance, err := f.ledger.GetBalance(ctx, vendorAccount.ID)
	require.NoError(t, err)
	require.Equal(t, int64(750), vendorBalance)

	treasuryBalance, err := f.ledger.GetBalance(ctx, f.ledger.TreasuryAccountID())
	require.NoError(t, err)
	require.Equal(t, int64(-4750), treasuryBalance)

	// every transfer sums to zero across its two entries
	for _, accountID := range []string{collectorAccount.ID, vendorAccount.ID, f.ledger.TreasuryAccountID()} {
		ok, err := f.ledger.VerifyChain(ctx, accountID)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestTransitions_InvalidMovesRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := f.submit(t, "10")

	_, err := f.service.Ship(ctx, tok.ID, "")
	require.Equal(t, errutil.StatusInvalidTransition, errutil.Code(err))

	_, err = f.service.ReleasePayout(ctx, tok.ID, "")
	require.Equal(t, errutil.StatusInvalidTransition, errutil.Code(err))

	_, err = f.service.FactoryReceive(ctx, ReceiveParams{
		TokenID: tok.ID, FactoryID: f.factoryID, ReceivedWeightKg: decimal.NewFromInt(10),
	})
	require.Equal(t, errutil.StatusInvalidTransition, errutil.Code(err))

	// cancelled is terminal
	tok2, err := f.service.Cancel(ctx, tok.ID, "", f.collectorID, "changed mind")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, tok2.Status)

	_, err = f.service.VendorConfirm(ctx, ConfirmParams{
		TokenID: tok.ID, ConfirmedWeightKg: decimal.NewFromInt(10),
	})
	require.Equal(t, errutil.StatusInvalidTransition, errutil.Code(err))

	_, err = f.service.Cancel(ctx, tok.ID, "", f.collectorID, "again")
	require.Equal(t, errutil.StatusInvalidTransition, errutil.Code(err))
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := f.submit(t, "20")

	first, err := f.service.VendorConfirm(ctx, ConfirmParams{
		TokenID:           tok.ID,
		IdempotencyKey:    "confirm-1",
		ConfirmedWeightKg: decimal.NewFromInt(20),
	})
	require.NoError(t, err)
	require.Equal(t, StatusVendorConfirmed, first.Status)

	replayed, err := f.service.VendorConfirm(ctx, ConfirmParams{
		TokenID:           tok.ID,
		IdempotencyKey:    "confirm-1",
		ConfirmedWeightKg: decimal.NewFromInt(99),
	})
	require.NoError(t, err)
	require.Equal(t, StatusVendorConfirmed, replayed.Status)
	require.True(t, replayed.ConfirmedWeightKg.Decimal.Equal(decimal.NewFromInt(20)))

	history, err := f.service.Transitions(ctx, tok.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestIdempotentReplay_ReleaseWritesLedgerOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := f.toReceived(t, "50")

	_, err := f.service.ReleasePayout(ctx, tok.ID, "release-1")
	require.NoError(t, err)

	_, err = f.service.ReleasePayout(ctx, tok.ID, "release-1")
	require.NoError(t, err)

	collectorAccount, err := f.ledger.EnsureAccount(ctx, f.collectorID, ledger.AccountCollector)
	require.NoError(t, err)
	entries, err := f.ledger.ListEntries(ctx, collectorAccount.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFactoryReceive_MismatchHoldsPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := f.submit(t, "100")
	tok, err := f.service.VendorConfirm(ctx, ConfirmParams{
		TokenID: tok.ID, ConfirmedWeightKg: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	tok, err = f.service.Ship(ctx, tok.ID, "")
	require.NoError(t, err)

	// 84kg against 100kg confirmed is a 16% deviation
	tok, err = f.service.FactoryReceive(ctx, ReceiveParams{
		TokenID:          tok.ID,
		FactoryID:        f.factoryID,
		ReceivedWeightKg: decimal.NewFromInt(84),
	})
	require.NoError(t, err)
	require.Equal(t, StatusFactoryReceived, tok.Status)
	require.True(t, tok.PaymentHold)

	_, err = f.service.ReleasePayout(ctx, tok.ID, "")
	require.Equal(t, errutil.StatusConflict, errutil.Code(err))

	// resolving the flag lifts the hold
	var flags []*fraud.FraudFlag
	require.NoError(t, f.service.db.Where("token_id = ?", tok.ID).Find(&flags).Error)
	require.Len(t, flags, 1)
	require.Equal(t, fraud.SeverityMedium, flags[0].Severity)

	require.NoError(t, f.service.ResolveFlag(ctx, flags[0].ID, f.adminID, "vendor provided weigh slip"))

	released, err := f.service.ReleasePayout(ctx, tok.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusPayoutReleased, released.Status)
	require.False(t, released.PaymentHold)
}

func TestFactoryReceive_ToleratedMismatchPasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := f.submit(t, "100")
	tok, err := f.service.VendorConfirm(ctx, ConfirmParams{
		TokenID: tok.ID, ConfirmedWeightKg: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	tok, err = f.service.Ship(ctx, tok.ID, "")
	require.NoError(t, err)

	tok, err = f.service.FactoryReceive(ctx, ReceiveParams{
		TokenID:          tok.ID,
		FactoryID:        f.factoryID,
		ReceivedWeightKg: decimal.NewFromInt(90),
	})
	require.NoError(t, err)
	require.False(t, tok.PaymentHold)
}

func TestVendorConfirm_DuplicateAutoLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.submit(t, "30")
	second := f.submit(t, "30")

	// confirming either member of a near-identical pair locks the whole
	// pair at detection, and neither side ever pays out
	_, err := f.service.VendorConfirm(ctx, ConfirmParams{
		TokenID: first.ID, ConfirmedWeightKg: decimal.NewFromInt(30),
	})
	require.Equal(t, errutil.StatusFraudAutoLock, errutil.Code(err))

	for _, id := range []string{first.ID, second.ID} {
		locked, err := f.service.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, locked.Status)
		require.Equal(t, "fraud auto-lock", locked.CancelReason)
		require.Nil(t, locked.CollectorPayout)

		var flags []*fraud.FraudFlag
		require.NoError(t, f.service.db.Where("token_id = ?", id).Find(&flags).Error)
		require.NotEmpty(t, flags)
		require.Equal(t, fraud.SeverityHigh, flags[0].Severity)
	}

	// the sibling is already terminal, so its own confirmation can only
	// fail the transition check
	_, err = f.service.VendorConfirm(ctx, ConfirmParams{
		TokenID: second.ID, ConfirmedWeightKg: decimal.NewFromInt(30),
	})
	require.Equal(t, errutil.StatusInvalidTransition, errutil.Code(err))
}

func TestSubmit_GPSAnomalyRequiresPhoto(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// roughly 110km north of the collector's centroid
	lat, lng := -5.26, 106.81
	tok, err := f.service.Submit(ctx, SubmitParams{
		CollectorID: f.collectorID,
		VendorID:    f.vendorID,
		WasteType:   WasteMetal,
		WeightKg:    decimal.NewFromInt(10),
		Metadata:    Metadata{GPSLat: &lat, GPSLng: &lng},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPendingVendorConfirmation, tok.Status)
	require.True(t, tok.PhotoRequired)

	_, err = f.service.VendorConfirm(ctx, ConfirmParams{
		TokenID: tok.ID, ConfirmedWeightKg: decimal.NewFromInt(10),
	})
	require.Equal(t, errutil.StatusInvalidInput, errutil.Code(err))

	confirmed, err := f.service.VendorConfirm(ctx, ConfirmParams{
		TokenID:           tok.ID,
		ConfirmedWeightKg: decimal.NewFromInt(10),
		PhotoRef:          "photos/handover-1.jpg",
	})
	require.NoError(t, err)
	require.Equal(t, StatusVendorConfirmed, confirmed.Status)
}

func TestSubmit_VelocityFlagsWithoutBlocking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// the limit is 10 per window: the 10th submission is still clean, the
	// 11th is the first past the limit and carries the flag
	var tenth, eleventh *Token
	for i := 0; i < 11; i++ {
		tok, err := f.service.Submit(ctx, SubmitParams{
			CollectorID: f.collectorID,
			VendorID:    f.vendorID,
			WasteType:   WasteOrganic,
			WeightKg:    decimal.NewFromInt(int64(i + 1)),
		})
		require.NoError(t, err)
		if i == 9 {
			tenth = tok
		}
		eleventh = tok
	}

	require.Equal(t, StatusPendingVendorConfirmation, eleventh.Status)
	require.False(t, eleventh.PaymentHold)

	var flags []*fraud.FraudFlag
	require.NoError(t, f.service.db.Where("token_id = ?", tenth.ID).Find(&flags).Error)
	require.Empty(t, flags)

	require.NoError(t, f.service.db.Where("token_id = ?", eleventh.ID).Find(&flags).Error)
	require.Len(t, flags, 1)
	require.Equal(t, "velocity", flags[0].RuleID)
	require.Equal(t, fraud.SeverityLow, flags[0].Severity)
}

func TestConcurrentRelease_ExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := f.toReceived(t, "50")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.ReleasePayout(ctx, tok.ID, "")
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		losses++
		code := errutil.Code(err)
		require.Contains(t, []errutil.CoreStatus{
			errutil.StatusConcurrentModification,
			errutil.StatusInvalidTransition,
		}, code)
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, losses)

	collectorAccount, err := f.ledger.EnsureAccount(ctx, f.collectorID, ledger.AccountCollector)
	require.NoError(t, err)
	entries, err := f.ledger.ListEntries(ctx, collectorAccount.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCancel_ClearsHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := f.submit(t, "100")
	tok, err := f.service.VendorConfirm(ctx, ConfirmParams{
		TokenID: tok.ID, ConfirmedWeightKg: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	tok, err = f.service.Ship(ctx, tok.ID, "")
	require.NoError(t, err)
	tok, err = f.service.FactoryReceive(ctx, ReceiveParams{
		TokenID: tok.ID, FactoryID: f.factoryID, ReceivedWeightKg: decimal.NewFromInt(80),
	})
	require.NoError(t, err)
	require.True(t, tok.PaymentHold)

	cancelled, err := f.service.Cancel(ctx, tok.ID, "", f.adminID, "disputed batch")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.False(t, cancelled.PaymentHold)
	require.Equal(t, "disputed batch", cancelled.CancelReason)
}

func TestResolveFlag_RequiresAdmin(t *testing.T) {
	f := newFixture(t)

	err := f.service.ResolveFlag(context.Background(), "flag-x", f.vendorID, "nope")
	require.Equal(t, errutil.StatusInvalidInput, errutil.Code(err))
}
