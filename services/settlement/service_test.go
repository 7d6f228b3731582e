package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trashure-engine/pkg/config"
	"trashure-engine/pkg/errutil"
	"trashure-engine/services/fraud"
	"trashure-engine/services/testutil"
	"trashure-engine/services/token"
)

func newService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &token.Token{}, &fraud.FraudFlag{})
	s := NewService(ServiceParams{DB: db, Config: config.Default(), Logger: zap.NewNop()})
	return s, db
}

func ptr[T any](v T) *T { return &v }

func seedTokens(t *testing.T, db *gorm.DB) {
	t.Helper()

	base := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	rows := []*token.Token{
		{
			ID: "t1", Reference: "TOK-1", CollectorID: "c1", VendorID: "v1",
			WasteType: token.WastePlastic, WeightKg: decimal.NewFromInt(50),
			ConfirmedWeightKg: decimal.NewNullDecimal(decimal.NewFromInt(50)),
			Status:            token.StatusPayoutReleased,
			CollectorPayout:   ptr(int64(4000)), VendorPayout: ptr(int64(750)),
			Region: "jakarta-selatan", SubmittedAt: base,
			ConfirmedAt: ptr(base.Add(time.Hour)), PaidAt: ptr(base.Add(4 * time.Hour)),
		},
		{
			ID: "t2", Reference: "TOK-2", CollectorID: "c1", VendorID: "v1",
			WasteType: token.WastePlastic, WeightKg: decimal.NewFromInt(20),
			ConfirmedWeightKg: decimal.NewNullDecimal(decimal.NewFromInt(20)),
			Status:            token.StatusPayoutReleased,
			CollectorPayout:   ptr(int64(1600)), VendorPayout: ptr(int64(300)),
			Region: "jakarta-selatan", SubmittedAt: base.Add(time.Hour),
			ConfirmedAt: ptr(base.Add(2 * time.Hour)), PaidAt: ptr(base.Add(3 * time.Hour)),
		},
		{
			ID: "t3", Reference: "TOK-3", CollectorID: "c2", VendorID: "v1",
			WasteType: token.WasteMetal, WeightKg: decimal.NewFromInt(10),
			ConfirmedWeightKg: decimal.NewNullDecimal(decimal.NewFromInt(12)),
			Status:            token.StatusVendorConfirmed,
			Region:            "bekasi", SubmittedAt: base.Add(2 * time.Hour),
			ConfirmedAt: ptr(base.Add(3 * time.Hour)),
		},
		{
			ID: "t4", Reference: "TOK-4", CollectorID: "c2", VendorID: "v2",
			WasteType: token.WasteOrganic, WeightKg: decimal.NewFromInt(100),
			Status: token.StatusCancelled, Region: "bekasi",
			SubmittedAt: base.Add(3 * time.Hour), CancelledAt: ptr(base.Add(4 * time.Hour)),
		},
	}
	for _, row := range rows {
		require.NoError(t, db.Create(row).Error)
	}

	require.NoError(t, db.Create(&fraud.FraudFlag{
		ID: "fl1", TokenID: "t3", ActorID: "v1", RuleID: "weight_manipulation",
		Severity: fraud.SeverityMedium, Outcome: fraud.OutcomeFlag,
		Status: fraud.FlagOpen, CreatedAt: base.Add(3 * time.Hour),
	}).Error)
	require.NoError(t, db.Create(&fraud.FraudFlag{
		ID: "fl2", TokenID: "t1", ActorID: "c1", RuleID: "velocity",
		Severity: fraud.SeverityLow, Outcome: fraud.OutcomeFlag,
		Status: fraud.FlagResolved, CreatedAt: base,
	}).Error)
}

func TestReport_CollectorSide(t *testing.T) {
	s, db := newService(t)
	seedTokens(t, db)

	report, err := s.Report(context.Background(), Query{Role: RoleCollector})
	require.NoError(t, err)

	require.Equal(t, int64(5600), report.SettledAmount)
	require.Equal(t, int64(2), report.SettledCount)
	// t3 pending: confirmed 12kg metal @120
	require.Equal(t, int64(1440), report.PendingAmount)
	require.Equal(t, int64(1), report.PendingCount)
	// resolved flags do not count
	require.Equal(t, int64(1), report.FlaggedCount)
	// latencies 4h and 2h
	require.Equal(t, 3*time.Hour, report.AvgSettlementLatency)
	require.Equal(t, []string{"bekasi", "jakarta-selatan"}, report.Regions)
}

func TestReport_VendorSide(t *testing.T) {
	s, db := newService(t)
	seedTokens(t, db)

	report, err := s.Report(context.Background(), Query{Role: RoleVendor, ActorID: "v1"})
	require.NoError(t, err)

	require.Equal(t, int64(1050), report.SettledAmount)
	require.Equal(t, int64(2), report.SettledCount)
	// t3 pending estimate: 12kg @15 handling fee
	require.Equal(t, int64(180), report.PendingAmount)
}

func TestReport_WindowAndStateFilter(t *testing.T) {
	s, db := newService(t)
	seedTokens(t, db)
	ctx := context.Background()

	from := time.Date(2026, time.March, 10, 9, 30, 0, 0, time.UTC)
	report, err := s.Report(ctx, Query{Role: RoleCollector, From: from})
	require.NoError(t, err)
	require.Equal(t, int64(1), report.SettledCount)
	require.Equal(t, int64(1600), report.SettledAmount)

	report, err = s.Report(ctx, Query{Role: RoleCollector, State: token.StatusVendorConfirmed})
	require.NoError(t, err)
	require.Zero(t, report.SettledCount)
	require.Equal(t, int64(1), report.PendingCount)
}

func TestReport_Validation(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	_, err := s.Report(ctx, Query{Role: "factory"})
	require.Equal(t, errutil.StatusInvalidInput, errutil.Code(err))

	now := time.Now()
	_, err = s.Report(ctx, Query{Role: RoleCollector, From: now, To: now.Add(-time.Hour)})
	require.Equal(t, errutil.StatusInvalidInput, errutil.Code(err))
}

func TestVendorMonthlyWeightKg(t *testing.T) {
	s, db := newService(t)
	seedTokens(t, db)
	ctx := context.Background()

	at := time.Date(2026, time.March, 20, 0, 0, 0, 0, time.UTC)
	total, err := s.VendorMonthlyWeightKg(ctx, "v1", at)
	require.NoError(t, err)
	require.True(t, total.Equal(decimal.NewFromInt(82)), "got %s", total)

	// a different month sums to zero
	total, err = s.VendorMonthlyWeightKg(ctx, "v1", at.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.True(t, total.IsZero())

	// unknown vendor sums to zero
	total, err = s.VendorMonthlyWeightKg(ctx, "v9", at)
	require.NoError(t, err)
	require.True(t, total.IsZero())
}

func TestCloseReminderTask(t *testing.T) {
	s, db := newService(t)
	seedTokens(t, db)

	task := NewTask(TaskParams{Service: s, Config: config.Default()})
	require.NoError(t, task.HandleCloseReminderTask(context.Background(), nil))
}
