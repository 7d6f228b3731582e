package ledger

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trashure-engine/pkg/config"
	"trashure-engine/pkg/db/option"
	"trashure-engine/pkg/errutil"
	"trashure-engine/pkg/repository"
	"trashure-engine/pkg/sequence"
)

type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	seq        sequence.Generator
	treasuryID string

	accounts repository.Repository[Account]
	entries  repository.Repository[LedgerEntry]
	deltas   repository.Repository[TreasuryDelta]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Sequence sequence.Generator
	Config   *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		node:       p.Node,
		seq:        p.Sequence,
		treasuryID: p.Config.Treasury.AccountID,

		accounts: repository.ProvideStore[Account](p.DB),
		entries:  repository.ProvideStore[LedgerEntry](p.DB),
		deltas:   repository.ProvideStore[TreasuryDelta](p.DB),
	}
}

// TreasuryAccountID returns the distinguished treasury pool account id.
func (s *Service) TreasuryAccountID() string {
	return s.treasuryID
}

// EnsureAccount returns the account owned by ownerID, creating it with a zero
// balance on first contact.
func (s *Service) EnsureAccount(ctx context.Context, ownerID string, role AccountRole) (*Account, error) {
	account, err := s.accounts.FindOne(ctx, &Account{OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}

	account = &Account{
		ID:        s.node.Generate().String(),
		OwnerID:   ownerID,
		Role:      role,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if role == AccountTreasury {
		account.ID = s.treasuryID
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// GetBalance reads the committed balance. The treasury balance is its
// materialized value plus the unmaterialized delta tail.
func (s *Service) GetBalance(ctx context.Context, accountID string) (int64, error) {
	account, err := s.accounts.FindOne(ctx, &Account{ID: accountID})
	if err != nil {
		return 0, err
	}
	if account == nil {
		return 0, errutil.NotFound("account not found")
	}

	if account.Role != AccountTreasury {
		return account.Balance, nil
	}

	pending, err := s.pendingTreasuryDelta(ctx, s.db)
	if err != nil {
		return 0, err
	}
	return account.Balance + pending, nil
}

type TransferParams struct {
	FromAccountID  string
	ToAccountID    string
	Amount         int64
	Kind           EntryKind
	TokenReference string
	Description    string
}

// Transfer commits one balanced double-entry mutation in its own transaction.
func (s *Service) Transfer(ctx context.Context, p TransferParams) (string, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	var transferID string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		transferID, err = s.TransferTx(ctx, tx, p)
		return err
	})
	return transferID, err
}

// TransferTx appends a balanced entry pair inside an externally owned
// transaction. Token transitions use it so ledger rows and token state share
// one failure domain: both commit or neither does.
func (s *Service) TransferTx(ctx context.Context, tx *gorm.DB, p TransferParams) (string, error) {
	if p.Amount <= 0 {
		return "", errutil.InvalidInput("amount must be > 0")
	}
	if !p.Kind.Valid() {
		return "", errutil.InvalidInput("unsupported entry kind")
	}
	if p.FromAccountID == p.ToAccountID {
		return "", errutil.InvalidInput("transfer endpoints must differ")
	}

	transferID, err := s.seq.NextTransferCode(ctx)
	if err != nil {
		zap.L().Error("failed to generate transfer code", zap.Error(err))
		return "", err
	}

	if err := s.applySide(ctx, tx, p.FromAccountID, -p.Amount, transferID, p); err != nil {
		return "", err
	}
	if err := s.applySide(ctx, tx, p.ToAccountID, p.Amount, transferID, p); err != nil {
		return "", err
	}

	return transferID, nil
}

// applySide moves one signed amount on one account: balance mutation (or
// treasury delta) plus the hash-chained entry.
func (s *Service) applySide(ctx context.Context, tx *gorm.DB, accountID string, amount int64, transferID string, p TransferParams) error {
	accountsTx := s.accounts.WithTrx(tx)

	account, err := accountsTx.FindOne(ctx, &Account{ID: accountID}, option.WithLockingUpdate())
	if err != nil {
		return err
	}
	if account == nil {
		return errutil.NotFound("account not found")
	}

	if account.Role == AccountTreasury {
		if err := s.deltas.WithTrx(tx).Create(ctx, &TreasuryDelta{
			ID:         s.node.Generate().String(),
			Amount:     amount,
			TransferID: transferID,
			CreatedAt:  time.Now(),
		}); err != nil {
			return err
		}
	} else {
		if amount < 0 && account.Balance+amount < 0 {
			return errutil.InsufficientFunds("balance cannot cover amount",
				errutil.WithDetails(errutil.Detail{Field: "account_id", Message: accountID}))
		}
		if err := accountsTx.Update(ctx, account.ID, map[string]any{
			"balance":    gorm.Expr("balance + ?", amount),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		}); err != nil {
			return err
		}
	}

	return s.appendEntry(ctx, tx, &LedgerEntry{
		ID:             s.node.Generate().String(),
		AccountID:      accountID,
		Amount:         amount,
		Kind:           p.Kind,
		TransferID:     transferID,
		TokenReference: p.TokenReference,
		Description:    p.Description,
		CreatedAt:      time.Now(),
	})
}

func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, entry *LedgerEntry) error {
	last, err := s.lastEntry(ctx, tx, entry.AccountID)
	if err != nil {
		return err
	}

	entry.PreviousHash = "GENESIS"
	if last != nil {
		entry.PreviousHash = last.Hash
	}
	entry.Hash = entry.GenerateHash()

	return s.entries.WithTrx(tx).Create(ctx, entry)
}

// Redeem withdraws against the caller's own balance; the amount returns to
// the treasury pool.
func (s *Service) Redeem(ctx context.Context, accountID string, amount int64, description string) (string, error) {
	return s.Transfer(ctx, TransferParams{
		FromAccountID: accountID,
		ToAccountID:   s.treasuryID,
		Amount:        amount,
		Kind:          KindRedeem,
		Description:   description,
	})
}

func (s *Service) ListEntries(ctx context.Context, accountID string) ([]*LedgerEntry, error) {
	return s.entries.Find(ctx, &LedgerEntry{AccountID: accountID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "created_at",
		OrderBy: "asc",
		Allow:   map[string]bool{"created_at": true},
	}))
}

// RecentEntries returns the newest entries first, capped at limit. The wallet
// read path uses it so a busy account does not return its whole history.
func (s *Service) RecentEntries(ctx context.Context, accountID string, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.entries.Find(ctx, &LedgerEntry{AccountID: accountID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.WithLimit(limit),
	)
}

// VerifyChain walks one account's entries and checks every hash link.
func (s *Service) VerifyChain(ctx context.Context, accountID string) (bool, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	entries, err := s.ListEntries(ctx, accountID)
	if err != nil {
		zap.L().Error("failed to query entries", zap.Error(err), zap.String("account_id", accountID))
		return false, err
	}

	lastHash := "GENESIS"
	for _, entry := range entries {
		if entry.Hash != entry.GenerateHash() || entry.PreviousHash != lastHash {
			return false, nil
		}
		lastHash = entry.Hash
	}

	return true, nil
}

// MaterializeTreasury folds unmaterialized deltas into the treasury row. The
// worker runs it periodically so reads stay cheap without a hot row on the
// write path.
func (s *Service) MaterializeTreasury(ctx context.Context) (int64, error) {
	var folded int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		accountsTx := s.accounts.WithTrx(tx)

		treasury, err := accountsTx.FindOne(ctx, &Account{ID: s.treasuryID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if treasury == nil {
			return errutil.NotFound("treasury account not found")
		}

		// materialized=false would be dropped from a query-by-struct, so
		// the predicate goes through the operator option
		pending, err := s.deltas.WithTrx(tx).Find(ctx, &TreasuryDelta{},
			option.ApplyOperator(option.Condition{Field: "materialized", Operator: option.NEQ, Value: true}),
			option.WithLockingUpdate(),
		)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		var sum int64
		for _, d := range pending {
			sum += d.Amount
			d.Materialized = true
		}

		if err := accountsTx.Update(ctx, treasury.ID, map[string]any{
			"balance":    gorm.Expr("balance + ?", sum),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		}); err != nil {
			return err
		}

		if err := s.deltas.WithTrx(tx).BatchUpdate(ctx, pending); err != nil {
			return err
		}

		folded = int64(len(pending))
		return nil
	})
	return folded, err
}

func (s *Service) pendingTreasuryDelta(ctx context.Context, tx *gorm.DB) (int64, error) {
	var sum int64
	err := tx.WithContext(ctx).
		Model(&TreasuryDelta{}).
		Where("materialized = ?", false).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}

func (s *Service) lastEntry(ctx context.Context, tx *gorm.DB, accountID string) (*LedgerEntry, error) {
	return s.entries.WithTrx(tx).FindOne(ctx, &LedgerEntry{AccountID: accountID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.WithLockingUpdate(),
	)
}
