package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

type AccountRole string

const (
	AccountCollector AccountRole = "collector"
	AccountVendor    AccountRole = "vendor"
	AccountFactory   AccountRole = "factory"
	AccountTreasury  AccountRole = "treasury"
)

// Account carries a materialized balance in minor units. Actor balances never
// go negative; the treasury account may carry a deficit marker because its
// balance is folded in from the delta log.
type Account struct {
	ID        string      `gorm:"column:id;primaryKey"`
	OwnerID   string      `gorm:"column:owner_id;uniqueIndex"`
	Role      AccountRole `gorm:"column:role;type:varchar(20);index"`
	Balance   int64       `gorm:"column:balance"`
	Version   int64       `gorm:"column:version"`
	CreatedAt time.Time   `gorm:"column:created_at"`
	UpdatedAt time.Time   `gorm:"column:updated_at"`
}

func (Account) TableName() string { return "accounts" }

type EntryKind string

const (
	KindEarn     EntryKind = "earn"
	KindRedeem   EntryKind = "redeem"
	KindBonus    EntryKind = "bonus"
	KindPenalty  EntryKind = "penalty"
	KindTransfer EntryKind = "transfer"
)

func (k EntryKind) Valid() bool {
	switch k {
	case KindEarn, KindRedeem, KindBonus, KindPenalty, KindTransfer:
		return true
	default:
		return false
	}
}

// LedgerEntry is one immutable side of a double-entry transfer. Entries of one
// account form a hash chain so history tampering is detectable.
type LedgerEntry struct {
	ID             string    `gorm:"column:id;primaryKey"`
	CreatedAt      time.Time `gorm:"column:created_at;index"`
	AccountID      string    `gorm:"column:account_id;index"`
	Amount         int64     `gorm:"column:amount"`
	Kind           EntryKind `gorm:"column:kind;type:varchar(20)"`
	TransferID     string    `gorm:"column:transfer_id;index"`
	TokenReference string    `gorm:"column:token_reference;index"`
	Description    string    `gorm:"column:description"`
	PreviousHash   string    `gorm:"column:previous_hash"`
	Hash           string    `gorm:"column:hash"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (e *LedgerEntry) HashFields() map[string]string {
	return map[string]string{
		"id":              e.ID,
		"account_id":      e.AccountID,
		"amount":          fmt.Sprintf("%d", e.Amount),
		"kind":            string(e.Kind),
		"transfer_id":     e.TransferID,
		"token_reference": e.TokenReference,
		"description":     e.Description,
		"created_at":      e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":   e.PreviousHash,
	}
}

func (e *LedgerEntry) GenerateHash() string {
	fields := e.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// TreasuryDelta is an append-only balance mutation for the treasury pool.
// Every releasePayout touches the treasury, so the hot row is replaced by this
// log and folded into Account.Balance by the materializer.
type TreasuryDelta struct {
	ID           string    `gorm:"column:id;primaryKey"`
	Amount       int64     `gorm:"column:amount"`
	TransferID   string    `gorm:"column:transfer_id;index"`
	Materialized bool      `gorm:"column:materialized;index"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (TreasuryDelta) TableName() string { return "treasury_deltas" }
