package token

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPendingVendorConfirmation Status = "pending_vendor_confirmation"
	StatusVendorConfirmed           Status = "vendor_confirmed"
	StatusInTransit                 Status = "in_transit"
	StatusFactoryReceived           Status = "factory_received"
	StatusPayoutReleased            Status = "payout_released"
	StatusCancelled                 Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusPayoutReleased || s == StatusCancelled
}

// transitions is the full lifecycle graph. Cancel is handled separately since
// it is reachable from every non-terminal state.
var transitions = map[Status]Status{
	StatusPendingVendorConfirmation: StatusVendorConfirmed,
	StatusVendorConfirmed:           StatusInTransit,
	StatusInTransit:                 StatusFactoryReceived,
	StatusFactoryReceived:           StatusPayoutReleased,
}

func (s Status) CanAdvanceTo(next Status) bool {
	if next == StatusCancelled {
		return !s.Terminal()
	}
	return transitions[s] == next
}

type WasteType string

const (
	WastePlastic WasteType = "plastic"
	WasteMetal   WasteType = "metal"
	WasteOrganic WasteType = "organic"
	WastePaper   WasteType = "paper"
	WasteGlass   WasteType = "glass"
	WasteEwaste  WasteType = "ewaste"
)

func (w WasteType) Valid() bool {
	switch w {
	case WastePlastic, WasteMetal, WasteOrganic, WastePaper, WasteGlass, WasteEwaste:
		return true
	default:
		return false
	}
}

// Metadata is the closed set of optional attachments a collector may submit.
type Metadata struct {
	VendorContact string   `json:"vendor_contact,omitempty"`
	GPSLat        *float64 `json:"gps_lat,omitempty"`
	GPSLng        *float64 `json:"gps_lng,omitempty"`
	PhotoRef      string   `json:"photo_ref,omitempty"`
}

func (m Metadata) HasGPS() bool {
	return m.GPSLat != nil && m.GPSLng != nil
}

// Token is one batch of waste moving from a collector through a vendor to a
// factory. Weights in kg, payouts in minor units; payouts are written once at
// release and never mutated afterwards.
type Token struct {
	ID                string                        `gorm:"column:id;primaryKey"`
	Reference         string                        `gorm:"column:reference;uniqueIndex"`
	CollectorID       string                        `gorm:"column:collector_id;index"`
	VendorID          string                        `gorm:"column:vendor_id;index"`
	FactoryID         *string                       `gorm:"column:factory_id;index"`
	WasteType         WasteType                     `gorm:"column:waste_type;type:varchar(20);index"`
	WeightKg          decimal.Decimal               `gorm:"column:weight_kg;type:decimal(12,3)"`
	ConfirmedWeightKg decimal.NullDecimal           `gorm:"column:confirmed_weight_kg;type:decimal(12,3)"`
	ReceivedWeightKg  decimal.NullDecimal           `gorm:"column:received_weight_kg;type:decimal(12,3)"`
	Status            Status                        `gorm:"column:status;type:varchar(40);index"`
	CollectorPayout   *int64                        `gorm:"column:collector_payout"`
	VendorPayout      *int64                        `gorm:"column:vendor_payout"`
	PaymentHold       bool                          `gorm:"column:payment_hold"`
	PhotoRequired     bool                          `gorm:"column:photo_required"`
	Region            string                        `gorm:"column:region;index"`
	Version           int64                         `gorm:"column:version"`
	Notes             string                        `gorm:"column:notes"`
	Metadata          datatypes.JSONType[Metadata]  `gorm:"column:metadata"`
	CancelReason      string                        `gorm:"column:cancel_reason"`
	SubmittedAt       time.Time                     `gorm:"column:submitted_at;index"`
	ConfirmedAt       *time.Time                    `gorm:"column:confirmed_at"`
	ShippedAt         *time.Time                    `gorm:"column:shipped_at"`
	ReceivedAt        *time.Time                    `gorm:"column:received_at"`
	PaidAt            *time.Time                    `gorm:"column:paid_at"`
	CancelledAt       *time.Time                    `gorm:"column:cancelled_at"`
	CreatedAt         time.Time                     `gorm:"column:created_at"`
	UpdatedAt         time.Time                     `gorm:"column:updated_at"`
}

func (Token) TableName() string { return "tokens" }

// TokenTransition is the append-only audit trail of lifecycle moves.
type TokenTransition struct {
	ID             string    `gorm:"column:id;primaryKey"`
	TokenID        string    `gorm:"column:token_id;index"`
	FromStatus     Status    `gorm:"column:from_status;type:varchar(40)"`
	ToStatus       Status    `gorm:"column:to_status;type:varchar(40)"`
	ActorID        string    `gorm:"column:actor_id"`
	IdempotencyKey string    `gorm:"column:idempotency_key"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (TokenTransition) TableName() string { return "token_transitions" }

// IdempotencyRecord pins the outcome of the first request carrying a given
// key so replays return the same answer without re-running the transition.
type IdempotencyRecord struct {
	ID        string    `gorm:"column:id;primaryKey"`
	TokenID   string    `gorm:"column:token_id;uniqueIndex:idx_idem_token_action_key"`
	Action    string    `gorm:"column:action;uniqueIndex:idx_idem_token_action_key"`
	Key       string    `gorm:"column:key;uniqueIndex:idx_idem_token_action_key"`
	Status    Status    `gorm:"column:status;type:varchar(40)"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }
