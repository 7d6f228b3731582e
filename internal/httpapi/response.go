package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"trashure-engine/services/ledger"
	"trashure-engine/services/token"
)

func tokenResponse(t *token.Token) gin.H {
	resp := gin.H{
		"id":           t.ID,
		"reference":    t.Reference,
		"collector_id": t.CollectorID,
		"vendor_id":    t.VendorID,
		"waste_type":   t.WasteType,
		"weight_kg":    t.WeightKg.String(),
		"status":       t.Status,
		"payment_hold": t.PaymentHold,
		"region":       t.Region,
		"submitted_at": t.SubmittedAt,
	}

	if t.FactoryID != nil {
		resp["factory_id"] = *t.FactoryID
	}
	if t.ConfirmedWeightKg.Valid {
		resp["confirmed_weight_kg"] = t.ConfirmedWeightKg.Decimal.String()
	}
	if t.ReceivedWeightKg.Valid {
		resp["received_weight_kg"] = t.ReceivedWeightKg.Decimal.String()
	}
	if t.CollectorPayout != nil {
		resp["collector_payout"] = *t.CollectorPayout
	}
	if t.VendorPayout != nil {
		resp["vendor_payout"] = *t.VendorPayout
	}
	if t.PhotoRequired {
		resp["photo_required"] = true
	}
	if t.Notes != "" {
		resp["notes"] = t.Notes
	}
	if t.CancelReason != "" {
		resp["cancel_reason"] = t.CancelReason
	}
	if meta := t.Metadata.Data(); meta != (token.Metadata{}) {
		resp["metadata"] = meta
	}

	timestamps := map[string]*time.Time{
		"confirmed_at": t.ConfirmedAt,
		"shipped_at":   t.ShippedAt,
		"received_at":  t.ReceivedAt,
		"paid_at":      t.PaidAt,
		"cancelled_at": t.CancelledAt,
	}
	for name, at := range timestamps {
		if at != nil {
			resp[name] = at
		}
	}

	return resp
}

func transitionsResponse(rows []*token.TokenTransition) []gin.H {
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"from":       row.FromStatus,
			"to":         row.ToStatus,
			"actor_id":   row.ActorID,
			"created_at": row.CreatedAt,
		})
	}
	return out
}

func entriesResponse(rows []*ledger.LedgerEntry) []gin.H {
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"id":              row.ID,
			"amount":          row.Amount,
			"kind":            row.Kind,
			"transfer_id":     row.TransferID,
			"token_reference": row.TokenReference,
			"description":     row.Description,
			"created_at":      row.CreatedAt,
		})
	}
	return out
}
