package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"

	"trashure-engine/pkg/errutil"
	"trashure-engine/pkg/middleware"
	"trashure-engine/services/ledger"
	"trashure-engine/services/settlement"
	"trashure-engine/services/token"
)

type Handler struct {
	tokens      *token.Service
	books       *ledger.Service
	settlements *settlement.Service
}

type HandlerParams struct {
	fx.In

	Tokens      *token.Service
	Ledger      *ledger.Service
	Settlements *settlement.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		tokens:      p.Tokens,
		books:       p.Ledger,
		settlements: p.Settlements,
	}
}

// guardTreasury keeps the treasury pool off the public wallet surface: only
// payout release and redemption move treasury funds, never a caller-named
// transfer endpoint.
func (h *Handler) guardTreasury(accountIDs ...string) error {
	for _, id := range accountIDs {
		if id == h.books.TreasuryAccountID() {
			return errutil.InvalidInput("treasury is not a wallet account",
				errutil.WithDetails(errutil.Detail{Field: "account_id", Message: id}))
		}
	}
	return nil
}

type submitRequest struct {
	CollectorID string   `json:"collector_id" binding:"required"`
	VendorID    string   `json:"vendor_id" binding:"required"`
	WasteType   string   `json:"waste_type" binding:"required"`
	WeightKg    string   `json:"weight_kg" binding:"required"`
	Notes       string   `json:"notes"`
	Metadata    metadata `json:"metadata"`
}

type metadata struct {
	VendorContact string   `json:"vendor_contact"`
	GPSLat        *float64 `json:"gps_lat"`
	GPSLng        *float64 `json:"gps_lng"`
	PhotoRef      string   `json:"photo_ref"`
}

func (h *Handler) submitToken(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.InvalidInput("malformed request body", errutil.WithErr(err)))
		return
	}
	weight, err := decimal.NewFromString(req.WeightKg)
	if err != nil {
		c.Error(errutil.InvalidInput("weight_kg must be a decimal number"))
		return
	}

	t, err := h.tokens.Submit(c.Request.Context(), token.SubmitParams{
		CollectorID: req.CollectorID,
		VendorID:    req.VendorID,
		WasteType:   token.WasteType(req.WasteType),
		WeightKg:    weight,
		Notes:       req.Notes,
		Metadata: token.Metadata{
			VendorContact: req.Metadata.VendorContact,
			GPSLat:        req.Metadata.GPSLat,
			GPSLng:        req.Metadata.GPSLng,
			PhotoRef:      req.Metadata.PhotoRef,
		},
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, tokenResponse(t))
}

func (h *Handler) getToken(c *gin.Context) {
	t, err := h.tokens.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	history, err := h.tokens.Transitions(c.Request.Context(), t.ID)
	if err != nil {
		c.Error(err)
		return
	}

	resp := tokenResponse(t)
	resp["transitions"] = transitionsResponse(history)
	c.JSON(http.StatusOK, resp)
}

type confirmRequest struct {
	ConfirmedWeightKg string `json:"confirmed_weight_kg" binding:"required"`
	PhotoRef          string `json:"photo_ref"`
}

func (h *Handler) confirmToken(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.InvalidInput("malformed request body", errutil.WithErr(err)))
		return
	}
	weight, err := decimal.NewFromString(req.ConfirmedWeightKg)
	if err != nil {
		c.Error(errutil.InvalidInput("confirmed_weight_kg must be a decimal number"))
		return
	}

	t, err := h.tokens.VendorConfirm(c.Request.Context(), token.ConfirmParams{
		TokenID:           c.Param("id"),
		IdempotencyKey:    middleware.IdempotencyKey(c),
		ConfirmedWeightKg: weight,
		PhotoRef:          req.PhotoRef,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse(t))
}

func (h *Handler) shipToken(c *gin.Context) {
	t, err := h.tokens.Ship(c.Request.Context(), c.Param("id"), middleware.IdempotencyKey(c))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse(t))
}

type receiveRequest struct {
	FactoryID        string `json:"factory_id" binding:"required"`
	ReceivedWeightKg string `json:"received_weight_kg" binding:"required"`
}

func (h *Handler) receiveToken(c *gin.Context) {
	var req receiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.InvalidInput("malformed request body", errutil.WithErr(err)))
		return
	}
	weight, err := decimal.NewFromString(req.ReceivedWeightKg)
	if err != nil {
		c.Error(errutil.InvalidInput("received_weight_kg must be a decimal number"))
		return
	}

	t, err := h.tokens.FactoryReceive(c.Request.Context(), token.ReceiveParams{
		TokenID:          c.Param("id"),
		IdempotencyKey:   middleware.IdempotencyKey(c),
		FactoryID:        req.FactoryID,
		ReceivedWeightKg: weight,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse(t))
}

func (h *Handler) releaseToken(c *gin.Context) {
	t, err := h.tokens.ReleasePayout(c.Request.Context(), c.Param("id"), middleware.IdempotencyKey(c))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse(t))
}

type cancelRequest struct {
	ActorID string `json:"actor_id" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

func (h *Handler) cancelToken(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.InvalidInput("malformed request body", errutil.WithErr(err)))
		return
	}

	t, err := h.tokens.Cancel(c.Request.Context(), c.Param("id"), middleware.IdempotencyKey(c), req.ActorID, req.Reason)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse(t))
}

func (h *Handler) settlementReport(c *gin.Context) {
	q := settlement.Query{
		Role:    settlement.Role(c.Query("role")),
		ActorID: c.Query("actor_id"),
		State:   token.Status(c.Query("state")),
	}

	var err error
	if q.From, err = parseTime(c.Query("from")); err != nil {
		c.Error(errutil.InvalidInput("from must be RFC3339"))
		return
	}
	if q.To, err = parseTime(c.Query("to")); err != nil {
		c.Error(errutil.InvalidInput("to must be RFC3339"))
		return
	}

	report, err := h.settlements.Report(c.Request.Context(), q)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type transferRequest struct {
	FromAccountID string `json:"from_account_id" binding:"required"`
	ToAccountID   string `json:"to_account_id" binding:"required"`
	Amount        int64  `json:"amount" binding:"required"`
	Description   string `json:"description"`
}

func (h *Handler) walletTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.InvalidInput("malformed request body", errutil.WithErr(err)))
		return
	}
	if err := h.guardTreasury(req.FromAccountID, req.ToAccountID); err != nil {
		c.Error(err)
		return
	}

	transferID, err := h.books.Transfer(c.Request.Context(), ledger.TransferParams{
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        req.Amount,
		Kind:          ledger.KindTransfer,
		Description:   req.Description,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfer_id": transferID})
}

type redeemRequest struct {
	AccountID   string `json:"account_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Description string `json:"description"`
}

func (h *Handler) walletRedeem(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.InvalidInput("malformed request body", errutil.WithErr(err)))
		return
	}
	if err := h.guardTreasury(req.AccountID); err != nil {
		c.Error(err)
		return
	}

	transferID, err := h.books.Redeem(c.Request.Context(), req.AccountID, req.Amount, req.Description)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfer_id": transferID})
}

func (h *Handler) walletBalance(c *gin.Context) {
	accountID := c.Param("account_id")

	balance, err := h.books.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		c.Error(err)
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.Error(errutil.InvalidInput("limit must be a positive integer"))
		return
	}

	entries, err := h.books.RecentEntries(c.Request.Context(), accountID, limit)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id": accountID,
		"balance":    balance,
		"entries":    entriesResponse(entries),
	})
}

type resolveFlagRequest struct {
	ResolvedBy string `json:"resolved_by" binding:"required"`
	Resolution string `json:"resolution" binding:"required"`
}

func (h *Handler) resolveFlag(c *gin.Context) {
	var req resolveFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.InvalidInput("malformed request body", errutil.WithErr(err)))
		return
	}

	if err := h.tokens.ResolveFlag(c.Request.Context(), c.Param("id"), req.ResolvedBy, req.Resolution); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
