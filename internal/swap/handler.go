package swap

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/internal/auth"
	"carbon-scribe/tokenization-engine/pkg/apperr"
)

// Handler handles HTTP requests for swaps
type Handler struct {
	coordinator *Coordinator
	logger      *zap.Logger
}

// NewHandler creates a new swap handler
func NewHandler(coordinator *Coordinator, logger *zap.Logger) *Handler {
	return &Handler{coordinator: coordinator, logger: logger}
}

// RegisterRoutes registers swap routes on an authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/assets/:id/swap/prepare", h.prepare)
	rg.POST("/assets/:id/swap/complete", h.complete)
}

// prepare handles POST /api/v1/assets/:id/swap/prepare
func (h *Handler) prepare(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	caller, _ := auth.FromContext(c)
	prep, err := h.coordinator.Prepare(c.Request.Context(), caller, req)
	if err != nil {
		h.fail(c, "Failed to prepare swap", err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"message":           "Swap prepared. Sign the payment transaction.",
		"buyer_payment_xdr": prep.BuyerPaymentXDR,
		"swap_details":      prep.Quote,
		"next_steps":        prep.NextSteps,
	})
}

// complete handles POST /api/v1/assets/:id/swap/complete
func (h *Handler) complete(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	caller, _ := auth.FromContext(c)
	done, err := h.coordinator.Complete(c.Request.Context(), caller, req)
	if err != nil {
		h.fail(c, "Failed to complete swap", err, done)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"message":          "Swap completed successfully",
		"transaction_hash": done.SellerPaymentHash,
		"token_tx_hash":    done.TokenTxHash,
		"tokens_purchased": number(done.Quote.TokensPurchased),
		"amount":           number(done.Quote.Amount),
		"purchase_id":      done.PurchaseID,
		"warnings":         done.Warnings,
	})
}

func (h *Handler) bind(c *gin.Context) (Request, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset ID"})
		return Request{}, false
	}

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return Request{}, false
	}
	req.AssetID = id
	return req, true
}

func (h *Handler) fail(c *gin.Context, msg string, err error, partial *Completion) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	}
	body := apperr.Body(err)
	if partial != nil && partial.TokenTxHash != "" {
		body["token_tx_hash"] = partial.TokenTxHash
	}
	c.JSON(status, body)
}
