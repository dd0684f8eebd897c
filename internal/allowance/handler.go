package allowance

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/internal/auth"
	"carbon-scribe/tokenization-engine/pkg/apperr"
)

// Handler handles HTTP requests for operator allowances
type Handler struct {
	remediator *Remediator
	manager    *Manager
	assets     AssetSource
	logger     *zap.Logger
}

// NewHandler creates a new allowance handler
func NewHandler(remediator *Remediator, manager *Manager, source AssetSource, logger *zap.Logger) *Handler {
	return &Handler{remediator: remediator, manager: manager, assets: source, logger: logger}
}

// RegisterRoutes registers issuer routes on rg and admin routes on admin.
func (h *Handler) RegisterRoutes(rg, admin *gin.RouterGroup) {
	rg.POST("/issuer/approve-operator-all", h.approveAll)

	admin.POST("/assets/:id/approve-operator", h.approveAsset)
	admin.GET("/assets/:id/allowance", h.getAllowance)
}

type approveAllBody struct {
	SecretKey string `json:"secret_key"`
}

// approveAll handles POST /api/v1/issuer/approve-operator-all
func (h *Handler) approveAll(c *gin.Context) {
	var body approveAllBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	caller, _ := auth.FromContext(c)
	summary, err := h.remediator.PreauthorizeAll(c.Request.Context(), caller, body.SecretKey)
	if err != nil {
		h.fail(c, "Failed to pre-authorize operator", err)
		return
	}

	resp := gin.H{
		"success":        true,
		"message":        summary.Message(body.SecretKey != ""),
		"total_count":    summary.Total,
		"approved_count": summary.Approved,
		"results":        summary.Results,
	}
	if body.SecretKey == "" && summary.Total > 0 {
		resp["instructions"] = "Run each command with your secret key in place of <OWNER_SECRET_KEY>, or resubmit with secret_key set."
	}
	c.JSON(http.StatusOK, resp)
}

// approveAsset handles POST /api/v1/admin/assets/:id/approve-operator
func (h *Handler) approveAsset(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset ID"})
		return
	}

	caller, _ := auth.FromContext(c)
	result, err := h.remediator.PreauthorizeAsset(c.Request.Context(), caller, id)
	if err != nil {
		h.fail(c, "Failed to pre-authorize operator", err)
		return
	}

	message := "Operator approved for asset " + result.AssetCode
	if result.Command != "" {
		message = "Asset owner must sign the approval; run the returned command"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message, "result": result})
}

// getAllowance handles GET /api/v1/admin/assets/:id/allowance
func (h *Handler) getAllowance(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset ID"})
		return
	}

	asset, err := h.assets.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to get asset", err)
		return
	}
	if asset == nil {
		h.fail(c, "Failed to get asset", apperr.NotFound("asset %s not found", id))
		return
	}

	amount, known, err := h.manager.Current(c.Request.Context(), asset.ContractID, asset.AssetIssuerAddress, h.manager.Operator())
	if err != nil {
		h.fail(c, "Failed to read allowance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"asset_id":  asset.ID,
		"owner":     asset.AssetIssuerAddress,
		"spender":   h.manager.Operator(),
		"allowance": amount,
		"known":     known,
	})
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	}
	c.JSON(status, apperr.Body(err))
}
