package assets

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/internal/auth"
	"carbon-scribe/tokenization-engine/pkg/apperr"
)

// Handler handles HTTP requests for assets
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new assets handler
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers asset routes on an authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/assets", h.listAssets)
	rg.GET("/assets/:id", h.getAsset)
	rg.GET("/issuer/assets", h.listIssuerAssets)
	rg.GET("/purchases/mine", h.listMyPurchases)
}

// listAssets handles GET /api/v1/assets
func (h *Handler) listAssets(c *gin.Context) {
	filters := AssetFilters{
		Limit:  intQuery(c, "limit", 50),
		Offset: intQuery(c, "offset", 0),
	}
	if p := c.Query("project_id"); p != "" {
		id, err := uuid.Parse(p)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project ID"})
			return
		}
		filters.ProjectID = &id
	}
	if v := c.Query("vintage_year"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vintage year"})
			return
		}
		filters.VintageYear = &year
	}
	if f := c.Query("frozen"); f != "" {
		frozen := f == "true"
		filters.Frozen = &frozen
	}

	assets, err := h.service.List(c.Request.Context(), filters)
	if err != nil {
		h.fail(c, "Failed to list assets", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

// getAsset handles GET /api/v1/assets/:id
func (h *Handler) getAsset(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset ID"})
		return
	}

	asset, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to get asset", err)
		return
	}
	c.JSON(http.StatusOK, asset)
}

// listIssuerAssets handles GET /api/v1/issuer/assets
func (h *Handler) listIssuerAssets(c *gin.Context) {
	caller, _ := auth.FromContext(c)
	assets, err := h.service.ListByIssuer(c.Request.Context(), caller)
	if err != nil {
		h.fail(c, "Failed to list issuer assets", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

// listMyPurchases handles GET /api/v1/purchases/mine
func (h *Handler) listMyPurchases(c *gin.Context) {
	caller, _ := auth.FromContext(c)
	purchases, err := h.service.ListMyPurchases(c.Request.Context(), caller)
	if err != nil {
		h.fail(c, "Failed to list purchases", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchases": purchases})
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	}
	c.JSON(status, apperr.Body(err))
}

func intQuery(c *gin.Context, key string, defaultValue int) int {
	if v := c.Query(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}
