package journal

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler exposes the saga journal to admins.
type Handler struct {
	journal *GormJournal
	logger  *zap.Logger
}

func NewHandler(journal *GormJournal, logger *zap.Logger) *Handler {
	return &Handler{journal: journal, logger: logger}
}

// RegisterRoutes registers journal routes on an admin-only group.
func (h *Handler) RegisterRoutes(admin *gin.RouterGroup) {
	admin.GET("/saga-runs", h.listRuns)
}

// listRuns handles GET /api/v1/admin/saga-runs
func (h *Handler) listRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := h.journal.List(c.Request.Context(), RunFilters{
		Kind:    c.Query("kind"),
		Subject: c.Query("subject"),
		Outcome: c.Query("outcome"),
		Limit:   limit,
	})
	if err != nil {
		h.logger.Error("Failed to list saga runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
