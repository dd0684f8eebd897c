package tokenization

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/internal/auth"
	"carbon-scribe/tokenization-engine/pkg/apperr"
)

// Handler handles HTTP requests for tokenization requests
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new tokenization handler
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers issuer routes on rg and decision routes on admin.
func (h *Handler) RegisterRoutes(rg, admin *gin.RouterGroup) {
	requests := rg.Group("/tokenization/requests")
	{
		requests.POST("", h.submit)
		requests.GET("/mine", h.listMine)
		requests.GET("/:id", h.get)
	}

	admin.GET("/tokenization-requests", h.listPending)
	admin.POST("/tokenization-requests/:id/approve", h.approve)
	admin.POST("/tokenization-requests/:id/reject", h.reject)
}

// submit handles POST /api/v1/tokenization/requests
func (h *Handler) submit(c *gin.Context) {
	caller, _ := auth.FromContext(c)

	in := SubmitRequest{
		ProjectID:         c.PostForm("project_id"),
		VintageYear:       c.PostForm("vintage_year"),
		Quantity:          c.PostForm("quantity"),
		PricePerUnit:      c.PostForm("price_per_ton"),
		SerialNumberStart: c.PostForm("serial_number_start"),
		SerialNumberEnd:   c.PostForm("serial_number_end"),
	}

	if header, err := c.FormFile("document"); err == nil {
		file, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded document"})
			return
		}
		defer file.Close()
		in.Proof = &ProofUpload{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Body:        file,
		}
	}

	req, err := h.service.Submit(c.Request.Context(), caller, in)
	if err != nil {
		h.fail(c, "Failed to submit tokenization request", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "Tokenization request created successfully",
		"request": req,
	})
}

// listMine handles GET /api/v1/tokenization/requests/mine
func (h *Handler) listMine(c *gin.Context) {
	caller, _ := auth.FromContext(c)
	reqs, err := h.service.ListMine(c.Request.Context(), caller)
	if err != nil {
		h.fail(c, "Failed to list tokenization requests", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

// get handles GET /api/v1/tokenization/requests/:id
func (h *Handler) get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request ID"})
		return
	}

	caller, _ := auth.FromContext(c)
	req, err := h.service.Get(c.Request.Context(), caller, id)
	if err != nil {
		h.fail(c, "Failed to get tokenization request", err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// listPending handles GET /api/v1/admin/tokenization-requests
func (h *Handler) listPending(c *gin.Context) {
	caller, _ := auth.FromContext(c)
	reqs, err := h.service.ListPending(c.Request.Context(), caller)
	if err != nil {
		h.fail(c, "Failed to list pending requests", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

type decisionBody struct {
	AdminNote string `json:"admin_note"`
}

// approve handles POST /api/v1/admin/tokenization-requests/:id/approve
func (h *Handler) approve(c *gin.Context) {
	h.decide(c, true)
}

// reject handles POST /api/v1/admin/tokenization-requests/:id/reject
func (h *Handler) reject(c *gin.Context) {
	h.decide(c, false)
}

func (h *Handler) decide(c *gin.Context, approve bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request ID"})
		return
	}

	var body decisionBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	caller, _ := auth.FromContext(c)
	result, err := h.service.Decide(c.Request.Context(), caller, id, Decision{Approve: approve, Note: body.AdminNote})
	if err != nil {
		status := apperr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Tokenization decision failed",
				zap.String("request_id", id.String()),
				zap.Error(err))
		}
		resp := apperr.Body(err)
		if result != nil {
			resp["request"] = result.Request
			resp["provisioning"] = result.Provision
		}
		c.JSON(status, resp)
		return
	}

	message := "Tokenization request rejected"
	if approve {
		message = "Tokenization request approved and asset provisioned"
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"message":      message,
		"request":      result.Request,
		"provisioning": result.Provision,
	})
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	}
	c.JSON(status, apperr.Body(err))
}
