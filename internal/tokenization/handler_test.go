package tokenization

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/internal/auth"
	"carbon-scribe/tokenization-engine/pkg/apperr"
)

func newTestRouter(svc *Service, caller auth.Identity) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	rg := router.Group("/api/v1", func(c *gin.Context) {
		auth.SetIdentity(c, caller)
		c.Next()
	})
	NewHandler(svc, zap.NewNop()).RegisterRoutes(rg, rg.Group("/admin"))
	return router
}

func multipartSubmission(t *testing.T, fields map[string]string, contentType string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="document"; filename="verification.pdf"`)
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.7 test"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return &body, w.FormDataContentType()
}

func TestSubmitHandlerCreatesRequest(t *testing.T) {
	svc, repo, proofs, _ := newTestService()
	caller := issuer()
	projectID := uuid.New()

	repo.On("GetProject", mock.Anything, projectID).
		Return(&Project{ID: projectID, IssuerID: caller.UserID, ProjectIdentifier: "VCS-1"}, nil)
	proofs.On("Put", mock.Anything, mock.Anything, mock.Anything).Return("s3://proofs/documents/x.pdf", nil)
	repo.On("Create", mock.Anything, mock.AnythingOfType("*tokenization.Request")).Return(nil)

	body, contentType := multipartSubmission(t, map[string]string{
		"project_id":    projectID.String(),
		"vintage_year":  "2024",
		"quantity":      "1000",
		"price_per_ton": "12.5",
	}, "application/pdf")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tokenization/requests", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	newTestRouter(svc, caller).ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		Success bool    `json:"success"`
		Request Request `json:"request"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, StatusPending, resp.Request.Status)
	assert.Equal(t, "VCS-1", resp.Request.ProjectIdentifier)
}

func TestSubmitHandlerRejectsNonPDF(t *testing.T) {
	svc, repo, proofs, _ := newTestService()

	body, contentType := multipartSubmission(t, map[string]string{
		"project_id":   uuid.NewString(),
		"vintage_year": "2024",
		"quantity":     "1000",
	}, "image/png")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tokenization/requests", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	newTestRouter(svc, issuer()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Invalid file type. Only PDF files are allowed.", resp["error"])
	assert.Equal(t, "validation", resp["kind"])
	proofs.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestApproveHandlerReportsGapWithProvisioningOutcome(t *testing.T) {
	svc, repo, _, prov := newTestService()
	id := uuid.New()
	pending := &Request{ID: id, Status: StatusPending}
	gap := &apperr.ConsistencyGap{Completed: []string{"deploy", "register"}, Failed: "mint", Err: errors.New("HostError")}

	repo.On("Get", mock.Anything, id).Return(pending, nil).Once()
	prov.On("Provision", mock.Anything, pending, "looks good").
		Return(&ProvisionResult{Status: StatusApproved, ContractAddress: "CABC", CommittedSteps: []string{"deploy", "register"}}, gap)
	repo.On("Get", mock.Anything, id).Return(&Request{ID: id, Status: StatusApproved}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/tokenization-requests/"+id.String()+"/approve",
		bytes.NewBufferString(`{"admin_note":"looks good"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	newTestRouter(svc, admin()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp struct {
		Kind         string          `json:"kind"`
		Step         string          `json:"step"`
		Request      Request         `json:"request"`
		Provisioning ProvisionResult `json:"provisioning"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "consistency_gap", resp.Kind)
	assert.Equal(t, "mint", resp.Step)
	assert.Equal(t, StatusApproved, resp.Request.Status)
	assert.Equal(t, "CABC", resp.Provisioning.ContractAddress)
	prov.AssertExpectations(t)
}

func TestGetHandlerRejectsMalformedID(t *testing.T) {
	svc, repo, _, _ := newTestService()

	w := httptest.NewRecorder()
	newTestRouter(svc, issuer()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/tokenization/requests/not-a-uuid", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	repo.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}
