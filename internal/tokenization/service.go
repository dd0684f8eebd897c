package tokenization

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/internal/auth"
	"carbon-scribe/tokenization-engine/pkg/apperr"
	"carbon-scribe/tokenization-engine/pkg/storage"
	"carbon-scribe/tokenization-engine/pkg/workflows"
)

const (
	minVintageYear  = 2000
	pdfContentType  = "application/pdf"
	notFoundMessage = "Tokenization request not found or already processed"
)

// ProofStore keeps submitted proof documents.
type ProofStore interface {
	Put(ctx context.Context, key string, body io.Reader) (string, error)
	Remove(ctx context.Context, key string) error
	ViewURL(ctx context.Context, location string) (string, error)
}

// Provisioner turns an approved request into a live asset. It owns every
// status change that follows an approval.
type Provisioner interface {
	Provision(ctx context.Context, req *Request, note string) (*ProvisionResult, error)
}

// Service implements the tokenization request lifecycle.
type Service struct {
	repo         Repository
	proofs       ProofStore
	provisioner  Provisioner
	stateMachine *workflows.StateMachine
	maxProofSize int64
	now          func() time.Time
	logger       *zap.Logger
}

// NewService creates a new tokenization service
func NewService(repo Repository, proofs ProofStore, provisioner Provisioner, maxProofSize int64, logger *zap.Logger) *Service {
	return &Service{
		repo:         repo,
		proofs:       proofs,
		provisioner:  provisioner,
		stateMachine: workflows.NewStateMachine(),
		maxProofSize: maxProofSize,
		now:          time.Now,
		logger:       logger,
	}
}

// Submit validates a submission, stores its proof document and records the
// request as PENDING. Nothing is stored until every field has validated.
func (s *Service) Submit(ctx context.Context, caller auth.Identity, in SubmitRequest) (*Request, error) {
	if !caller.IsIssuer() {
		return nil, apperr.Forbidden("Only issuers can submit tokenization requests")
	}

	req, err := s.validate(in)
	if err != nil {
		return nil, err
	}

	project, err := s.repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil || project.IssuerID != caller.UserID {
		return nil, apperr.NotFound("Project not found or you don't have permission to use it")
	}

	now := s.now()
	req.ID = uuid.New()
	req.IssuerID = caller.UserID
	req.Status = StatusPending
	req.CreatedAt = now
	req.UpdatedAt = now

	key := storage.ProofKey(req.ID.String())
	location, err := s.proofs.Put(ctx, key, in.Proof.Body)
	if err != nil {
		return nil, &apperr.EnvironmentError{Op: "store proof document", Err: err}
	}
	req.ProofDocumentURL = location

	if err := s.repo.Create(ctx, req); err != nil {
		if rmErr := s.proofs.Remove(context.WithoutCancel(ctx), key); rmErr != nil {
			s.logger.Warn("Failed to remove orphaned proof document",
				zap.String("key", key),
				zap.Error(rmErr))
		}
		return nil, err
	}

	req.ProjectIdentifier = project.ProjectIdentifier
	req.ProjectName = project.Name
	req.IssuerAddress = caller.Address

	s.logger.Info("Tokenization request submitted",
		zap.String("request_id", req.ID.String()),
		zap.String("project_id", req.ProjectID.String()),
		zap.String("quantity", req.Quantity.String()))
	return req, nil
}

func (s *Service) validate(in SubmitRequest) (*Request, error) {
	projectID, err := uuid.Parse(strings.TrimSpace(in.ProjectID))
	if err != nil {
		return nil, apperr.Invalid("Invalid project ID")
	}

	quantity, err := decimal.NewFromString(strings.TrimSpace(in.Quantity))
	if err != nil {
		return nil, apperr.Invalid("Invalid quantity format")
	}
	if !quantity.IsPositive() {
		return nil, apperr.Invalid("Quantity must be greater than 0")
	}

	var price decimal.NullDecimal
	if p := strings.TrimSpace(in.PricePerUnit); p != "" {
		value, err := decimal.NewFromString(p)
		if err != nil {
			return nil, apperr.Invalid("Invalid price per ton format")
		}
		if !value.IsPositive() {
			return nil, apperr.Invalid("Price per ton must be greater than 0")
		}
		price = decimal.NewNullDecimal(value)
	}

	vintage, err := strconv.Atoi(strings.TrimSpace(in.VintageYear))
	if err != nil {
		return nil, apperr.Invalid("Invalid vintage year format")
	}
	if current := s.now().Year(); vintage < minVintageYear || vintage > current {
		return nil, apperr.Invalid("Vintage year must be between %d and %d", minVintageYear, current)
	}

	if in.Proof == nil || in.Proof.Body == nil {
		return nil, apperr.Invalid("Proof document is required")
	}
	if in.Proof.ContentType != pdfContentType {
		return nil, apperr.Invalid("Invalid file type. Only PDF files are allowed.")
	}
	if in.Proof.Size > s.maxProofSize {
		return nil, apperr.Invalid("Document file too large. Maximum size is %dMB.", s.maxProofSize/(1024*1024))
	}

	return &Request{
		ProjectID:         projectID,
		VintageYear:       vintage,
		Quantity:          quantity,
		PricePerUnit:      price,
		SerialNumberStart: optional(in.SerialNumberStart),
		SerialNumberEnd:   optional(in.SerialNumberEnd),
	}, nil
}

// Decide applies an admin's decision to a pending request. Approval hands the
// request to the provisioner; the returned result is non-nil whenever
// provisioning ran, even if it failed part way.
func (s *Service) Decide(ctx context.Context, caller auth.Identity, id uuid.UUID, decision Decision) (*DecisionResult, error) {
	if !caller.IsAdmin() {
		return nil, apperr.Forbidden("Only admins can decide tokenization requests")
	}

	release, err := s.repo.LockDecision(ctx, id)
	if err != nil {
		if errors.Is(err, ErrDecisionInProgress) {
			return nil, apperr.Invalid("Tokenization request is already being decided")
		}
		return nil, err
	}
	defer func() {
		if err := release(); err != nil {
			s.logger.Error("Failed to release decision lock",
				zap.String("request_id", id.String()),
				zap.Error(err))
		}
	}()

	// Status is read under the lock.
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperr.NotFound(notFoundMessage)
	}

	target := StatusRejected
	if decision.Approve {
		target = StatusMinted
	}
	if !s.stateMachine.CanTransition(req.Status, target) {
		if s.stateMachine.IsTerminal(req.Status) {
			return nil, apperr.Invalid("%s: request is already %s", notFoundMessage, req.Status)
		}
		return nil, apperr.Invalid("%s: request is %s", notFoundMessage, req.Status)
	}

	if !decision.Approve {
		if err := s.repo.Resolve(ctx, nil, id, StatusRejected, optional(decision.Note), nil); err != nil {
			if errors.Is(err, ErrNotPending) {
				return nil, apperr.Invalid(notFoundMessage)
			}
			return nil, err
		}
		s.logger.Info("Tokenization request rejected", zap.String("request_id", id.String()))
		return s.reload(ctx, id, nil)
	}

	outcome, provErr := s.provisioner.Provision(ctx, req, decision.Note)
	result, err := s.reload(ctx, id, outcome)
	if err != nil {
		s.logger.Warn("Failed to reload request after provisioning",
			zap.String("request_id", id.String()),
			zap.Error(err))
		result = &DecisionResult{Request: req, Provision: outcome}
	}
	return result, provErr
}

func (s *Service) reload(ctx context.Context, id uuid.UUID, outcome *ProvisionResult) (*DecisionResult, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("tokenization request %s disappeared", id)
	}
	return &DecisionResult{Request: req, Provision: outcome}, nil
}

// ListPending returns requests awaiting a decision, oldest first.
func (s *Service) ListPending(ctx context.Context, caller auth.Identity) ([]*Request, error) {
	if !caller.IsAdmin() {
		return nil, apperr.Forbidden("Only admins can list pending requests")
	}
	return nonNil(s.repo.ListByStatus(ctx, StatusPending))
}

// ListMine returns the calling issuer's requests.
func (s *Service) ListMine(ctx context.Context, caller auth.Identity) ([]*Request, error) {
	if !caller.IsIssuer() {
		return nil, apperr.Forbidden("Only issuers have tokenization requests")
	}
	return nonNil(s.repo.ListByIssuer(ctx, caller.UserID))
}

// Get returns one request to an admin or its owning issuer, with a
// short-lived link to the proof document.
func (s *Service) Get(ctx context.Context, caller auth.Identity, id uuid.UUID) (*Request, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil || (!caller.IsAdmin() && req.IssuerID != caller.UserID) {
		return nil, apperr.NotFound("Tokenization request %s not found", id)
	}

	if req.ProofDocumentURL != "" {
		url, err := s.proofs.ViewURL(ctx, req.ProofDocumentURL)
		if err != nil {
			s.logger.Warn("Failed to presign proof document",
				zap.String("request_id", id.String()),
				zap.Error(err))
		} else {
			req.ProofViewURL = url
		}
	}
	return req, nil
}

func nonNil(reqs []*Request, err error) ([]*Request, error) {
	if err != nil {
		return nil, err
	}
	if reqs == nil {
		reqs = []*Request{}
	}
	return reqs, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
