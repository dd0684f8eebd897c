package tokenization

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotPending is returned when a conditional status update finds the
// request missing or already decided.
var ErrNotPending = errors.New("tokenization request not found or already processed")

// ErrDecisionInProgress is returned when another decision on the same request
// holds the decision lock.
var ErrDecisionInProgress = errors.New("tokenization request is already being decided")

// Repository defines the interface for tokenization request data access.
// Lookups return nil, nil when nothing matches.
type Repository interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, id uuid.UUID) (*Request, error)
	ListByStatus(ctx context.Context, status Status) ([]*Request, error)
	ListByIssuer(ctx context.Context, issuerID uuid.UUID) ([]*Request, error)
	GetProject(ctx context.Context, id uuid.UUID) (*Project, error)

	// Resolve moves a PENDING request to status. ext may be a transaction.
	Resolve(ctx context.Context, ext sqlx.ExtContext, id uuid.UUID, status Status, note, contractAddress *string) error

	// LockDecision takes the per-request decision lock without waiting. It
	// returns ErrDecisionInProgress when the lock is held elsewhere.
	LockDecision(ctx context.Context, id uuid.UUID) (release func() error, err error)
}

type postgresRepository struct {
	db *sqlx.DB
}

// NewRepository creates a new PostgreSQL tokenization repository
func NewRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

const requestView = `
	SELECT tr.id, tr.issuer_id, tr.project_id, tr.vintage_year, tr.quantity, tr.price_per_unit,
		tr.serial_number_start, tr.serial_number_end, tr.proof_document_url, tr.status,
		tr.admin_note, tr.contract_address, tr.created_at, tr.updated_at,
		COALESCE(p.project_identifier, '') AS project_identifier,
		COALESCE(p.name, '') AS project_name,
		COALESCE(u.wallet_address, '') AS issuer_wallet_address
	FROM tokenization_requests tr
	LEFT JOIN projects p ON tr.project_id = p.id
	LEFT JOIN users u ON tr.issuer_id = u.user_id
`

func (r *postgresRepository) Create(ctx context.Context, req *Request) error {
	query := `
		INSERT INTO tokenization_requests (
			id, issuer_id, project_id, vintage_year, quantity, price_per_unit,
			serial_number_start, serial_number_end, proof_document_url, status,
			created_at, updated_at
		) VALUES (
			:id, :issuer_id, :project_id, :vintage_year, :quantity, :price_per_unit,
			:serial_number_start, :serial_number_end, :proof_document_url, :status,
			:created_at, :updated_at
		)
	`
	if _, err := r.db.NamedExecContext(ctx, query, req); err != nil {
		return fmt.Errorf("failed to create tokenization request: %w", err)
	}
	return nil
}

func (r *postgresRepository) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	var req Request
	if err := r.db.GetContext(ctx, &req, requestView+` WHERE tr.id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get tokenization request: %w", err)
	}
	return &req, nil
}

func (r *postgresRepository) ListByStatus(ctx context.Context, status Status) ([]*Request, error) {
	var reqs []*Request
	if err := r.db.SelectContext(ctx, &reqs, requestView+` WHERE tr.status = $1 ORDER BY tr.created_at`, status); err != nil {
		return nil, fmt.Errorf("failed to list tokenization requests: %w", err)
	}
	return reqs, nil
}

func (r *postgresRepository) ListByIssuer(ctx context.Context, issuerID uuid.UUID) ([]*Request, error) {
	var reqs []*Request
	if err := r.db.SelectContext(ctx, &reqs, requestView+` WHERE tr.issuer_id = $1 ORDER BY tr.created_at DESC`, issuerID); err != nil {
		return nil, fmt.Errorf("failed to list issuer requests: %w", err)
	}
	return reqs, nil
}

func (r *postgresRepository) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	var p Project
	query := `SELECT id, issuer_id, project_identifier, name FROM projects WHERE id = $1`
	if err := r.db.GetContext(ctx, &p, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

func (r *postgresRepository) Resolve(ctx context.Context, ext sqlx.ExtContext, id uuid.UUID, status Status, note, contractAddress *string) error {
	if ext == nil {
		ext = r.db
	}
	query := `
		UPDATE tokenization_requests
		SET status = $2, admin_note = $3, contract_address = COALESCE($4, contract_address), updated_at = $5
		WHERE id = $1 AND status = 'PENDING'
	`
	result, err := ext.ExecContext(ctx, query, id, status, note, contractAddress, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update tokenization request: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotPending
	}
	return nil
}

func decisionLockKey(id uuid.UUID) string {
	return "tokenization_request:" + id.String()
}

// LockDecision holds a session advisory lock on a dedicated connection, so
// approvals are serialised across every API instance sharing the database.
func (r *postgresRepository) LockDecision(ctx context.Context, id uuid.UUID) (func() error, error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock connection: %w", err)
	}

	var acquired bool
	if err := conn.GetContext(ctx, &acquired, `SELECT pg_try_advisory_lock(hashtext($1))`, decisionLockKey(id)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to take decision lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, ErrDecisionInProgress
	}

	release := func() error {
		var released bool
		err := conn.GetContext(context.WithoutCancel(ctx), &released, `SELECT pg_advisory_unlock(hashtext($1))`, decisionLockKey(id))
		if err != nil || !released {
			// Drop the connection so the session lock dies with it.
			conn.Raw(func(any) error { return driver.ErrBadConn })
			conn.Close()
			if err == nil {
				err = errors.New("decision lock was not held")
			}
			return fmt.Errorf("failed to release decision lock: %w", err)
		}
		return conn.Close()
	}
	return release, nil
}
