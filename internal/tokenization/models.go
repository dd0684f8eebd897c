package tokenization

import (
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"carbon-scribe/tokenization-engine/pkg/workflows"
)

// Status of a tokenization request
type Status = string

const (
	StatusPending  Status = workflows.StatusPending
	StatusApproved Status = workflows.StatusApproved
	StatusMinted   Status = workflows.StatusMinted
	StatusRejected Status = workflows.StatusRejected
)

// Request is an issuer's application to tokenize a verified credit batch.
// The project and issuer fields at the bottom are joined in on reads.
type Request struct {
	ID                uuid.UUID           `json:"id" db:"id"`
	IssuerID          uuid.UUID           `json:"issuer_id" db:"issuer_id"`
	ProjectID         uuid.UUID           `json:"project_id" db:"project_id"`
	VintageYear       int                 `json:"vintage_year" db:"vintage_year"`
	Quantity          decimal.Decimal     `json:"quantity" db:"quantity"`
	PricePerUnit      decimal.NullDecimal `json:"price_per_unit" db:"price_per_unit"`
	SerialNumberStart *string             `json:"serial_number_start,omitempty" db:"serial_number_start"`
	SerialNumberEnd   *string             `json:"serial_number_end,omitempty" db:"serial_number_end"`
	ProofDocumentURL  string              `json:"proof_document_url" db:"proof_document_url"`
	Status            Status              `json:"status" db:"status"`
	AdminNote         *string             `json:"admin_note,omitempty" db:"admin_note"`
	ContractAddress   *string             `json:"contract_address,omitempty" db:"contract_address"`
	CreatedAt         time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at" db:"updated_at"`

	ProjectIdentifier string `json:"project_identifier" db:"project_identifier"`
	ProjectName       string `json:"project_name" db:"project_name"`
	IssuerAddress     string `json:"issuer_wallet_address" db:"issuer_wallet_address"`

	ProofViewURL string `json:"proof_view_url,omitempty" db:"-"`
}

// Project is the read-only project view used to check ownership.
type Project struct {
	ID                uuid.UUID `db:"id"`
	IssuerID          uuid.UUID `db:"issuer_id"`
	ProjectIdentifier string    `db:"project_identifier"`
	Name              string    `db:"name"`
}

// ProofUpload is the proof document attached to a submission.
type ProofUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// SubmitRequest carries the raw form fields of a submission. Numbers arrive
// as text and are validated by the service.
type SubmitRequest struct {
	ProjectID         string
	VintageYear       string
	Quantity          string
	PricePerUnit      string
	SerialNumberStart string
	SerialNumberEnd   string
	Proof             *ProofUpload
}

// Decision is an admin's verdict on a pending request.
type Decision struct {
	Approve bool   `json:"approve"`
	Note    string `json:"admin_note"`
}

// ProvisionResult describes how far provisioning got.
type ProvisionResult struct {
	Status          Status     `json:"status"`
	ContractAddress string     `json:"contract_address,omitempty"`
	AssetID         *uuid.UUID `json:"asset_id,omitempty"`
	CommittedSteps  []string   `json:"committed_steps"`
	Warnings        []string   `json:"warnings,omitempty"`
}

// DecisionResult is returned to the deciding admin.
type DecisionResult struct {
	Request   *Request         `json:"request"`
	Provision *ProvisionResult `json:"provisioning,omitempty"`
}
