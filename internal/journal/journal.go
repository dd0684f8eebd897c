// Package journal persists saga runs so operators can see how far a gapped
// provisioning or swap got.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"carbon-scribe/tokenization-engine/pkg/saga"
)

// SagaRun is the stored form of a saga.Run.
type SagaRun struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Kind       string         `gorm:"not null;index" json:"kind"`
	Subject    string         `gorm:"not null;index" json:"subject"`
	Outcome    string         `gorm:"not null;index" json:"outcome"`
	Committed  datatypes.JSON `json:"committed_steps"`
	Steps      datatypes.JSON `json:"steps"`
	FailedStep string         `json:"failed_step,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

func (SagaRun) TableName() string { return "saga_runs" }

// RunFilters narrows List.
type RunFilters struct {
	Kind    string
	Subject string
	Outcome string
	Limit   int
}

// GormJournal implements saga.Journal on a gorm database.
type GormJournal struct {
	db *gorm.DB
}

func NewGormJournal(db *gorm.DB) *GormJournal {
	return &GormJournal{db: db}
}

// Migrate creates or updates the saga_runs table.
func (j *GormJournal) Migrate() error {
	return j.db.AutoMigrate(&SagaRun{})
}

func (j *GormJournal) Save(ctx context.Context, run *saga.Run) error {
	record, err := toRecord(run)
	if err != nil {
		return err
	}
	if err := j.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to save saga run: %w", err)
	}
	return nil
}

// List returns the most recent runs matching filters.
func (j *GormJournal) List(ctx context.Context, filters RunFilters) ([]SagaRun, error) {
	query := j.db.WithContext(ctx).Model(&SagaRun{}).Order("started_at DESC")
	if filters.Kind != "" {
		query = query.Where("kind = ?", filters.Kind)
	}
	if filters.Subject != "" {
		query = query.Where("subject = ?", filters.Subject)
	}
	if filters.Outcome != "" {
		query = query.Where("outcome = ?", filters.Outcome)
	}
	limit := filters.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var runs []SagaRun
	if err := query.Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list saga runs: %w", err)
	}
	return runs, nil
}

func toRecord(run *saga.Run) (*SagaRun, error) {
	committed := run.Committed()
	if committed == nil {
		committed = []string{}
	}
	committedJSON, err := json.Marshal(committed)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal committed steps: %w", err)
	}
	stepsJSON, err := json.Marshal(run.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal steps: %w", err)
	}

	record := &SagaRun{
		ID:         run.ID,
		Kind:       run.Kind,
		Subject:    run.Subject,
		Outcome:    string(run.Outcome),
		Committed:  datatypes.JSON(committedJSON),
		Steps:      datatypes.JSON(stepsJSON),
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	for _, s := range run.Steps {
		if s.Status == saga.StepFailed {
			record.FailedStep = s.Name
			break
		}
	}
	return record, nil
}
