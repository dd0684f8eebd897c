// Package saga runs ordered, individually failable side-effecting steps.
//
// A step is either Critical (its failure aborts the run) or BestEffort (its
// failure is logged and the run continues). Nothing is ever compensated: the
// resulting state is always derivable from which steps committed.
package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/pkg/apperr"
)

// Policy decides what a step failure does to the run.
type Policy string

const (
	Critical   Policy = "critical"
	BestEffort Policy = "best_effort"
)

// StepStatus is the recorded result of one step.
type StepStatus string

const (
	StepCommitted StepStatus = "committed"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
	StepWarned    StepStatus = "warned"
	StepNotRun    StepStatus = "not_run"
)

// Outcome summarises a finished run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeGapped    Outcome = "gapped"
)

// Step is one unit of work. Skip, when set and true, marks the step skipped
// without running it.
type Step struct {
	Name   string
	Policy Policy
	Skip   func() bool
	Run    func(ctx context.Context) error
}

// StepRecord is the journaled result of a step.
type StepRecord struct {
	Name   string     `json:"name"`
	Policy Policy     `json:"policy"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Run is the journaled record of one saga execution.
type Run struct {
	ID         uuid.UUID    `json:"id"`
	Kind       string       `json:"kind"`
	Subject    string       `json:"subject"`
	Steps      []StepRecord `json:"steps"`
	Outcome    Outcome      `json:"outcome"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Committed returns the names of the steps that committed, in order.
func (r *Run) Committed() []string {
	var names []string
	for _, s := range r.Steps {
		if s.Status == StepCommitted {
			names = append(names, s.Name)
		}
	}
	return names
}

// Warnings returns the best-effort steps that failed.
func (r *Run) Warnings() []StepRecord {
	var warned []StepRecord
	for _, s := range r.Steps {
		if s.Status == StepWarned {
			warned = append(warned, s)
		}
	}
	return warned
}

// Journal persists finished runs.
type Journal interface {
	Save(ctx context.Context, run *Run) error
}

// Runner executes steps in order and journals the result.
type Runner struct {
	journal Journal
	logger  *zap.Logger
}

// NewRunner creates a runner. journal may be nil.
func NewRunner(journal Journal, logger *zap.Logger) *Runner {
	return &Runner{journal: journal, logger: logger}
}

// Execute runs steps strictly in order. A critical failure stops the run: if
// nothing committed before it the step error is returned as is, otherwise it
// is wrapped in an *apperr.ConsistencyGap naming the committed steps.
func (r *Runner) Execute(ctx context.Context, kind, subject string, steps []Step) (*Run, error) {
	run := &Run{
		ID:        uuid.New(),
		Kind:      kind,
		Subject:   subject,
		StartedAt: time.Now(),
	}
	log := r.logger.With(
		zap.String("saga_id", run.ID.String()),
		zap.String("kind", kind),
		zap.String("subject", subject))

	var runErr error
	for i, step := range steps {
		rec := StepRecord{Name: step.Name, Policy: step.Policy}

		if step.Skip != nil && step.Skip() {
			rec.Status = StepSkipped
			run.Steps = append(run.Steps, rec)
			log.Info("Saga step skipped", zap.String("step", step.Name))
			continue
		}

		err := step.Run(ctx)
		if err == nil {
			rec.Status = StepCommitted
			run.Steps = append(run.Steps, rec)
			log.Info("Saga step committed", zap.String("step", step.Name))
			continue
		}

		rec.Error = err.Error()
		if step.Policy == BestEffort {
			rec.Status = StepWarned
			run.Steps = append(run.Steps, rec)
			log.Error("Best-effort saga step failed",
				zap.String("step", step.Name),
				zap.Error(err))
			continue
		}

		rec.Status = StepFailed
		run.Steps = append(run.Steps, rec)
		for _, rest := range steps[i+1:] {
			run.Steps = append(run.Steps, StepRecord{Name: rest.Name, Policy: rest.Policy, Status: StepNotRun})
		}

		if committed := run.Committed(); len(committed) > 0 {
			runErr = &apperr.ConsistencyGap{Completed: committed, Failed: step.Name, Err: err}
			run.Outcome = OutcomeGapped
		} else {
			runErr = err
			run.Outcome = OutcomeAborted
		}
		run.Error = runErr.Error()
		log.Error("Critical saga step failed",
			zap.String("step", step.Name),
			zap.Strings("committed", run.Committed()),
			zap.Error(err))
		break
	}

	if run.Outcome == "" {
		run.Outcome = OutcomeCompleted
	}
	run.FinishedAt = time.Now()

	if r.journal != nil {
		// The journal must not mask the run result.
		if err := r.journal.Save(context.WithoutCancel(ctx), run); err != nil {
			log.Warn("Failed to journal saga run", zap.Error(err))
		}
	}

	return run, runErr
}
