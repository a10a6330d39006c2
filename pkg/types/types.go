package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// RunMode identifies the kind of pipeline run
type RunMode string

const (
	RunModeGene    RunMode = "gene"
	RunModeMissing RunMode = "missing"
	RunModeFull    RunMode = "full"
)

// Valid reports whether the mode is known
func (m RunMode) Valid() bool {
	switch m {
	case RunModeGene, RunModeMissing, RunModeFull:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of a pipeline run
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Source outcome states
const (
	SourceStatusCompleted = "completed"
	SourceStatusPartial   = "partial"
	SourceStatusFailed    = "failed"
	SourceStatusSkipped   = "skipped"
)

// SourceOutcome counts what a run did for one source
type SourceOutcome struct {
	Source       string        `json:"source"`
	Status       string        `json:"status"`
	Requested    int           `json:"requested"`
	Updated      int           `json:"updated"`
	Skipped      int           `json:"skipped"`
	Failed       int           `json:"failed"`
	NotFound     int           `json:"not_found"`
	Invalid      int           `json:"invalid"`
	ChunksTotal  int           `json:"chunks_total"`
	ChunksFailed int           `json:"chunks_failed"`
	Retries      int           `json:"retries"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// RunSummary is the per-source outcome of a run
type RunSummary struct {
	Genes   int                       `json:"genes"`
	Sources map[string]*SourceOutcome `json:"sources"`
}

// NewRunSummary creates an empty summary
func NewRunSummary() RunSummary {
	return RunSummary{Sources: make(map[string]*SourceOutcome)}
}

// Totals sums the counters of every source
func (s RunSummary) Totals() (updated, skipped, failed int) {
	for _, outcome := range s.Sources {
		updated += outcome.Updated
		skipped += outcome.Skipped
		failed += outcome.Failed
	}
	return updated, skipped, failed
}

// Value implements the driver.Valuer interface for RunSummary
func (s RunSummary) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements the sql.Scanner interface for RunSummary
func (s *RunSummary) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*s = NewRunSummary()
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("cannot scan %T into RunSummary", value)
	}
}

// Run is one invocation of the enrichment pipeline
type Run struct {
	ID         uuid.UUID      `json:"id" db:"id"`
	Mode       RunMode        `json:"mode" db:"mode"`
	Status     RunStatus      `json:"status" db:"status"`
	Sources    pq.StringArray `json:"sources" db:"sources"`
	Summary    RunSummary     `json:"summary" db:"summary"`
	Error      string         `json:"error,omitempty" db:"error"`
	StartedAt  time.Time      `json:"started_at" db:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
}

// NewRun creates a queued run
func NewRun(mode RunMode, sources []string) *Run {
	return &Run{
		ID:        uuid.New(),
		Mode:      mode,
		Status:    RunStatusQueued,
		Sources:   pq.StringArray(sources),
		Summary:   NewRunSummary(),
		StartedAt: time.Now().UTC(),
	}
}

// Duration returns how long the run took, or has taken so far
func (r *Run) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}
