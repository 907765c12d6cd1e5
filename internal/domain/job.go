package domain

import (
	"strings"
	"time"
)

// JobStatus is the lifecycle state of an import run.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ImportJob tracks one run of the batch importer for a tenant.
type ImportJob struct {
	ID             string     `gorm:"type:text;primaryKey" json:"id"`
	TenantID       string     `gorm:"type:text;not null;index" json:"tenant_id"`
	Source         string     `gorm:"type:text" json:"source"`
	Status         JobStatus  `gorm:"type:text;not null" json:"status"`
	TotalItems     int        `json:"total_items"`
	ProcessedItems int        `json:"processed_items"`
	SkippedItems   int        `json:"skipped_items"`
	FailedItems    int        `json:"failed_items"`
	MatchesCreated int        `json:"matches_created"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ErrorLog       string     `json:"error_log,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (ImportJob) TableName() string {
	return "import_jobs"
}

// Finish stamps the completion time and settles the status. A fetch
// error fails the whole run and leads the error log; per-record failures
// do not.
func (j *ImportJob) Finish(at time.Time, fetchErr error) {
	j.CompletedAt = &at
	j.Status = JobStatusCompleted
	if fetchErr != nil {
		j.Status = JobStatusFailed
		j.ErrorLog = strings.TrimSpace(fetchErr.Error() + "\n" + j.ErrorLog)
	}
}

// Duration is the wall time of a finished run, zero while running.
func (j *ImportJob) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
