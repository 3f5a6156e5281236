// Package jobs holds the in-memory job registry and the runner that executes one
// background unit per submitted composite.
package jobs

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// canTransition reports whether a job may move from one status to another.
// Allowed paths are pending→running→{completed,failed} and pending→failed.
func canTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Record is a point-in-time view of a job.
type Record struct {
	ID         string    `json:"job_id"`
	Provider   string    `json:"provider"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	Message    string    `json:"message"`
	Progress   int       `json:"progress"`
	OutputFile string    `json:"output_file,omitempty"`
}

// Update carries the fields to change on a record. Nil fields are left untouched.
type Update struct {
	Status     *Status
	Message    *string
	Progress   *int
	OutputFile *string
}

// Progressed reports intermediate progress.
func Progressed(pct int, message string) Update {
	return Update{Progress: &pct, Message: &message}
}

// Started moves a job to running.
func Started(message string) Update {
	s := StatusRunning
	return Update{Status: &s, Message: &message}
}

// Completed moves a job to completed with its deliverable.
func Completed(outputFile, message string) Update {
	s := StatusCompleted
	pct := 100
	return Update{Status: &s, Message: &message, Progress: &pct, OutputFile: &outputFile}
}

// Failed moves a job to failed.
func Failed(message string) Update {
	s := StatusFailed
	return Update{Status: &s, Message: &message}
}

// OutputName returns the deliverable file name for a job: {provider}_{YYYYmmdd_HHMMSS}_{id}.tif.
func OutputName(provider string, at time.Time, id string) string {
	return fmt.Sprintf("%s_%s_%s.tif", provider, at.Format("20060102_150405"), id)
}
