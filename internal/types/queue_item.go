// Package types provides type definitions for structured data shared across the turnitin-bot system.
//
//nolint:revive // types is a standard Go package name pattern
package types

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a queued submission.
type Status string

// Queue item lifecycle states. Transitions only move forward through
// Pending → Processing → Submitted → Completed; Failed is terminal.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSubmitted  Status = "submitted"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// statusRank orders the forward chain for transition checks.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusSubmitted:  2,
	StatusCompleted:  3,
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSubmitted, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal
// forward transition. Failed is reachable from any non-terminal state
// and is itself terminal.
func (s Status) CanTransitionTo(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s == StatusFailed || s == StatusCompleted {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// QueueItem is one user-submitted file awaiting processing. Items are
// owned by the durable queue; in-memory copies handed to the batch
// submitter must be written back explicitly.
type QueueItem struct {
	ID              string    `json:"id"`
	FilePath        string    `json:"file_path"`
	UserID          string    `json:"user_id"`
	ChatID          int64     `json:"chat_id"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
	Status          Status    `json:"status"`
	Assignment      string    `json:"assignment,omitempty"`
	StudentID       string    `json:"student_id,omitempty"`
	StudentName     string    `json:"student_name,omitempty"`
	SubmissionTitle string    `json:"submission_title,omitempty"`
	PaperID         string    `json:"paper_id,omitempty"`
	SimilarityScore string    `json:"similarity_score,omitempty"`
	AIScore         string    `json:"ai_score,omitempty"`
	ReportDownloaded bool     `json:"report_downloaded"`
	SubmittedAt     time.Time `json:"submitted_at,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// Terminal reports whether the item has reached an end state.
func (q *QueueItem) Terminal() bool {
	return q.Status == StatusCompleted || q.Status == StatusFailed
}

// Validate checks basic structural invariants of the item.
func (q *QueueItem) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("queue item has empty id")
	}
	if !q.Status.Valid() {
		return fmt.Errorf("queue item %s has unknown status %q", q.ID, q.Status)
	}
	if q.Status == StatusCompleted && !q.ReportDownloaded {
		return fmt.Errorf("queue item %s is completed but report_downloaded is false", q.ID)
	}
	return nil
}
