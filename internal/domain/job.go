package domain

import (
	"sort"
	"time"
)

// JobStatus is the lifecycle state of a search job.
type JobStatus string

const (
	StatusCreated   JobStatus = "CREATED"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition enforces the forward-only job state machine.
// Re-applying the same terminal status is allowed so updates stay idempotent.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusCreated:
		return to == StatusCreated || to == StatusCompleted || to == StatusFailed
	case StatusCompleted, StatusFailed:
		return to == from
	default:
		return false
	}
}

// Job is the durable record of one search request.
// The Job Store, not the queue, is its source of truth.
type Job struct {
	ID          string    `json:"job_id"`
	SubmitterID string    `json:"submitter_id"`
	Status      JobStatus `json:"status"`
	Result      string    `json:"result,omitempty"`

	// Attempts is the delivery count observed when the job reached a terminal state.
	Attempts int `json:"attempts,omitempty"`
	// Enqueued is set once the queue accepted the matching work item.
	Enqueued bool `json:"enqueued"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the job still blocks a new submission for its submitter.
func (j Job) IsActive() bool {
	return !j.Status.IsTerminal()
}

// WorkItem is the queue message that references a Job.
// It may be delivered more than once.
type WorkItem struct {
	JobID       string `json:"job_id"`
	SubmitterID string `json:"submitter_id"`
}

// WorkItemFor builds the queue descriptor for a job.
func WorkItemFor(job Job) WorkItem {
	return WorkItem{JobID: job.ID, SubmitterID: job.SubmitterID}
}

// JobEvent is broadcast when a job reaches a terminal state.
type JobEvent struct {
	JobID       string    `json:"job_id"`
	SubmitterID string    `json:"submitter_id"`
	Status      JobStatus `json:"status"`
	Result      string    `json:"result,omitempty"`
}

// SortNewestFirst orders jobs by creation time, newest first, breaking ties by id.
func SortNewestFirst(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

// SortOldestFirst orders jobs by creation time, oldest first.
func SortOldestFirst(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
