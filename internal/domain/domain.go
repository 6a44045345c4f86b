package domain

import (
	"sort"
	"time"
)

type TaskStatus string

const (
	StatusTodo      TaskStatus = "TODO"
	StatusInProcess TaskStatus = "IN_PROCESS"
	StatusCompleted TaskStatus = "COMPLETED"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProcess, StatusCompleted:
		return true
	}
	return false
}

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	AssigneeID  string     `json:"assignee_id"`
	OrderIndex  int        `json:"order_index"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Release struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Version         string     `json:"version"`
	Completed       bool       `json:"completed"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Tasks           []Task     `json:"tasks"`
	// Revision is bumped by every successful save and used for compare-and-swap.
	Revision int64 `json:"revision"`
}

// SortTasks orders tasks by OrderIndex.
func (r *Release) SortTasks() {
	sort.SliceStable(r.Tasks, func(i, j int) bool { return r.Tasks[i].OrderIndex < r.Tasks[j].OrderIndex })
}

// Task returns a pointer into r.Tasks for the given id.
func (r *Release) Task(id string) (*Task, bool) {
	for i := range r.Tasks {
		if r.Tasks[i].ID == id {
			return &r.Tasks[i], true
		}
	}
	return nil, false
}

// TaskAt returns the task holding orderIndex.
func (r *Release) TaskAt(orderIndex int) (*Task, bool) {
	for i := range r.Tasks {
		if r.Tasks[i].OrderIndex == orderIndex {
			return &r.Tasks[i], true
		}
	}
	return nil, false
}

// AllCompleted reports whether every task is COMPLETED. An empty release counts as completed.
func (r Release) AllCompleted() bool {
	for _, t := range r.Tasks {
		if t.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// ActiveTaskFor returns the IN_PROCESS task assigned to developerID, if any.
func (r Release) ActiveTaskFor(developerID string) (Task, bool) {
	for _, t := range r.Tasks {
		if t.AssigneeID == developerID && t.Status == StatusInProcess {
			return t, true
		}
	}
	return Task{}, false
}

// DeveloperTask is a task projected with its release for per-developer listings.
type DeveloperTask struct {
	Task
	ReleaseID      string `json:"release_id"`
	ReleaseName    string `json:"release_name"`
	ReleaseVersion string `json:"release_version"`
}

type NotificationStatus string

const (
	NotificationSent   NotificationStatus = "SENT"
	NotificationFailed NotificationStatus = "FAILED"
)

// Notification is one dispatched message, unique per (EventID, Recipient).
type Notification struct {
	EventID   string             `json:"event_id"`
	EventType string             `json:"event_type"`
	Recipient string             `json:"recipient"`
	Subject   string             `json:"subject"`
	Body      string             `json:"body"`
	Status    NotificationStatus `json:"status"`
	Error     string             `json:"error,omitempty"`
	Source    string             `json:"source"`
	CreatedAt time.Time          `json:"created_at"`
}
