package server

import (
	"encoding/json"
	"time"

	"releaseflow/internal/domain"
	"releaseflow/internal/escalator"
	"releaseflow/internal/events"
)

// Request payloads

type CreateReleaseRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type AddTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	AssigneeID  string  `json:"assignee_id"`
	OrderIndex  int     `json:"order_index"`
}

type SystemErrorRequest struct {
	Service string `json:"service,omitempty"`
	Message string `json:"message"`
}

// Response payloads

type SystemErrorResponse struct {
	EventID string `json:"event_id"`
}

type TaskResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	AssigneeID  string    `json:"assignee_id"`
	OrderIndex  int       `json:"order_index"`
	Status      string    `json:"status" enum:"TODO,IN_PROCESS,COMPLETED"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ReleaseResponse struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Version         string         `json:"version"`
	Completed       bool           `json:"completed"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	LastCompletedAt *time.Time     `json:"last_completed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Tasks           []TaskResponse `json:"tasks"`
}

// ReleaseTaskResponse pairs a task with the release holding it.
type ReleaseTaskResponse struct {
	ReleaseID string       `json:"release_id"`
	Task      TaskResponse `json:"task"`
}

type AlertResponse struct {
	Topic         string    `json:"topic"`
	OriginalTopic string    `json:"original_topic"`
	Group         string    `json:"group,omitempty"`
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	Source        string    `json:"source"`
	Reason        string    `json:"reason"`
	CapturedAt    time.Time `json:"captured_at"`
}

type FeedItemResponse struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Source    string          `json:"source"`
	Timestamp string          `json:"timestamp" format:"date-time"`
	Payload   json.RawMessage `json:"payload"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		AssigneeID:  t.AssigneeID,
		OrderIndex:  t.OrderIndex,
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func releaseResponse(r domain.Release) ReleaseResponse {
	tasks := make([]TaskResponse, 0, len(r.Tasks))
	for _, t := range r.Tasks {
		tasks = append(tasks, taskResponse(t))
	}
	return ReleaseResponse{
		ID:              r.ID,
		Name:            r.Name,
		Version:         r.Version,
		Completed:       r.Completed,
		CompletedAt:     r.CompletedAt,
		LastCompletedAt: r.LastCompletedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Tasks:           tasks,
	}
}

func releaseTaskResponse(r domain.Release, taskID string) ReleaseTaskResponse {
	resp := ReleaseTaskResponse{ReleaseID: r.ID}
	if t, ok := r.Task(taskID); ok {
		resp.Task = taskResponse(*t)
	}
	return resp
}

func alertResponse(a escalator.Alert) AlertResponse {
	return AlertResponse(a)
}

func feedItemResponse(env events.Envelope) FeedItemResponse {
	return FeedItemResponse{
		ID:        env.ID,
		EventType: env.EventType,
		Source:    env.Source,
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
	}
}
