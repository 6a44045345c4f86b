package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event type tags. They double as the partition key on the wire.
const (
	TypeReleaseCreated    = "ReleaseCreated"
	TypeTaskAssigned      = "TaskAssigned"
	TypeTaskStarted       = "TaskStarted"
	TypeTaskCompleted     = "TaskCompleted"
	TypeHotfixTaskAdded   = "HotfixTaskAdded"
	TypeStaleTaskDetected = "StaleTaskDetected"
	TypeSystemError       = "SystemError"
)

var ErrUnknownEventType = errors.New("unknown event type")

// DomainEvent is implemented only by the variants in this file.
type DomainEvent interface {
	EventType() string
	domainEvent()
}

// ReleaseScoped is implemented by events that belong to a single release.
type ReleaseScoped interface {
	ReleaseRef() string
}

type ReleaseCreated struct {
	ReleaseID string `json:"releaseId"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

type TaskAssigned struct {
	DeveloperID string `json:"developerId"`
	ReleaseID   string `json:"releaseId"`
	TaskID      string `json:"taskId"`
	TaskTitle   string `json:"taskTitle"`
}

type TaskStarted struct {
	DeveloperID string `json:"developerId"`
	ReleaseID   string `json:"releaseId"`
	TaskID      string `json:"taskId"`
	TaskTitle   string `json:"taskTitle"`
}

type TaskCompleted struct {
	DeveloperID string `json:"developerId"`
	ReleaseID   string `json:"releaseId"`
	TaskID      string `json:"taskId"`
	TaskTitle   string `json:"taskTitle"`
}

// HotfixTaskAdded is emitted when a task reopens a completed release.
type HotfixTaskAdded struct {
	DeveloperID string `json:"developerId"`
	ReleaseID   string `json:"releaseId"`
	TaskTitle   string `json:"taskTitle"`
}

type StaleTaskDetected struct {
	DeveloperID   string    `json:"developerId"`
	ReleaseID     string    `json:"releaseId"`
	TaskID        string    `json:"taskId"`
	TaskTitle     string    `json:"taskTitle"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

type SystemError struct {
	Service string `json:"service"`
	Message string `json:"message"`
}

func (ReleaseCreated) EventType() string    { return TypeReleaseCreated }
func (TaskAssigned) EventType() string      { return TypeTaskAssigned }
func (TaskStarted) EventType() string       { return TypeTaskStarted }
func (TaskCompleted) EventType() string     { return TypeTaskCompleted }
func (HotfixTaskAdded) EventType() string   { return TypeHotfixTaskAdded }
func (StaleTaskDetected) EventType() string { return TypeStaleTaskDetected }
func (SystemError) EventType() string       { return TypeSystemError }

func (ReleaseCreated) domainEvent()    {}
func (TaskAssigned) domainEvent()      {}
func (TaskStarted) domainEvent()       {}
func (TaskCompleted) domainEvent()     {}
func (HotfixTaskAdded) domainEvent()   {}
func (StaleTaskDetected) domainEvent() {}
func (SystemError) domainEvent()       {}

func (e ReleaseCreated) ReleaseRef() string    { return e.ReleaseID }
func (e TaskAssigned) ReleaseRef() string      { return e.ReleaseID }
func (e TaskStarted) ReleaseRef() string       { return e.ReleaseID }
func (e TaskCompleted) ReleaseRef() string     { return e.ReleaseID }
func (e HotfixTaskAdded) ReleaseRef() string   { return e.ReleaseID }
func (e StaleTaskDetected) ReleaseRef() string { return e.ReleaseID }

// Decode turns a wire payload back into its variant.
func Decode(eventType string, payload []byte) (DomainEvent, error) {
	switch eventType {
	case TypeReleaseCreated:
		return decodeAs[ReleaseCreated](payload)
	case TypeTaskAssigned:
		return decodeAs[TaskAssigned](payload)
	case TypeTaskStarted:
		return decodeAs[TaskStarted](payload)
	case TypeTaskCompleted:
		return decodeAs[TaskCompleted](payload)
	case TypeHotfixTaskAdded:
		return decodeAs[HotfixTaskAdded](payload)
	case TypeStaleTaskDetected:
		return decodeAs[StaleTaskDetected](payload)
	case TypeSystemError:
		return decodeAs[SystemError](payload)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
}

func decodeAs[T DomainEvent](payload []byte) (DomainEvent, error) {
	var evt T
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", evt.EventType(), err)
	}
	return evt, nil
}

// Topics names the primary destinations.
type Topics struct {
	Release string
	Errors  string
	Alerts  string
}

func DefaultTopics() Topics {
	return Topics{Release: "release.events", Errors: "system.errors", Alerts: "system.alerts"}
}

// Primary lists the topics domain events are published to.
func (t Topics) Primary() []string {
	return []string{t.Release, t.Errors}
}

// TopicFor selects the destination for an event variant.
func (t Topics) TopicFor(evt DomainEvent) string {
	switch evt.(type) {
	case SystemError, *SystemError:
		return t.Errors
	default:
		return t.Release
	}
}
