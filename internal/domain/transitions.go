package domain

import "time"

// Start moves a TODO task to IN_PROCESS on behalf of its assignee.
func (t *Task) Start(developerID string, now time.Time) error {
	if t.AssigneeID != developerID {
		return newError(KindNotAssignee, "task %s is assigned to %s, not %s", t.ID, t.AssigneeID, developerID)
	}
	if t.Status != StatusTodo {
		return newError(KindInvalidState, "task %s is %s; only %s tasks can be started", t.ID, t.Status, StatusTodo)
	}
	t.Status = StatusInProcess
	t.UpdatedAt = now
	return nil
}

// Complete moves an IN_PROCESS task to COMPLETED on behalf of its assignee.
func (t *Task) Complete(developerID string, now time.Time) error {
	if t.AssigneeID != developerID {
		return newError(KindNotAssignee, "task %s is assigned to %s, not %s", t.ID, t.AssigneeID, developerID)
	}
	if t.Status != StatusInProcess {
		return newError(KindInvalidState, "task %s is %s; only %s tasks can be completed", t.ID, t.Status, StatusInProcess)
	}
	t.Status = StatusCompleted
	t.UpdatedAt = now
	return nil
}
