package log

// Common structured field names.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldRelease   = "release_id"
	FieldTask      = "task_id"
	FieldDeveloper = "developer_id"
	FieldEventType = "event_type"
	FieldEventID   = "event_id"
	FieldTopic     = "topic"
	FieldPartition = "partition"
	FieldOffset    = "offset"
	FieldAttempt   = "attempt"
	FieldGroup     = "group"
)
