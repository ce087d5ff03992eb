package bus

// Task lifecycle topics.
const (
	TopicTaskSubmitted    = "task.submitted"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskRetrying     = "task.retrying"
)

// Model pool topics.
const (
	TopicModelLoaded             = "model.loaded"
	TopicModelEvicted            = "model.evicted"
	TopicModelResidencyViolation = "model.residency_violation"
)

// Checkpoint topics.
const (
	TopicCheckpointSaved = "checkpoint.saved"
)

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	OldStatus string // Previous status (e.g. pending)
	NewStatus string // New status (e.g. running)
}

// ModelEvent is published when a worker is loaded or evicted.
type ModelEvent struct {
	Role     string // Logical role ("interactive", "task")
	ModelID  string // Runtime model identifier
	MemoryMB int    // Footprint estimate
}

// ResidencyViolationEvent is published when an always-resident worker
// is found missing from the runtime.
type ResidencyViolationEvent struct {
	Role    string
	ModelID string
}

// CheckpointSavedEvent is published after a checkpoint write.
type CheckpointSavedEvent struct {
	TaskID   string
	Sequence int64
	Phase    string
}
