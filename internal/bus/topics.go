package bus

// Task lifecycle topics. All share the "task." prefix.
const (
	TopicTaskCreated       = "task.created"
	TopicTaskDeleted       = "task.deleted"
	TopicTaskStatusChanged = "task.status_changed"
	TopicTaskRunStarted    = "task.run_started"
	TopicTaskRunFailed     = "task.run_failed"
	TopicTaskDecision      = "task.decision"
)

// TopicConfigReloaded is published after config.yaml changes were applied.
const TopicConfigReloaded = "config.reloaded"

// TaskStatusChangedEvent is published whenever a task's status moves.
type TaskStatusChangedEvent struct {
	JobID     string `json:"jobId"`
	AgentID   string `json:"agentId,omitempty"`
	Name      string `json:"name,omitempty"`
	OldStatus string `json:"oldStatus"`
	NewStatus string `json:"newStatus"`
	Reason    string `json:"reason,omitempty"`
}

// TaskRunEvent is published around a run trigger.
type TaskRunEvent struct {
	JobID   string `json:"jobId"`
	AgentID string `json:"agentId,omitempty"`
	Attempt int    `json:"attempt"`
	Max     int    `json:"maxAttempts"`
	Error   string `json:"error,omitempty"`
}

// TaskDecisionEvent carries a triage verdict after it was applied.
type TaskDecisionEvent struct {
	JobID        string   `json:"jobId"`
	Decision     string   `json:"decision"`
	Reason       string   `json:"reason"`
	EditsApplied []string `json:"editsApplied,omitempty"`
}

// TaskLifecycleEvent is published on create and delete.
type TaskLifecycleEvent struct {
	JobID   string `json:"jobId"`
	AgentID string `json:"agentId,omitempty"`
	Name    string `json:"name,omitempty"`
	Source  string `json:"source,omitempty"`
}
