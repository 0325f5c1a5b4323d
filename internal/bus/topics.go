package bus

// Task event topics.
const (
	TopicTaskEnqueued  = "task.enqueued"
	TopicTaskClaimed   = "task.claimed"
	TopicTaskCompleted = "task.completed"
	TopicTaskCancelled = "task.cancelled"
	TopicTaskUpdated   = "task.updated"
)

// Wake and trigger topics.
const (
	TopicWakeEmitted    = "wake.emitted"
	TopicTriggerChanged = "trigger.changed"
	TopicTriggerFired   = "trigger.fired"
)

// TaskEvent is published when a task changes state.
type TaskEvent struct {
	TaskID      int64
	TriggerName string
	OldStatus   string
	NewStatus   string
}

// WakeEvent is published after a wake record is committed.
type WakeEvent struct {
	WakeID      int64
	TriggerName string
	TaskID      int64
	SessionKey  string
	SessionID   string
	Channel     string
	Outcome     string
}

// TriggerEvent is published when the registry changes or a trigger is handed off.
type TriggerEvent struct {
	Name   string
	Action string // "created", "updated", "deleted", "enabled", "disabled", "fired"
}
