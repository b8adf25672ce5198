package eventbus

// Event types published by postscheduler components.
const (
	ActionEnqueued  = "action.enqueued"
	ActionFired     = "action.fired"
	ActionCompleted = "action.completed"
	ActionFailed    = "action.failed"
	ActionReleased  = "action.released"

	MonitorStarted = "monitor.started"
	MonitorStopped = "monitor.stopped"

	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskDropped  = "task.dropped"
	TaskSkipped  = "task.skipped"

	ConfigReloaded = "config.reloaded"
)
