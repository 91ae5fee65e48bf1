package agent

// Event types published on a run's channel.
const (
	EventReady                = "ready"
	EventToken                = "token"
	EventGenerationComplete   = "generation.complete"
	EventToolsPending         = "tools.pending"
	EventToolAwaitingApproval = "tool.awaiting_approval"
	EventToolExecuting        = "tool.executing"
	EventToolResult           = "tool.result"
	EventToolDenied           = "tool.denied"
	EventToolError            = "tool.error"
	EventHeartbeat            = "heartbeat"
	EventWorkflowComplete     = "workflow_complete"
	EventWorkflowError        = "workflow_error"
)

// Terminal run statuses carried by workflow_complete.
const (
	StatusCompleted        = "completed"
	StatusError            = "error"
	StatusAwaitingApproval = "awaiting_approval"
	StatusStopped          = "stopped"
)

// Channel is the pub/sub topic for one run.
func Channel(runID string) string {
	return "run:" + runID
}

// IsTerminalEvent reports whether an event ends the run's stream.
func IsTerminalEvent(event string) bool {
	return event == EventWorkflowComplete || event == EventWorkflowError
}
