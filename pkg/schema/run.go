package schema

// RunStatus is the lifecycle state of one workflow run.
type RunStatus string

const (
	RunStatusRunning        RunStatus = "running"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusTimedOut       RunStatus = "timed_out"
	RunStatusContinuedAsNew RunStatus = "continued_as_new"
)

// Terminal reports whether no further events may be appended to a run in this state.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning && s != ""
}

// StatusForTerminalEvent maps a terminal event type to the run status it produces.
func StatusForTerminalEvent(eventType string) (RunStatus, bool) {
	switch eventType {
	case EventWorkflowCompleted:
		return RunStatusCompleted, true
	case EventWorkflowFailed:
		return RunStatusFailed, true
	case EventWorkflowCancelled:
		return RunStatusCancelled, true
	case EventWorkflowTimedOut:
		return RunStatusTimedOut, true
	case EventWorkflowContinuedAsNew:
		return RunStatusContinuedAsNew, true
	}
	return "", false
}
