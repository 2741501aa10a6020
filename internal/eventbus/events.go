package eventbus

import "time"

// Event types published by the pipeline and its collaborators.
const (
	RunStarted     = "run.started"
	RunFinished    = "run.finished"
	RunFailed      = "run.failed"
	NotifySent     = "notify.sent"
	NotifyFailed   = "notify.failed"
	ConfigReloaded = "config.reloaded"
)

// RunEvent is the payload of the run.* events.
type RunEvent struct {
	RunID    string        `json:"run_id"`
	Trigger  string        `json:"trigger"`
	Forced   bool          `json:"forced,omitempty"`
	Took     time.Duration `json:"took,omitempty"`
	Notified int           `json:"notified,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// NotifyEvent is the payload of the notify.* events.
// Delivered counts the chunks acknowledged by the sink.
type NotifyEvent struct {
	Target    string `json:"target"`
	ThreadID  int    `json:"thread_id,omitempty"`
	Runes     int    `json:"runes"`
	Attempts  int    `json:"attempts"`
	Delivered int    `json:"delivered"`
	Error     string `json:"error,omitempty"`
}
