package httpserver

import (
	"context"
	"sync"
	"time"

	"bonusvarsel/internal/eventbus"
)

// RunStatus is the last observed run outcome.
type RunStatus struct {
	RunID      string    `json:"run_id,omitempty"`
	Trigger    string    `json:"trigger,omitempty"`
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	Notified   int       `json:"notified"`

	LastNotifyError string `json:"last_notify_error,omitempty"`
}

// Tracker folds run and notify events into a RunStatus.
type Tracker struct {
	mu     sync.RWMutex
	status RunStatus
	seen   bool
}

func NewTracker() *Tracker { return &Tracker{} }

// Follow consumes bus events until ctx is done.
func (t *Tracker) Follow(ctx context.Context, bus eventbus.Bus) {
	if bus == nil {
		return
	}
	ch, unsub := bus.Subscribe(32, "run.", "notify.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			t.Observe(e)
		}
	}
}

func (t *Tracker) Observe(e eventbus.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e.Type {
	case eventbus.RunStarted:
		ev, _ := e.Data.(eventbus.RunEvent)
		t.status.RunID = ev.RunID
		t.status.Trigger = ev.Trigger
		t.status.Running = true
		t.status.StartedAt = e.Time
	case eventbus.RunFinished, eventbus.RunFailed:
		ev, _ := e.Data.(eventbus.RunEvent)
		t.seen = true
		t.status.RunID = ev.RunID
		t.status.Running = false
		t.status.FinishedAt = e.Time
		t.status.OK = e.Type == eventbus.RunFinished
		t.status.Error = ev.Error
		t.status.Notified = ev.Notified
	case eventbus.NotifyFailed:
		ev, _ := e.Data.(eventbus.NotifyEvent)
		t.status.LastNotifyError = ev.Error
	case eventbus.NotifySent:
		t.status.LastNotifyError = ""
	}
}

// Status returns the current status and whether any run has completed.
func (t *Tracker) Status() (RunStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status, t.seen
}
