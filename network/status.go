package network

import (
	"fmt"
	"sync"
)

// State is the coarse connection state polled by the UI.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateTransferring State = "transferring"
	StateFailed       State = "failed"
)

// Status is a snapshot of the AirDrop status cell. Progress is meaningful only
// while Transferring, Reason only when Failed.
type Status struct {
	State    State
	Progress float32
	Reason   string
}

func (s Status) String() string {
	switch s.State {
	case StateTransferring:
		return fmt.Sprintf("transferring(%.1f)", s.Progress)
	case StateFailed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	default:
		return string(s.State)
	}
}

// StatusCell is the single shared status value. The lock is held only for
// the duration of one read or write. There is no transition back to Idle.
type StatusCell struct {
	mu       sync.Mutex
	status   Status
	observer func(Status)
}

// NewStatusCell returns a cell in the Idle state.
func NewStatusCell() *StatusCell {
	return &StatusCell{status: Status{State: StateIdle}}
}

// SetObserver registers fn to receive every status change. fn runs on the
// writer's goroutine after the lock is released.
func (c *StatusCell) SetObserver(fn func(Status)) {
	c.mu.Lock()
	c.observer = fn
	c.mu.Unlock()
}

// Get returns the current status.
func (c *StatusCell) Get() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connecting marks a server start or outbound connect in progress.
func (c *StatusCell) Connecting() {
	c.set(Status{State: StateConnecting})
}

// Connected marks a bound listener or a finished transfer.
func (c *StatusCell) Connected() {
	c.set(Status{State: StateConnected})
}

// Begin enters Transferring(0), resetting progress from any earlier transfer.
func (c *StatusCell) Begin() {
	c.set(Status{State: StateTransferring})
}

// SetTransferring records transfer progress. Progress is clamped to [0,100]
// and never decreases within one transfer.
func (c *StatusCell) SetTransferring(progress float32) {
	progress = clampProgress(progress)

	c.mu.Lock()
	if c.status.State == StateTransferring && progress < c.status.Progress {
		c.mu.Unlock()
		return
	}
	c.status = Status{State: StateTransferring, Progress: progress}
	observer, status := c.observer, c.status
	c.mu.Unlock()

	if observer != nil {
		observer(status)
	}
}

// Settle returns Transferring to Connected. Other states are left alone.
func (c *StatusCell) Settle() {
	c.mu.Lock()
	if c.status.State != StateTransferring {
		c.mu.Unlock()
		return
	}
	c.status = Status{State: StateConnected}
	observer, status := c.observer, c.status
	c.mu.Unlock()

	if observer != nil {
		observer(status)
	}
}

// Fail records a failure with a human readable reason.
func (c *StatusCell) Fail(reason string) {
	c.set(Status{State: StateFailed, Reason: reason})
}

func (c *StatusCell) set(status Status) {
	c.mu.Lock()
	c.status = status
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		observer(status)
	}
}

// Progress is the float progress cell read by the UI. Readers may observe a
// value that lags the status cell.
type Progress struct {
	mu    sync.Mutex
	value float32
}

// Set stores a clamped progress value.
func (p *Progress) Set(value float32) {
	p.mu.Lock()
	p.value = clampProgress(value)
	p.mu.Unlock()
}

// Get returns the last stored value.
func (p *Progress) Get() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

func clampProgress(p float32) float32 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// percent computes done/total*100. An empty transfer is complete.
func percent(done, total uint64) float32 {
	if total == 0 {
		return 100
	}
	return float32(float64(done) / float64(total) * 100)
}

// progressSink fans one progress update out to the status and progress cells.
type progressSink struct {
	status   *StatusCell
	progress *Progress
}

func (s progressSink) begin() {
	if s.status != nil {
		s.status.Begin()
	}
	if s.progress != nil {
		s.progress.Set(0)
	}
}

func (s progressSink) update(done, total uint64) {
	p := percent(done, total)
	if s.status != nil {
		s.status.SetTransferring(p)
	}
	if s.progress != nil {
		s.progress.Set(p)
	}
}

func (s progressSink) settle() {
	if s.status != nil {
		s.status.Settle()
	}
}

func (s progressSink) fail(err error) {
	if s.status != nil {
		s.status.Fail(failureReason(err))
	}
}

func (s progressSink) connecting() {
	if s.status != nil {
		s.status.Connecting()
	}
}

func (s progressSink) connected() {
	if s.status != nil {
		s.status.Connected()
	}
}
