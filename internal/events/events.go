// Package events provides the lifecycle event stream of a load run.
package events

import "time"

// EventType represents the type of event
type EventType string

const (
	// EventClientStarted is emitted when a client spawns its workers
	EventClientStarted EventType = "client_started"
	// EventClientStopped is emitted after every worker of a client has exited
	EventClientStopped EventType = "client_stopped"
	// EventOpAdded is emitted when an operation is registered with a client
	EventOpAdded EventType = "op_added"
	// EventOpPolled is emitted with a statistics snapshot of one operation
	EventOpPolled EventType = "op_polled"
	// EventOpReset is emitted when an operation's statistics are cleared
	EventOpReset EventType = "op_reset"
)

// StopReason tells why a client stopped
type StopReason string

const (
	StopRequested StopReason = "requested"
	StopLimit     StopReason = "requests_limit"
	StopContext   StopReason = "context_done"
)

// Event represents a lifecycle event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      EventData `json:"data,omitempty"`
}

// EventData contains event-specific data
type EventData struct {
	Workers  int        `json:"workers,omitempty"`
	Weight   int        `json:"weight,omitempty"`
	Reason   StopReason `json:"reason,omitempty"`
	Queries  uint64     `json:"queries,omitempty"`
	Failures uint64     `json:"failures,omitempty"`
	Skipped  uint64     `json:"skipped,omitempty"`
	WorstSec float64    `json:"worst_sec,omitempty"`
	Samples  []float64  `json:"samples_sec,omitempty"`
}

// NewClientStartedEvent creates a client started event
func NewClientStartedEvent(client string, workers int) Event {
	return Event{
		Type:      EventClientStarted,
		Timestamp: time.Now(),
		Source:    client,
		Data:      EventData{Workers: workers},
	}
}

// NewClientStoppedEvent creates a client stopped event
func NewClientStoppedEvent(client string, reason StopReason) Event {
	return Event{
		Type:      EventClientStopped,
		Timestamp: time.Now(),
		Source:    client,
		Data:      EventData{Reason: reason},
	}
}

// NewOpAddedEvent creates an op added event
func NewOpAddedEvent(op string, weight int) Event {
	return Event{
		Type:      EventOpAdded,
		Timestamp: time.Now(),
		Source:    op,
		Data:      EventData{Weight: weight},
	}
}

// NewOpPolledEvent creates an op polled event from snapshot values
func NewOpPolledEvent(op string, queries, failures, skipped uint64, worstSec float64, samples []float64) Event {
	return Event{
		Type:      EventOpPolled,
		Timestamp: time.Now(),
		Source:    op,
		Data: EventData{
			Queries:  queries,
			Failures: failures,
			Skipped:  skipped,
			WorstSec: worstSec,
			Samples:  samples,
		},
	}
}

// NewOpResetEvent creates an op reset event
func NewOpResetEvent(op string) Event {
	return Event{
		Type:      EventOpReset,
		Timestamp: time.Now(),
		Source:    op,
	}
}
