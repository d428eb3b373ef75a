package chat

import "time"

// TenantID identifies the account a chat stream is ingested for.
type TenantID int64

// Mode records how the current or last run was started.
type Mode string

const (
	ModeNone   Mode = ""
	ModeManual Mode = "manual" // explicit video target
	ModeAuto   Mode = "auto"   // started by the liveness scheduler
)

// RunState is the session state machine position.
type RunState string

const (
	StateIdle       RunState = "idle"
	StateConnecting RunState = "connecting"
	StateRunning    RunState = "running"
	StateEnded      RunState = "ended"
	StateErrored    RunState = "errored"
)

// Stats are the running counters of a session since its last start.
type Stats struct {
	TotalMessages int       `json:"totalMessages"`
	SuperChats    int       `json:"superChats"`
	Memberships   int       `json:"memberships"`
	StartedAt     time.Time `json:"startedAt,omitzero"`
}

// Status is a read-only snapshot of a session.
type Status struct {
	Running      bool     `json:"running"`
	State        RunState `json:"state"`
	VideoID      string   `json:"videoId,omitempty"`
	ChannelID    string   `json:"channelId,omitempty"`
	Mode         Mode     `json:"mode,omitempty"`
	Stats        Stats    `json:"stats"`
	MessageCount int      `json:"messageCount"`
}

// PoolStats are derived, process-wide counters.
type PoolStats struct {
	ActiveChats      int `json:"activeChats"`
	PeakActive       int `json:"peakActive"`
	TotalConnections int `json:"totalConnections"`
	AutoWatchCount   int `json:"autoWatchCount"`
}

// Notification is a user-facing notice pushed to a tenant's operators.
type Notification struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Persisted notification kinds.
const (
	NotifyChatError = "chat_error"
	NotifyChatEnded = "chat_ended"
)

// EventKind enumerates what a session or the pool can publish.
type EventKind int

const (
	EventStarted EventKind = iota
	EventMessage
	EventEnded
	EventStopped
	EventError
	EventNotification
	EventStats
	EventPoolStats
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventMessage:
		return "message"
	case EventEnded:
		return "ended"
	case EventStopped:
		return "stopped"
	case EventError:
		return "error"
	case EventNotification:
		return "notification"
	case EventStats:
		return "stats"
	case EventPoolStats:
		return "pool_stats"
	}
	return "unknown"
}

// Event is published on the pool event channel. Which fields are set
// depends on Kind.
type Event struct {
	Kind   EventKind
	Tenant TenantID
	At     time.Time

	VideoID      string        // started
	Mode         Mode          // started
	Reason       string        // ended
	Err          error         // error
	Message      *Message      // message
	Stats        Stats         // stats
	Notification *Notification // notification
	Pool         *PoolStats    // pool_stats
}
