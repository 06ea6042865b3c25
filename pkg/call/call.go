package call

import (
	"context"
	"time"
)

// Status is the lifecycle status of a call. Statuses are ordered; a call
// only ever advances along the order and never moves backwards.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusNoAnswer   Status = "no_answer"
	StatusBusy       Status = "busy"
	StatusCancelled  Status = "cancelled"
)

// Direction of a call relative to this system.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// statusRank orders statuses along the lifecycle partial order. End states
// share the highest rank so that no end state can replace another.
var statusRank = map[Status]int{
	StatusInitiated:  0,
	StatusRinging:    1,
	StatusInProgress: 2,
	StatusCompleted:  3,
	StatusFailed:     3,
	StatusNoAnswer:   3,
	StatusBusy:       3,
	StatusCancelled:  3,
}

// IsTerminal reports whether the status must never be overwritten by a
// later event implying an earlier lifecycle state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsEnd reports whether the status is any of the end-of-call states.
func (s Status) IsEnd() bool {
	return statusRank[s] == 3
}

// ParseStatus normalizes a vendor-supplied status string. Unknown values
// return an empty status.
func ParseStatus(raw string) Status {
	switch Status(raw) {
	case StatusInitiated, StatusRinging, StatusInProgress, StatusCompleted,
		StatusFailed, StatusNoAnswer, StatusBusy, StatusCancelled:
		return Status(raw)
	}
	if raw == "inprogress" || raw == "in-progress" {
		return StatusInProgress
	}
	return ""
}

// Call is the durable record of one telephone call's lifecycle.
type Call struct {
	ID                 string
	CallSID            string
	ParentCallSID      string
	Direction          Direction
	FromNumber         string
	ToNumber           string
	Status             Status
	StartedAt          time.Time
	AnsweredAt         *time.Time
	EndedAt            *time.Time
	DurationSeconds    *int
	HandledByAI        bool
	EscalatedToHuman   bool
	EscalatedToAgent   string
	RecordingURL       string
	RecordingSID       string
	RecordingDuration  *int
	TranscriptText     string
	TranscriptSummary  string
	ReceptionStatus    string
	CallerUsername     string
	WebhookProcessedAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AdvanceStatus moves the call's status forward along the lifecycle order.
// It returns true when the status changed. Backward moves and any change
// away from a terminal status are rejected.
func (c *Call) AdvanceStatus(next Status) bool {
	if next == "" || next == c.Status {
		return false
	}
	if c.Status.IsTerminal() {
		return false
	}
	cur, ok := statusRank[c.Status]
	if !ok {
		cur = -1
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	if nxt <= cur {
		return false
	}
	c.Status = next
	return true
}

// EventRecord is one row of the append-only event ledger. The triple
// (CallSID, EventType, EventTimestamp) is unique; inserting the same
// triple twice reports errors.ErrDuplicateEvent.
type EventRecord struct {
	CallSID        string
	EventType      string
	EventTimestamp int64
	Status         string
	CreatedAt      time.Time
}

// Store is the persistence contract the reconciler and the read surfaces
// depend on. Implementations must enforce the ledger uniqueness constraint
// and may otherwise remain oblivious to the monotonic-status rule, which is
// applied by callers through AdvanceStatus before saving.
type Store interface {
	// InsertEvent appends a ledger row, returning errors.ErrDuplicateEvent
	// (wrapped) when the triple already exists.
	InsertEvent(ctx context.Context, rec EventRecord) error

	// FindBySID returns the call with the given external SID, also matching
	// ParentCallSID for conversation-scoped identifiers. Returns
	// errors.ErrCallNotFound when absent.
	FindBySID(ctx context.Context, callSID string) (*Call, error)

	// Create inserts a new call row.
	Create(ctx context.Context, c *Call) error

	// Update persists the mutable fields of an existing call row.
	Update(ctx context.Context, c *Call) error
}
