package domain

import (
	"strings"
	"time"
)

type Direction string

const (
	ToProvider Direction = "to_provider"
	ToClient   Direction = "to_client"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusResponded Status = "responded"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
	StatusFailed:    5,
	StatusResponded: 6,
}

func (s Status) Rank() int { return statusRank[s] }

// After reports whether s is strictly later than other in the lifecycle.
// Equal-or-earlier statuses are replays and must not regress state.
func (s Status) After(other Status) bool { return statusRank[s] > statusRank[other] }

// FromProviderStatus maps a raw vendor delivery status onto the lifecycle.
// Unknown statuses return false; callers log and ignore them.
func FromProviderStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "accepted":
		return StatusPending, true
	case "sent":
		return StatusSent, true
	case "delivered":
		return StatusDelivered, true
	case "read":
		return StatusRead, true
	case "failed", "undelivered":
		return StatusFailed, true
	}
	return "", false
}

type Intent string

const (
	IntentConfirm Intent = "confirm"
	IntentDecline Intent = "decline"
	IntentUnknown Intent = "unknown"
)

// Interaction is one outbound or inbound message tied to a marketplace
// request. Rows are never deleted; the table is the audit trail.
type Interaction struct {
	ID             string
	RequestID      string
	Direction      Direction
	Status         Status
	Template       string
	Content        string
	ToPhone        string
	ScheduledFor   time.Time
	SentAt         *time.Time
	DeliveredAt    *time.Time
	ProviderMsgID  string
	ProviderStatus string
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Open reports whether the interaction is still in flight, i.e. it blocks a
// new follow-up for the same (request, direction).
func (i Interaction) Open() bool {
	switch i.Status {
	case StatusPending, StatusSending, StatusSent:
		return true
	}
	return false
}

// Reply is a classified inbound response to an interaction.
type Reply struct {
	RequestID     string
	InteractionID string
	Direction     Direction
	Intent        Intent
	Keyword       string
}

// Marketplace request states this pipeline reads or writes. The request
// lifecycle itself is owned elsewhere.
const (
	RequestAccepted        = "accepted"
	RequestPendingProvider = "pending_provider"
	RequestCompleted       = "completed"
	RequestCancelled       = "cancelled"
	RequestRejected        = "rejected"
)
