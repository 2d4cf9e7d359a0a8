package store

import (
	"errors"
	"time"
)

// ErrDuplicateOpen is returned by InsertInteraction when an open interaction
// already exists for the same (request, direction). It backs the
// one-in-flight invariant under concurrent creators.
var ErrDuplicateOpen = errors.New("open interaction already exists")

type InteractionInsert struct {
	ID           string
	RequestID    string
	Direction    string
	Template     string
	Content      string
	ToPhone      string
	ScheduledFor time.Time
	Metadata     map[string]string
	Now          time.Time
}

// StatusAdvance is a conditional status transition keyed by provider message
// id. Expected carries the status the caller observed; the update applies only
// if the row still holds it, so concurrent writers cannot regress state.
type StatusAdvance struct {
	ProviderMsgID  string
	Expected       string
	NewStatus      string
	ProviderStatus string
	Now            time.Time
}

type SentUpdate struct {
	ID             string
	ProviderMsgID  string
	ProviderStatus string
	Now            time.Time
}

type RespondedUpdate struct {
	ID       string
	Metadata map[string]string
	Now      time.Time
}

type LedgerEntry struct {
	ProviderMsgID string
	FromPhone     string
	Now           time.Time
}

type DeliveryEvent struct {
	ProviderMsgID string
	VendorStatus  string
	ErrorCode     string
	Source        string
	Payload       any
	ReceivedAt    time.Time
}
