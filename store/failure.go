package store

import (
	"errors"
	"fmt"

	"github.com/yeremiapane/restaurant-reservations/apiclient"
	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/realtime"
)

type FailureKind int

const (
	// FailureTransport means the request never got an answer.
	FailureTransport FailureKind = iota + 1
	// FailureConflict means the server refused because the entity changed
	// underneath. The entity is re-fetched.
	FailureConflict
	// FailureRejected means the server answered with any other refusal.
	FailureRejected
	// FailureTimeout means a status_update frame was never confirmed.
	FailureTimeout
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransport:
		return "transport"
	case FailureConflict:
		return "conflict"
	case FailureRejected:
		return "rejected"
	case FailureTimeout:
		return "timeout"
	}
	return "unknown"
}

const (
	EntityReservation = "reservation"
	EntityTable       = "table"
)

// Failure is an optimistic mutation that was reverted.
type Failure struct {
	Kind     FailureKind
	Entity   string
	EntityID string
	Err      error
}

func (f Failure) Error() string {
	return fmt.Sprintf("store: %s %s %s: %v", f.Kind, f.Entity, f.EntityID, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

var errUnconfirmed = errors.New("no confirmation received")

// classify decides how a backend error is reported. Anything the server did
// not answer is a transport failure.
func classify(err error) FailureKind {
	if errors.Is(err, models.ErrConflict) {
		return FailureConflict
	}
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) {
		return FailureRejected
	}
	var refusal realtime.ServerError
	if errors.As(err, &refusal) {
		return FailureRejected
	}
	return FailureTransport
}
