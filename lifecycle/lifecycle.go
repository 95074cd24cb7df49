// Package lifecycle holds the reservation status transition table and the
// role gating applied to it.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/yeremiapane/restaurant-reservations/models"
)

type Role string

const (
	RoleWaiter  Role = "waiter"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// Elevated roles may cancel from any non-terminal state and force no-shows.
func (r Role) Elevated() bool {
	return r == RoleManager || r == RoleAdmin
}

func (r Role) Valid() bool {
	return r == RoleWaiter || r.Elevated()
}

const (
	ReasonInvalidTransition = "invalid_transition"
	ReasonNotPermitted      = "not_permitted"
)

var (
	ErrInvalidTransition = errors.New(ReasonInvalidTransition)
	ErrNotPermitted      = errors.New(ReasonNotPermitted)
)

// Rejection explains why a transition was refused. It matches
// ErrInvalidTransition or ErrNotPermitted with errors.Is.
type Rejection struct {
	Reason string
	From   models.ReservationStatus
	To     models.ReservationStatus
	Role   Role
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s -> %s as %s", r.Reason, r.From, r.To, r.Role)
}

func (r *Rejection) Is(target error) bool {
	switch target {
	case ErrInvalidTransition:
		return r.Reason == ReasonInvalidTransition
	case ErrNotPermitted:
		return r.Reason == ReasonNotPermitted
	}
	return false
}

// edges maps from -> to -> whether only elevated roles may take the edge.
var edges = map[models.ReservationStatus]map[models.ReservationStatus]bool{
	models.StatusPending: {
		models.StatusConfirmed: false,
		models.StatusCancelled: false,
	},
	models.StatusConfirmed: {
		models.StatusSeated:    false,
		models.StatusCancelled: false,
		models.StatusNoShow:    true,
	},
	models.StatusSeated: {
		models.StatusPaying:    false,
		models.StatusCancelled: true,
		models.StatusNoShow:    true,
	},
	models.StatusPaying: {
		models.StatusCompleted: false,
		models.StatusCancelled: true,
	},
}

// check returns nil when role may move a reservation from -> to.
func check(from, to models.ReservationStatus, role Role) *Rejection {
	elevatedOnly, ok := edges[from][to]
	if !ok {
		return &Rejection{Reason: ReasonInvalidTransition, From: from, To: to, Role: role}
	}
	if !role.Valid() || (elevatedOnly && !role.Elevated()) {
		return &Rejection{Reason: ReasonNotPermitted, From: from, To: to, Role: role}
	}
	return nil
}

func CanTransition(from, to models.ReservationStatus, role Role) bool {
	return check(from, to, role) == nil
}

// Transition returns a copy of res moved to status to. On rejection the
// original reservation is returned untouched together with a *Rejection.
func Transition(res models.Reservation, to models.ReservationStatus, role Role) (models.Reservation, error) {
	if rej := check(res.Status, to, role); rej != nil {
		return res, rej
	}
	next := res.Clone()
	next.Status = to
	return next, nil
}

// Allowed lists the statuses role can move a reservation in from to.
func Allowed(from models.ReservationStatus, role Role) []models.ReservationStatus {
	var out []models.ReservationStatus
	for _, to := range []models.ReservationStatus{
		models.StatusConfirmed, models.StatusSeated, models.StatusPaying,
		models.StatusCompleted, models.StatusCancelled, models.StatusNoShow,
	} {
		if CanTransition(from, to, role) {
			out = append(out, to)
		}
	}
	return out
}

// RoleFromStaff maps the staff roles stored on users to lifecycle roles.
// Unknown roles map to an invalid Role and are refused every edge.
func RoleFromStaff(role string) Role {
	switch role {
	case "admin":
		return RoleAdmin
	case "manager":
		return RoleManager
	case "waiter", "staff":
		return RoleWaiter
	}
	return Role(role)
}
