package models

import (
	"fmt"
	"time"
)

type ReservationStatus string

const (
	StatusPending   ReservationStatus = "pending"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusSeated    ReservationStatus = "seated"
	StatusPaying    ReservationStatus = "paying"
	StatusCompleted ReservationStatus = "completed"
	StatusCancelled ReservationStatus = "cancelled"
	StatusNoShow    ReservationStatus = "no_show"
)

// Valid reports whether s is one of the known reservation statuses.
func (s ReservationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusSeated, StatusPaying,
		StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Terminal statuses have no outgoing transitions.
func (s ReservationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// Active reservations still hold a turn and any shared resources they asked for.
func (s ReservationStatus) Active() bool {
	return s.Valid() && !s.Terminal()
}

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

type Reservation struct {
	ID              string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CustomerName    string            `gorm:"type:varchar(255);not null" json:"customer_name"`
	Phone           string            `gorm:"type:varchar(50)" json:"phone"`
	Date            string            `gorm:"type:varchar(10);not null;index:idx_reservation_date" json:"date"`
	Time            string            `gorm:"type:varchar(5);not null" json:"time"`
	TurnID          string            `gorm:"type:varchar(50)" json:"turn_id"`
	PartySize       int               `gorm:"not null" json:"party_size"`
	Status          ReservationStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	TableID         *string           `gorm:"type:varchar(36);index" json:"table_id"`
	SpecialRequests []string          `gorm:"serializer:json" json:"special_requests"`
	Notes           string            `gorm:"type:text" json:"notes"`
	Version         int64             `gorm:"not null;default:1" json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Validate checks the invariants a reservation must hold before it is stored.
func (r *Reservation) Validate() error {
	if r.PartySize < 1 {
		return fmt.Errorf("%w: party size must be at least 1", ErrValidation)
	}
	if r.CustomerName == "" {
		return fmt.Errorf("%w: customer name is required", ErrValidation)
	}
	if _, err := time.Parse(DateLayout, r.Date); err != nil {
		return fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrValidation, r.Date)
	}
	if r.Time != "" {
		if _, err := time.Parse(TimeLayout, r.Time); err != nil {
			return fmt.Errorf("%w: time %q is not HH:MM", ErrValidation, r.Time)
		}
	}
	if r.Status != "" && !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, r.Status)
	}
	return nil
}

// HasRequest reports whether the reservation carries the given special request tag.
func (r *Reservation) HasRequest(tag string) bool {
	for _, t := range r.SpecialRequests {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can keep snapshots without sharing slices.
func (r Reservation) Clone() Reservation {
	out := r
	if r.TableID != nil {
		id := *r.TableID
		out.TableID = &id
	}
	if r.SpecialRequests != nil {
		out.SpecialRequests = append([]string(nil), r.SpecialRequests...)
	}
	return out
}
