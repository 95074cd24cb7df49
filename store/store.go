// Package store is the client-side mirror of reservations and tables. Staff
// actions are applied optimistically, then confirmed or reverted by the
// server's answer and by pushed events.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/restaurant-reservations/apiclient"
	"github.com/yeremiapane/restaurant-reservations/lifecycle"
	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/realtime"
	"github.com/yeremiapane/restaurant-reservations/rules"
)

// Backend is the REST collaborator. *apiclient.Client implements it.
type Backend interface {
	ListReservations(ctx context.Context, f apiclient.ReservationFilter) ([]models.Reservation, error)
	GetReservation(ctx context.Context, id string) (models.Reservation, error)
	CreateReservation(ctx context.Context, r models.Reservation) (models.Reservation, error)
	UpdateReservationStatus(ctx context.Context, id string, change apiclient.StatusChange) (models.Reservation, error)
	AssignTable(ctx context.Context, reservationID, tableID string) (models.TableAssignment, error)
	FreeTable(ctx context.Context, reservationID string) (models.TableAssignment, error)
	ListTables(ctx context.Context) ([]models.Table, error)
	GetTable(ctx context.Context, id string) (models.Table, error)
	UpdateTableStatus(ctx context.Context, id string, change apiclient.StatusChange) (models.Table, error)
}

// Sender carries status updates as frames. *realtime.Channel implements it.
type Sender interface {
	Send(realtime.Envelope) error
}

// Events is where Run reads pushes from. *realtime.Dispatcher implements it.
type Events interface {
	Reservations(ctx context.Context) <-chan realtime.ReservationEvent
	Tables(ctx context.Context) <-chan realtime.TableEvent
	ConnectionStates(ctx context.Context) <-chan realtime.StateChange
	Errors(ctx context.Context) <-chan realtime.ServerError
}

var (
	ErrMutationPending = errors.New("store: a change to this entity is still pending")
	ErrInadmissible    = errors.New("store: reservation refused by availability rules")
	ErrTableUnusable   = fmt.Errorf("%w: table cannot take this reservation", models.ErrValidation)
)

type Config struct {
	Rules *rules.RuleSet
	Role  lifecycle.Role
	// Date limits the mirror to one service day. Empty mirrors everything the
	// backend lists.
	Date string
	// Channel, when set, carries status changes as status_update frames
	// instead of REST calls. They are confirmed by the broadcast event or
	// reverted after MutationTimeout.
	Channel         Sender
	MutationTimeout time.Duration
	Clock           realtime.Clock
	Log             logrus.FieldLogger
}

// Store is safe for concurrent use. The cache lock is never held across a
// network call, so a pushed event can land while a mutation is in flight.
type Store struct {
	backend Backend
	cfg     Config
	clock   realtime.Clock
	log     logrus.FieldLogger

	mu           sync.Mutex
	seq          uint64
	reservations map[string]*record[models.Reservation]
	tables       map[string]*record[models.Table]
	waitlist     []models.WaitlistEntry

	failures chan Failure
}

func New(backend Backend, cfg Config) *Store {
	if cfg.Rules == nil {
		cfg.Rules = rules.Default()
	}
	if cfg.MutationTimeout <= 0 {
		cfg.MutationTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = realtime.SystemClock()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Store{
		backend:      backend,
		cfg:          cfg,
		clock:        cfg.Clock,
		log:          cfg.Log.WithField("component", "store"),
		reservations: make(map[string]*record[models.Reservation]),
		tables:       make(map[string]*record[models.Table]),
		failures:     make(chan Failure, 64),
	}
}

// Failures reports transport, conflict and timeout failures of optimistic
// mutations. They arrive independently of the call that started the mutation.
func (s *Store) Failures() <-chan Failure { return s.failures }

func (s *Store) report(f Failure) {
	s.log.WithFields(logrus.Fields{
		"kind":   f.Kind.String(),
		"entity": f.Entity,
		"id":     f.EntityID,
	}).WithError(f.Err).Warn("mutation failed")
	select {
	case s.failures <- f:
	default:
		s.log.Warn("failure stream full, dropping report")
	}
}

// tickLocked advances the sequence that numbers mutations and stamps every
// record an event changes.
func (s *Store) tickLocked() uint64 {
	s.seq++
	return s.seq
}

// Reservation returns the current view of a reservation, pending changes
// included.
func (s *Store) Reservation(id string) (models.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.reservations[id]
	if !ok {
		return models.Reservation{}, false
	}
	return rec.current().Clone(), true
}

// Reservations lists the current view ordered by date, time and id.
func (s *Store) Reservations() []models.Reservation {
	s.mu.Lock()
	out := make([]models.Reservation, 0, len(s.reservations))
	for _, rec := range s.reservations {
		out = append(out, rec.current().Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return a.ID < b.ID
	})
	return out
}

func (s *Store) Table(id string) (models.Table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tables[id]
	if !ok {
		return models.Table{}, false
	}
	return rec.current(), true
}

func (s *Store) Tables() []models.Table {
	s.mu.Lock()
	out := make([]models.Table, 0, len(s.tables))
	for _, rec := range s.tables {
		out = append(out, rec.current())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TableNumber != out[j].TableNumber {
			return out[i].TableNumber < out[j].TableNumber
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) Waitlist() []models.WaitlistEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.WaitlistEntry(nil), s.waitlist...)
}

// Pending reports whether the reservation or table id has an unconfirmed
// local change.
func (s *Store) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.reservations[id]; ok && rec.pending() {
		return true
	}
	if rec, ok := s.tables[id]; ok && rec.pending() {
		return true
	}
	return false
}

// Snapshot is the two-phase record of one reservation.
type Snapshot struct {
	Baseline  *models.Reservation
	Pending   *models.Reservation
	Confirmed *models.Reservation
}

func (s *Store) Inspect(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.reservations[id]
	if !ok {
		return Snapshot{}, false
	}
	clone := func(r *models.Reservation) *models.Reservation {
		if r == nil {
			return nil
		}
		c := r.Clone()
		return &c
	}
	return Snapshot{Baseline: clone(rec.Baseline), Pending: clone(rec.Pending), Confirmed: clone(rec.Confirmed)}, true
}
