package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yeremiapane/restaurant-reservations/apiclient"
	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/realtime"
)

// fakeBackend is an in-memory server with the same version checks as the
// real one.
type fakeBackend struct {
	mu           sync.Mutex
	reservations map[string]models.Reservation
	tables       map[string]models.Table
	calls        []string
	lists        int

	// err, when set, fails every mutation.
	err error
	// gate, when set, holds status updates until it is closed. entered is
	// signalled as each call reaches the gate.
	gate    chan struct{}
	entered chan struct{}
	// listGate does the same for ListTables.
	listGate    chan struct{}
	listEntered chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		reservations: make(map[string]models.Reservation),
		tables:       make(map[string]models.Table),
		entered:      make(chan struct{}, 8),
		listEntered:  make(chan struct{}, 8),
	}
}

func (b *fakeBackend) putReservation(r models.Reservation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.Version == 0 {
		r.Version = 1
	}
	b.reservations[r.ID] = r.Clone()
}

func (b *fakeBackend) putTable(t models.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.Version == 0 {
		t.Version = 1
	}
	b.tables[t.ID] = t
}

func (b *fakeBackend) record(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

func (b *fakeBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBackend) Lists() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lists
}

func (b *fakeBackend) wait() {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate == nil {
		return
	}
	b.entered <- struct{}{}
	<-gate
}

func (b *fakeBackend) ListReservations(ctx context.Context, f apiclient.ReservationFilter) ([]models.Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists++
	var out []models.Reservation
	for _, r := range b.reservations {
		if f.Date != "" && r.Date != f.Date {
			continue
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

func (b *fakeBackend) GetReservation(ctx context.Context, id string) (models.Reservation, error) {
	b.record("get " + id)
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.reservations[id]
	if !ok {
		return models.Reservation{}, models.ErrNotFound
	}
	return r.Clone(), nil
}

func (b *fakeBackend) CreateReservation(ctx context.Context, r models.Reservation) (models.Reservation, error) {
	b.record("create " + r.ID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return models.Reservation{}, b.err
	}
	r.Version = 1
	r.CreatedAt = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	r.UpdatedAt = r.CreatedAt
	b.reservations[r.ID] = r.Clone()
	return r, nil
}

func (b *fakeBackend) UpdateReservationStatus(ctx context.Context, id string, change apiclient.StatusChange) (models.Reservation, error) {
	b.record("status " + id + " " + change.Status)
	b.wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return models.Reservation{}, b.err
	}
	r, ok := b.reservations[id]
	if !ok {
		return models.Reservation{}, models.ErrNotFound
	}
	if change.Version != 0 && change.Version != r.Version {
		return models.Reservation{}, fmt.Errorf("reservation %s: %w", id, models.ErrConflict)
	}
	r.Status = models.ReservationStatus(change.Status)
	if change.Notes != nil {
		r.Notes = *change.Notes
	}
	r.Version++
	b.reservations[id] = r.Clone()
	return r, nil
}

func (b *fakeBackend) AssignTable(ctx context.Context, reservationID, tableID string) (models.TableAssignment, error) {
	b.record("assign " + reservationID + " " + tableID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return models.TableAssignment{}, b.err
	}
	r, t := b.reservations[reservationID], b.tables[tableID]
	r.TableID = &t.ID
	r.Version++
	t.Status = models.TableReserved
	t.Version++
	b.reservations[r.ID], b.tables[t.ID] = r.Clone(), t
	return models.TableAssignment{Reservation: r, Table: t}, nil
}

func (b *fakeBackend) FreeTable(ctx context.Context, reservationID string) (models.TableAssignment, error) {
	b.record("free " + reservationID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return models.TableAssignment{}, b.err
	}
	r := b.reservations[reservationID]
	t := b.tables[*r.TableID]
	r.TableID = nil
	r.Version++
	t.Status = models.TableAvailable
	t.Version++
	b.reservations[r.ID], b.tables[t.ID] = r.Clone(), t
	return models.TableAssignment{Reservation: r, Table: t}, nil
}

func (b *fakeBackend) ListTables(ctx context.Context) ([]models.Table, error) {
	b.mu.Lock()
	gate := b.listGate
	b.mu.Unlock()
	if gate != nil {
		b.listEntered <- struct{}{}
		<-gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Table, 0, len(b.tables))
	for _, t := range b.tables {
		out = append(out, t)
	}
	return out, nil
}

func (b *fakeBackend) GetTable(ctx context.Context, id string) (models.Table, error) {
	b.record("get table " + id)
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tables[id]
	if !ok {
		return models.Table{}, models.ErrNotFound
	}
	return t, nil
}

func (b *fakeBackend) UpdateTableStatus(ctx context.Context, id string, change apiclient.StatusChange) (models.Table, error) {
	b.record("table " + id + " " + change.Status)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return models.Table{}, b.err
	}
	t := b.tables[id]
	if change.Version != 0 && change.Version != t.Version {
		return models.Table{}, models.ErrConflict
	}
	t.Status = change.Status
	t.Version++
	b.tables[id] = t
	return t, nil
}

// manualClock records AfterFunc callbacks and runs them on Fire.
type manualClock struct {
	mu    sync.Mutex
	now   time.Time
	funcs []func()
}

func newManualClock(now time.Time) *manualClock { return &manualClock{now: now} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return false }

func (c *manualClock) AfterFunc(d time.Duration, f func()) realtime.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs = append(c.funcs, f)
	return noopTimer{}
}

func (c *manualClock) Fire() {
	c.mu.Lock()
	funcs := c.funcs
	c.funcs = nil
	c.mu.Unlock()
	for _, f := range funcs {
		f()
	}
}

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent []realtime.Envelope
}

func (s *fakeSender) Send(env realtime.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSender) Sent() []realtime.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.Envelope(nil), s.sent...)
}

// fakeEvents hands out fixed channels in place of a dispatcher.
type fakeEvents struct {
	reservations chan realtime.ReservationEvent
	tables       chan realtime.TableEvent
	states       chan realtime.StateChange
	errors       chan realtime.ServerError
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{
		reservations: make(chan realtime.ReservationEvent),
		tables:       make(chan realtime.TableEvent),
		states:       make(chan realtime.StateChange),
		errors:       make(chan realtime.ServerError),
	}
}

func (e *fakeEvents) Reservations(context.Context) <-chan realtime.ReservationEvent {
	return e.reservations
}
func (e *fakeEvents) Tables(context.Context) <-chan realtime.TableEvent { return e.tables }
func (e *fakeEvents) ConnectionStates(context.Context) <-chan realtime.StateChange {
	return e.states
}
func (e *fakeEvents) Errors(context.Context) <-chan realtime.ServerError { return e.errors }
