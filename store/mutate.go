package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/yeremiapane/restaurant-reservations/apiclient"
	"github.com/yeremiapane/restaurant-reservations/lifecycle"
	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/realtime"
	"github.com/yeremiapane/restaurant-reservations/rules"
)

// TransitionReservation moves reservation id to status to. A transition the
// state machine refuses returns a *lifecycle.Rejection and touches nothing.
// Otherwise the change is visible immediately and the returned reservation is
// the server's answer, or the optimistic value when the change went out as a
// frame and is still awaiting confirmation.
func (s *Store) TransitionReservation(ctx context.Context, id string, to models.ReservationStatus, notes *string) (models.Reservation, error) {
	s.mu.Lock()
	rec, ok := s.reservations[id]
	if !ok {
		s.mu.Unlock()
		return models.Reservation{}, fmt.Errorf("reservation %s: %w", id, models.ErrNotFound)
	}
	if rec.pending() {
		cur := rec.current().Clone()
		s.mu.Unlock()
		return cur, ErrMutationPending
	}
	cur := rec.current().Clone()
	next, err := lifecycle.Transition(cur, to, s.cfg.Role)
	if err != nil {
		s.mu.Unlock()
		return cur, err
	}
	if notes != nil {
		next.Notes = *notes
	}
	m := s.tickLocked()
	rec.begin(m, next)
	s.mu.Unlock()

	change := apiclient.StatusChange{Status: string(to), Notes: notes, Version: cur.Version}
	if s.cfg.Channel != nil {
		return next, s.sendStatus(EntityReservation, id, m, change)
	}

	res, err := s.backend.UpdateReservationStatus(ctx, id, change)
	if err != nil {
		return s.failReservation(ctx, id, m, err)
	}
	s.mu.Lock()
	if rec, ok := s.reservations[id]; ok && rec.owns(m) {
		rec.confirm(res)
	}
	s.mu.Unlock()
	return res, nil
}

// CreateReservation checks r against the availability rules using the
// reservations already cached for the same turn, then creates it
// optimistically. An inadmissible request returns the verdict together with
// ErrInadmissible and no network call is made.
func (s *Store) CreateReservation(ctx context.Context, r models.Reservation) (models.Reservation, rules.Verdict, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Status = models.StatusPending
	r.SpecialRequests = rules.NormalizeTags(r.SpecialRequests)
	if err := r.Validate(); err != nil {
		return r, rules.Verdict{}, err
	}

	s.mu.Lock()
	existing := make([]models.Reservation, 0, len(s.reservations))
	for _, rec := range s.reservations {
		existing = append(existing, rec.current())
	}
	verdict := rules.Evaluate(s.cfg.Rules, rules.Request{
		Date:            r.Date,
		Time:            r.Time,
		PartySize:       r.PartySize,
		TurnID:          r.TurnID,
		SpecialRequests: r.SpecialRequests,
		CurrentInstant:  s.clock.Now(),
		ResourceUsage:   rules.ResourceUsageFor(s.cfg.Rules, existing, r.Date, r.TurnID, r.ID),
	})
	if !verdict.Admissible {
		s.mu.Unlock()
		return r, verdict, fmt.Errorf("%w: %s", ErrInadmissible, verdict.Summary())
	}
	if _, taken := s.reservations[r.ID]; taken {
		s.mu.Unlock()
		return r, verdict, fmt.Errorf("%w: reservation %s already exists", models.ErrValidation, r.ID)
	}
	m := s.tickLocked()
	rec := &record[models.Reservation]{}
	rec.begin(m, r.Clone())
	s.reservations[r.ID] = rec
	s.mu.Unlock()

	created, err := s.backend.CreateReservation(ctx, r)
	if err != nil {
		reverted, err := s.failReservation(ctx, r.ID, m, err)
		return reverted, verdict, err
	}
	s.mu.Lock()
	if rec, ok := s.reservations[r.ID]; ok && rec.owns(m) {
		rec.confirm(created)
	}
	s.mu.Unlock()
	return created, verdict, nil
}

// AssignTable seats reservationID's party at tableID. The table must be
// active, free and sized for the party.
func (s *Store) AssignTable(ctx context.Context, reservationID, tableID string) (models.TableAssignment, error) {
	s.mu.Lock()
	rrec, ok := s.reservations[reservationID]
	if !ok {
		s.mu.Unlock()
		return models.TableAssignment{}, fmt.Errorf("reservation %s: %w", reservationID, models.ErrNotFound)
	}
	trec, ok := s.tables[tableID]
	if !ok {
		s.mu.Unlock()
		return models.TableAssignment{}, fmt.Errorf("table %s: %w", tableID, models.ErrNotFound)
	}
	if rrec.pending() || trec.pending() {
		s.mu.Unlock()
		return models.TableAssignment{}, ErrMutationPending
	}
	res, table := rrec.current().Clone(), trec.current()
	if err := canSeat(res, table); err != nil {
		s.mu.Unlock()
		return models.TableAssignment{Reservation: res, Table: table}, err
	}
	res.TableID = &table.ID
	table.Status = models.TableReserved
	m := s.tickLocked()
	rrec.begin(m, res)
	trec.begin(m, table)
	s.mu.Unlock()

	out, err := s.backend.AssignTable(ctx, reservationID, tableID)
	if err != nil {
		return s.failAssignment(ctx, reservationID, tableID, m, err)
	}
	s.confirmAssignment(reservationID, tableID, m, out)
	return out, nil
}

func canSeat(res models.Reservation, table models.Table) error {
	switch {
	case !res.Status.Active():
		return fmt.Errorf("%w: reservation is %s", ErrTableUnusable, res.Status)
	case res.TableID != nil:
		return fmt.Errorf("%w: reservation already has table %s", ErrTableUnusable, *res.TableID)
	case !table.Active:
		return fmt.Errorf("%w: table %s is inactive", ErrTableUnusable, table.TableNumber)
	case table.Status != models.TableAvailable:
		return fmt.Errorf("%w: table %s is %s", ErrTableUnusable, table.TableNumber, table.Status)
	case !table.Fits(res.PartySize):
		return fmt.Errorf("%w: table %s seats %d-%d, party of %d", ErrTableUnusable,
			table.TableNumber, table.CapacityMin, table.CapacityMax, res.PartySize)
	}
	return nil
}

// FreeTable releases the table held by reservationID.
func (s *Store) FreeTable(ctx context.Context, reservationID string) (models.TableAssignment, error) {
	s.mu.Lock()
	rrec, ok := s.reservations[reservationID]
	if !ok {
		s.mu.Unlock()
		return models.TableAssignment{}, fmt.Errorf("reservation %s: %w", reservationID, models.ErrNotFound)
	}
	res := rrec.current().Clone()
	if res.TableID == nil {
		s.mu.Unlock()
		return models.TableAssignment{Reservation: res}, fmt.Errorf("%w: reservation has no table", models.ErrValidation)
	}
	tableID := *res.TableID
	trec, ok := s.tables[tableID]
	if !ok {
		s.mu.Unlock()
		return models.TableAssignment{}, fmt.Errorf("table %s: %w", tableID, models.ErrNotFound)
	}
	if rrec.pending() || trec.pending() {
		s.mu.Unlock()
		return models.TableAssignment{}, ErrMutationPending
	}
	table := trec.current()
	res.TableID = nil
	table.Status = models.TableAvailable
	m := s.tickLocked()
	rrec.begin(m, res)
	trec.begin(m, table)
	s.mu.Unlock()

	out, err := s.backend.FreeTable(ctx, reservationID)
	if err != nil {
		return s.failAssignment(ctx, reservationID, tableID, m, err)
	}
	s.confirmAssignment(reservationID, tableID, m, out)
	return out, nil
}

// UpdateTableStatus sets a table's floor status, for example occupied by a
// walk-in or available after cleaning.
func (s *Store) UpdateTableStatus(ctx context.Context, tableID, status string) (models.Table, error) {
	if !models.ValidTableStatus(status) {
		return models.Table{}, fmt.Errorf("%w: unknown table status %q", models.ErrValidation, status)
	}
	s.mu.Lock()
	rec, ok := s.tables[tableID]
	if !ok {
		s.mu.Unlock()
		return models.Table{}, fmt.Errorf("table %s: %w", tableID, models.ErrNotFound)
	}
	if rec.pending() {
		cur := rec.current()
		s.mu.Unlock()
		return cur, ErrMutationPending
	}
	cur := rec.current()
	next := cur
	next.Status = status
	m := s.tickLocked()
	rec.begin(m, next)
	s.mu.Unlock()

	change := apiclient.StatusChange{Status: status, Version: cur.Version}
	if s.cfg.Channel != nil {
		return next, s.sendStatus(EntityTable, tableID, m, change)
	}

	table, err := s.backend.UpdateTableStatus(ctx, tableID, change)
	if err != nil {
		kind := s.revert(EntityTable, tableID, m, err)
		if kind == FailureConflict {
			s.refetchTable(ctx, tableID)
		}
		t, _ := s.Table(tableID)
		return t, err
	}
	s.mu.Lock()
	if rec, ok := s.tables[tableID]; ok && rec.owns(m) {
		rec.confirm(table)
	}
	s.mu.Unlock()
	return table, nil
}

// sendStatus ships a status change as a frame and arms its confirmation
// timeout. A frame that cannot be sent is reverted at once.
func (s *Store) sendStatus(entity, id string, m uint64, change apiclient.StatusChange) error {
	env, err := realtime.NewEnvelope(realtime.TypeStatusUpdate, s.clock.Now(), realtime.StatusUpdate{
		EntityType: entity,
		EntityID:   id,
		Status:     change.Status,
		Notes:      change.Notes,
		Version:    change.Version,
	})
	if err == nil {
		err = s.cfg.Channel.Send(env)
	}
	if err != nil {
		s.revert(entity, id, m, err)
		return err
	}
	s.clock.AfterFunc(s.cfg.MutationTimeout, func() {
		s.revert(entity, id, m, errUnconfirmed)
	})
	return nil
}

// refuse reverts the pending change the server refused in an error frame. A
// conflict re-fetches the entity in the background, as a REST conflict does.
func (s *Store) refuse(ctx context.Context, e realtime.ServerError) {
	if e.EntityID == "" {
		return
	}
	s.mu.Lock()
	var entity string
	var m uint64
	if rec, ok := s.reservations[e.EntityID]; ok && rec.pending() {
		entity, m = EntityReservation, rec.mutation
	} else if rec, ok := s.tables[e.EntityID]; ok && rec.pending() {
		entity, m = EntityTable, rec.mutation
	}
	s.mu.Unlock()
	if entity == "" {
		return
	}

	var cause error = e
	if e.Code == realtime.CodeConflict {
		cause = fmt.Errorf("%w: %w", e, models.ErrConflict)
	}
	if s.revert(entity, e.EntityID, m, cause) != FailureConflict {
		return
	}
	go func() {
		if entity == EntityReservation {
			s.refetchReservation(ctx, e.EntityID)
			return
		}
		s.refetchTable(ctx, e.EntityID)
	}()
}

// revert undoes mutation m on one entity if it is still pending and reports
// the failure. It returns the reported kind, or zero when the mutation had
// already been settled by an event or a refresh.
func (s *Store) revert(entity, id string, m uint64, cause error) FailureKind {
	kind := classify(cause)
	if errors.Is(cause, errUnconfirmed) {
		kind = FailureTimeout
	}
	s.mu.Lock()
	settled := true
	switch entity {
	case EntityReservation:
		if rec, ok := s.reservations[id]; ok && rec.owns(m) {
			settled = false
			if !rec.revert() {
				delete(s.reservations, id)
			}
		}
	case EntityTable:
		if rec, ok := s.tables[id]; ok && rec.owns(m) {
			settled = false
			if !rec.revert() {
				delete(s.tables, id)
			}
		}
	}
	s.mu.Unlock()
	if settled {
		return 0
	}
	s.report(Failure{Kind: kind, Entity: entity, EntityID: id, Err: cause})
	return kind
}

// failReservation handles a failed REST mutation. A cancelled caller leaves
// the optimistic value in place since the session is going away.
func (s *Store) failReservation(ctx context.Context, id string, m uint64, cause error) (models.Reservation, error) {
	if ctx.Err() != nil {
		res, _ := s.Reservation(id)
		return res, cause
	}
	if s.revert(EntityReservation, id, m, cause) == FailureConflict {
		s.refetchReservation(ctx, id)
	}
	res, _ := s.Reservation(id)
	return res, cause
}

func (s *Store) failAssignment(ctx context.Context, reservationID, tableID string, m uint64, cause error) (models.TableAssignment, error) {
	if ctx.Err() != nil {
		return models.TableAssignment{}, cause
	}
	kind := s.revert(EntityReservation, reservationID, m, cause)
	s.revert(EntityTable, tableID, m, cause)
	if kind == FailureConflict {
		s.refetchReservation(ctx, reservationID)
		s.refetchTable(ctx, tableID)
	}
	res, _ := s.Reservation(reservationID)
	table, _ := s.Table(tableID)
	return models.TableAssignment{Reservation: res, Table: table}, cause
}

func (s *Store) confirmAssignment(reservationID, tableID string, m uint64, out models.TableAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.reservations[reservationID]; ok && rec.owns(m) {
		rec.confirm(out.Reservation)
	}
	if rec, ok := s.tables[tableID]; ok && rec.owns(m) {
		rec.confirm(out.Table)
	}
}

func (s *Store) refetchReservation(ctx context.Context, id string) {
	res, err := s.backend.GetReservation(ctx, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(err, models.ErrNotFound):
		if rec, ok := s.reservations[id]; ok && !rec.pending() {
			delete(s.reservations, id)
		}
	case err != nil:
		s.log.WithError(err).WithField("id", id).Warn("re-fetching reservation failed")
	default:
		s.mergeFetchedReservationLocked(res)
	}
}

func (s *Store) refetchTable(ctx context.Context, id string) {
	table, err := s.backend.GetTable(ctx, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(err, models.ErrNotFound):
		if rec, ok := s.tables[id]; ok && !rec.pending() {
			delete(s.tables, id)
		}
	case err != nil:
		s.log.WithError(err).WithField("id", id).Warn("re-fetching table failed")
	default:
		s.mergeFetchedTableLocked(table)
	}
}
