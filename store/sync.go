package store

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/restaurant-reservations/apiclient"
	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/realtime"
)

// Apply merges a pushed event into the cache. The fields the event carries
// are laid over the last confirmed value, the result becomes the new
// confirmed value and any pending marker on that entity is cleared: the event
// is a fact the server already committed, while the optimistic fields it does
// not carry were never confirmed.
// Applying the same event again leaves the cache unchanged.
func (s *Store) Apply(ev realtime.SyncEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case realtime.ReservationCreated:
		s.mergeReservationLocked(e.Reservation)
	case realtime.ReservationUpdated:
		s.mergeReservationLocked(e.Reservation)
	case realtime.ReservationCancelled:
		s.mergeReservationLocked(e.Reservation)
	case realtime.WaitlistUpdated:
		s.waitlist = append([]models.WaitlistEntry(nil), e.Entries...)
	case realtime.TableAssigned:
		s.mergeTableLocked(e.Table)
	case realtime.TableFreed:
		s.mergeTableLocked(e.Table)
	case realtime.SystemAlert, realtime.ServerError:
	}
}

func (s *Store) mergeReservationLocked(p realtime.ReservationPatch) {
	rec, ok := s.reservations[p.ID]
	var base models.Reservation
	if ok {
		base = rec.confirmed()
	}
	merged := p.Apply(base)
	if s.cfg.Date != "" && merged.Date != "" && merged.Date != s.cfg.Date {
		delete(s.reservations, p.ID)
		return
	}
	if !ok {
		rec = &record[models.Reservation]{}
		s.reservations[p.ID] = rec
	}
	rec.confirm(merged)
	rec.touched = s.tickLocked()
}

func (s *Store) mergeTableLocked(p realtime.TablePatch) {
	rec, ok := s.tables[p.ID]
	var base models.Table
	if ok {
		base = rec.confirmed()
	}
	if !ok {
		rec = &record[models.Table]{}
		s.tables[p.ID] = rec
	}
	rec.confirm(p.Apply(base))
	rec.touched = s.tickLocked()
}

// mergeFetchedReservationLocked stores a REST snapshot as the confirmed
// value. A pending change stays visible on top of it and a snapshot older
// than what the cache already confirmed is ignored.
func (s *Store) mergeFetchedReservationLocked(r models.Reservation) {
	rec, ok := s.reservations[r.ID]
	if !ok {
		s.reservations[r.ID] = &record[models.Reservation]{Confirmed: &r}
		return
	}
	if rec.Confirmed != nil && rec.Confirmed.Version > r.Version {
		return
	}
	rec.Confirmed = &r
}

func (s *Store) mergeFetchedTableLocked(t models.Table) {
	rec, ok := s.tables[t.ID]
	if !ok {
		s.tables[t.ID] = &record[models.Table]{Confirmed: &t}
		return
	}
	if rec.Confirmed != nil && rec.Confirmed.Version > t.Version {
		return
	}
	rec.Confirmed = &t
}

// Refresh reloads every reservation and table from the backend. Entities the
// backend no longer lists are dropped unless a local change is pending on
// them or an event or mutation touched them after the listing started, since
// the listing cannot know about those. Events missed while disconnected are
// recovered only this way.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	start := s.seq
	s.mu.Unlock()

	reservations, err := s.backend.ListReservations(ctx, apiclient.ReservationFilter{Date: s.cfg.Date})
	if err != nil {
		return fmt.Errorf("store: refresh reservations: %w", err)
	}
	tables, err := s.backend.ListTables(ctx)
	if err != nil {
		return fmt.Errorf("store: refresh tables: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(reservations))
	for _, r := range reservations {
		seen[r.ID] = true
		s.mergeFetchedReservationLocked(r)
	}
	for id, rec := range s.reservations {
		if !seen[id] && !rec.pending() && !rec.changedSince(start) {
			delete(s.reservations, id)
		}
	}
	seen = make(map[string]bool, len(tables))
	for _, t := range tables {
		seen[t.ID] = true
		s.mergeFetchedTableLocked(t)
	}
	for id, rec := range s.tables {
		if !seen[id] && !rec.pending() && !rec.changedSince(start) {
			delete(s.tables, id)
		}
	}
	s.log.WithFields(logrus.Fields{
		"reservations": len(s.reservations),
		"tables":       len(s.tables),
	}).Info("refreshed")
	return nil
}

// Load is the initial Refresh.
func (s *Store) Load(ctx context.Context) error { return s.Refresh(ctx) }

// Run applies events from events until ctx is done. An error frame naming an
// entity with a pending change reverts that change. Every transition into
// connected starts a full refresh, cancelling one still running from an
// earlier reconnect.
func (s *Store) Run(ctx context.Context, events Events) error {
	reservations := events.Reservations(ctx)
	tables := events.Tables(ctx)
	states := events.ConnectionStates(ctx)
	refusals := events.Errors(ctx)

	var cancelRefresh context.CancelFunc
	defer func() {
		if cancelRefresh != nil {
			cancelRefresh()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-reservations:
			if !ok {
				return ctx.Err()
			}
			s.Apply(ev)
		case ev, ok := <-tables:
			if !ok {
				return ctx.Err()
			}
			s.Apply(ev)
		case e, ok := <-refusals:
			if !ok {
				return ctx.Err()
			}
			s.refuse(ctx, e)
		case change, ok := <-states:
			if !ok {
				return ctx.Err()
			}
			if change.To != realtime.StateConnected {
				continue
			}
			if cancelRefresh != nil {
				cancelRefresh()
			}
			var rctx context.Context
			rctx, cancelRefresh = context.WithCancel(ctx)
			go func() {
				if err := s.Refresh(rctx); err != nil && rctx.Err() == nil {
					s.log.WithError(err).Warn("refresh after reconnect failed")
				}
			}()
		}
	}
}
