package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yeremiapane/restaurant-reservations/lifecycle"
	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/realtime"
	"github.com/yeremiapane/restaurant-reservations/rules"
	"github.com/yeremiapane/restaurant-reservations/utils"
)

// ReservationService owns every write to reservations, tables and the
// waitlist. Each write appends an outbox row in the same transaction; the
// ChangeMonitor turns those rows into broadcasts.
type ReservationService struct {
	DB    *gorm.DB
	Rules *rules.RuleSet
	Now   func() time.Time
}

func NewReservationService(db *gorm.DB, rs *rules.RuleSet) *ReservationService {
	if rs == nil {
		rs = rules.Default()
	}
	return &ReservationService{DB: db, Rules: rs, Now: time.Now}
}

// InadmissibleError is returned by Create when the availability rules refuse
// the booking. Verdict lists every failed rule.
type InadmissibleError struct {
	Verdict rules.Verdict
}

func (e *InadmissibleError) Error() string {
	return "reservation not admissible: " + e.Verdict.Summary()
}

func (e *InadmissibleError) Unwrap() error { return models.ErrValidation }

type ReservationFilter struct {
	Date   string
	Status models.ReservationStatus
}

func (s *ReservationService) List(ctx context.Context, f ReservationFilter) ([]models.Reservation, error) {
	q := s.DB.WithContext(ctx).Order("date ASC, time ASC, id ASC")
	if f.Date != "" {
		q = q.Where("date = ?", f.Date)
	}
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, f.Status)
		}
		q = q.Where("status = ?", f.Status)
	}
	out := []models.Reservation{}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ReservationService) Get(ctx context.Context, id string) (models.Reservation, error) {
	return loadReservation(s.DB.WithContext(ctx), id)
}

// CheckAvailability evaluates req against the rules. Resource usage and the
// current instant are filled in from the database and clock when the caller
// left them empty.
func (s *ReservationService) CheckAvailability(ctx context.Context, req rules.Request) (rules.Verdict, error) {
	if req.CurrentInstant.IsZero() {
		req.CurrentInstant = s.Now()
	}
	if req.ResourceUsage == nil {
		usage, err := s.resourceUsage(s.DB.WithContext(ctx), req.Date, req.TurnID, "")
		if err != nil {
			return rules.Verdict{}, err
		}
		req.ResourceUsage = usage
	}
	return rules.Evaluate(s.Rules, req), nil
}

func (s *ReservationService) resourceUsage(tx *gorm.DB, date, turnID, exceptID string) (map[string]int, error) {
	var same []models.Reservation
	q := tx.Where("date = ? AND turn_id = ?", date, turnID)
	if tx.Dialector.Name() == "mysql" {
		// Serialise concurrent creates for the same turn.
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Find(&same).Error; err != nil {
		return nil, err
	}
	return rules.ResourceUsageFor(s.Rules, same, date, turnID, exceptID), nil
}

// Create stores a new reservation after running the availability rules. A
// caller-chosen ID is kept so optimistic clients can match the answer; a
// repeated ID is a conflict.
func (s *ReservationService) Create(ctx context.Context, r models.Reservation) (models.Reservation, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = models.StatusPending
	}
	r.SpecialRequests = rules.NormalizeTags(r.SpecialRequests)
	r.TableID = nil
	r.Version = 1
	if err := r.Validate(); err != nil {
		return models.Reservation{}, err
	}
	if r.Status != models.StatusPending && r.Status != models.StatusConfirmed {
		return models.Reservation{}, fmt.Errorf("%w: new reservations start pending or confirmed", models.ErrValidation)
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Reservation{}).Where("id = ?", r.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("reservation %s already exists: %w", r.ID, models.ErrConflict)
		}

		usage, err := s.resourceUsage(tx, r.Date, r.TurnID, r.ID)
		if err != nil {
			return err
		}
		verdict := rules.Evaluate(s.Rules, rules.Request{
			Date:            r.Date,
			Time:            r.Time,
			PartySize:       r.PartySize,
			TurnID:          r.TurnID,
			SpecialRequests: r.SpecialRequests,
			CurrentInstant:  s.Now(),
			ResourceUsage:   usage,
		})
		if !verdict.Admissible {
			return &InadmissibleError{Verdict: verdict}
		}

		if err := tx.Create(&r).Error; err != nil {
			return err
		}
		return recordChange(tx, s.Now(), outboxReservations, r.ID, realtime.TypeReservationCreated, "")
	})
	if err != nil {
		return models.Reservation{}, err
	}
	utils.InfoLogger.Printf("Reservation %s created for %s (%d pax, %s %s)", r.ID, r.CustomerName, r.PartySize, r.Date, r.TurnID)
	return s.Get(ctx, r.ID)
}

// UpdateStatus moves a reservation along its lifecycle. version, when not
// zero, is the version the caller last saw; a stale version and a lost race
// against a concurrent writer both return ErrConflict. Reaching a terminal
// status releases the table the reservation held.
func (s *ReservationService) UpdateStatus(ctx context.Context, id string, to models.ReservationStatus, notes *string, version int64, role lifecycle.Role) (models.Reservation, error) {
	if !to.Valid() {
		return models.Reservation{}, fmt.Errorf("%w: unknown status %q", models.ErrValidation, to)
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := loadReservation(tx, id)
		if err != nil {
			return err
		}
		if version != 0 && version != cur.Version {
			return fmt.Errorf("reservation %s is at version %d, not %d: %w", id, cur.Version, version, models.ErrConflict)
		}
		next, err := lifecycle.Transition(cur, to, role)
		if err != nil {
			return err
		}

		now := s.Now()
		fields := map[string]interface{}{
			"status":     next.Status,
			"version":    cur.Version + 1,
			"updated_at": now,
		}
		if notes != nil {
			fields["notes"] = *notes
		}
		if err := conditionalUpdate(tx, &models.Reservation{}, id, cur.Version, fields); err != nil {
			return err
		}

		action := realtime.TypeReservationUpdated
		if to == models.StatusCancelled {
			action = realtime.TypeReservationCancelled
		}
		if err := recordChange(tx, now, outboxReservations, id, action, ""); err != nil {
			return err
		}

		if to.Terminal() && cur.TableID != nil {
			return s.releaseTable(tx, now, *cur.TableID, id)
		}
		return nil
	})
	if err != nil {
		return models.Reservation{}, err
	}
	utils.InfoLogger.Printf("Reservation %s moved to %s by %s", id, to, role)
	return s.Get(ctx, id)
}

// ApplyStatusUpdate serves status_update frames from websocket clients.
func (s *ReservationService) ApplyStatusUpdate(ctx context.Context, role lifecycle.Role, upd realtime.StatusUpdate) error {
	switch upd.EntityType {
	case realtime.EntityReservation, "":
		_, err := s.UpdateStatus(ctx, upd.EntityID, models.ReservationStatus(upd.Status), upd.Notes, upd.Version, role)
		return err
	case realtime.EntityTable:
		_, err := s.UpdateTableStatus(ctx, upd.EntityID, upd.Status, upd.Version)
		return err
	}
	return fmt.Errorf("%w: unknown entity type %q", models.ErrValidation, upd.EntityType)
}

// AssignTable seats reservationID at tableID. The table must be active,
// available and fit the party.
func (s *ReservationService) AssignTable(ctx context.Context, reservationID, tableID string) (models.TableAssignment, error) {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := loadReservation(tx, reservationID)
		if err != nil {
			return err
		}
		t, err := loadTable(tx, tableID)
		if err != nil {
			return err
		}
		switch {
		case !r.Status.Active():
			return fmt.Errorf("%w: reservation is %s", models.ErrValidation, r.Status)
		case r.TableID != nil:
			return fmt.Errorf("%w: reservation already has table %s", models.ErrValidation, *r.TableID)
		case !t.Active:
			return fmt.Errorf("%w: table %s is inactive", models.ErrValidation, t.TableNumber)
		case !t.Fits(r.PartySize):
			return fmt.Errorf("%w: table %s seats %d-%d, party of %d", models.ErrValidation,
				t.TableNumber, t.CapacityMin, t.CapacityMax, r.PartySize)
		case t.Status != models.TableAvailable:
			return fmt.Errorf("table %s is %s: %w", t.TableNumber, t.Status, models.ErrConflict)
		}

		now := s.Now()
		if err := conditionalUpdate(tx, &models.Reservation{}, r.ID, r.Version, map[string]interface{}{
			"table_id": t.ID, "version": r.Version + 1, "updated_at": now,
		}); err != nil {
			return err
		}
		if err := conditionalUpdate(tx, &models.Table{}, t.ID, t.Version, map[string]interface{}{
			"status": models.TableReserved, "version": t.Version + 1, "updated_at": now,
		}); err != nil {
			return err
		}
		if err := recordChange(tx, now, outboxReservations, r.ID, realtime.TypeReservationUpdated, ""); err != nil {
			return err
		}
		return recordChange(tx, now, outboxTables, t.ID, realtime.TypeTableAssigned, r.ID)
	})
	if err != nil {
		return models.TableAssignment{}, err
	}
	utils.InfoLogger.Printf("Table %s assigned to reservation %s", tableID, reservationID)
	return s.assignment(ctx, reservationID, tableID)
}

// FreeTable releases the table held by reservationID.
func (s *ReservationService) FreeTable(ctx context.Context, reservationID string) (models.TableAssignment, error) {
	var tableID string
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := loadReservation(tx, reservationID)
		if err != nil {
			return err
		}
		if r.TableID == nil {
			return fmt.Errorf("%w: reservation has no table", models.ErrValidation)
		}
		tableID = *r.TableID

		now := s.Now()
		if err := conditionalUpdate(tx, &models.Reservation{}, r.ID, r.Version, map[string]interface{}{
			"table_id": nil, "version": r.Version + 1, "updated_at": now,
		}); err != nil {
			return err
		}
		if err := recordChange(tx, now, outboxReservations, r.ID, realtime.TypeReservationUpdated, ""); err != nil {
			return err
		}
		return s.releaseTable(tx, now, tableID, r.ID)
	})
	if err != nil {
		return models.TableAssignment{}, err
	}
	utils.InfoLogger.Printf("Table %s freed from reservation %s", tableID, reservationID)
	return s.assignment(ctx, reservationID, tableID)
}

// releaseTable marks tableID available and records table_freed. A table that
// is already available is left alone.
func (s *ReservationService) releaseTable(tx *gorm.DB, now time.Time, tableID, reservationID string) error {
	t, err := loadTable(tx, tableID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.Status == models.TableAvailable {
		return nil
	}
	if err := conditionalUpdate(tx, &models.Table{}, t.ID, t.Version, map[string]interface{}{
		"status": models.TableAvailable, "version": t.Version + 1, "updated_at": now,
	}); err != nil {
		return err
	}
	return recordChange(tx, now, outboxTables, t.ID, realtime.TypeTableFreed, reservationID)
}

func (s *ReservationService) assignment(ctx context.Context, reservationID, tableID string) (models.TableAssignment, error) {
	db := s.DB.WithContext(ctx)
	r, err := loadReservation(db, reservationID)
	if err != nil {
		return models.TableAssignment{}, err
	}
	t, err := loadTable(db, tableID)
	if err != nil {
		return models.TableAssignment{}, err
	}
	return models.TableAssignment{Reservation: r, Table: t}, nil
}

func loadReservation(db *gorm.DB, id string) (models.Reservation, error) {
	var r models.Reservation
	if err := db.First(&r, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Reservation{}, fmt.Errorf("reservation %s: %w", id, models.ErrNotFound)
		}
		return models.Reservation{}, err
	}
	return r, nil
}

func loadTable(db *gorm.DB, id string) (models.Table, error) {
	var t models.Table
	if err := db.First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Table{}, fmt.Errorf("table %s: %w", id, models.ErrNotFound)
		}
		return models.Table{}, err
	}
	return t, nil
}

// conditionalUpdate writes fields only if the row is still at version. Zero
// rows affected means another writer got there first.
func conditionalUpdate(tx *gorm.DB, model interface{}, id string, version int64, fields map[string]interface{}) error {
	res := tx.Model(model).Where("id = ? AND version = ?", id, version).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s changed concurrently: %w", id, models.ErrConflict)
	}
	return nil
}
