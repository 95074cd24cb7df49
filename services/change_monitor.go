package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/realtime"
)

// Outbox table names.
const (
	outboxReservations = "reservations"
	outboxTables       = "tables"
	outboxWaitlist     = "waitlist_entries"
)

// recordChange appends an outbox row. It must run inside the transaction
// that made the change.
func recordChange(tx *gorm.DB, at time.Time, table, recordID, action, relatedID string) error {
	return tx.Create(&models.DBChange{
		TableName:  table,
		RecordID:   recordID,
		ActionType: action,
		RelatedID:  relatedID,
		ChangedAt:  at,
	}).Error
}

// Publisher delivers an envelope to connected clients. *hub.Hub publishes to
// its own connections; *RedisBus publishes to every replica.
type Publisher interface {
	Publish(ctx context.Context, env realtime.Envelope) error
}

var errNoOutboxTarget = errors.New("outbox row names an unknown table")

type ChangeMonitor struct {
	DB        *gorm.DB
	Publisher Publisher
	StopChan  chan struct{}
	Interval  time.Duration
	BatchSize int
	Log       logrus.FieldLogger
}

func NewChangeMonitor(db *gorm.DB, pub Publisher, log logrus.FieldLogger) *ChangeMonitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ChangeMonitor{
		DB:        db,
		Publisher: pub,
		StopChan:  make(chan struct{}),
		Interval:  1 * time.Second,
		BatchSize: 100,
		Log:       log.WithField("component", "change_monitor"),
	}
}

func (cm *ChangeMonitor) Start() {
	go func() {
		ticker := time.NewTicker(cm.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := cm.CheckChanges(context.Background()); err != nil {
					cm.Log.WithError(err).Error("processing outbox")
				}
			case <-cm.StopChan:
				return
			}
		}
	}()
}

func (cm *ChangeMonitor) Stop() {
	close(cm.StopChan)
}

// CheckChanges publishes unprocessed outbox rows in commit order and marks
// each one processed after it was published. A publish failure stops the
// batch so the row and everything after it is retried on the next tick.
func (cm *ChangeMonitor) CheckChanges(ctx context.Context) (int, error) {
	var changes []models.DBChange
	if err := cm.DB.WithContext(ctx).
		Where("processed = ?", false).
		Order("id ASC").
		Limit(cm.BatchSize).
		Find(&changes).Error; err != nil {
		return 0, fmt.Errorf("fetching changes: %w", err)
	}

	done := 0
	for _, change := range changes {
		env, err := cm.envelope(ctx, change)
		switch {
		case errors.Is(err, models.ErrNotFound), errors.Is(err, errNoOutboxTarget):
			// Row vanished or cannot be broadcast; nothing to send.
			cm.Log.WithError(err).WithField("change_id", change.ID).Warn("skipping change")
		case err != nil:
			return done, err
		default:
			if err := cm.Publisher.Publish(ctx, env); err != nil {
				return done, fmt.Errorf("publishing change %d: %w", change.ID, err)
			}
		}

		if err := cm.DB.WithContext(ctx).Model(&models.DBChange{}).
			Where("id = ?", change.ID).
			Update("processed", true).Error; err != nil {
			return done, fmt.Errorf("marking change %d processed: %w", change.ID, err)
		}
		done++
	}

	if done > 0 {
		cm.Log.WithField("count", done).Debug("processed changes")
	}
	return done, nil
}

// envelope loads the current row for change. Events carry the state at
// publish time, so a burst of updates to one row repeats the newest snapshot.
func (cm *ChangeMonitor) envelope(ctx context.Context, change models.DBChange) (realtime.Envelope, error) {
	db := cm.DB.WithContext(ctx)
	switch change.TableName {
	case outboxReservations:
		r, err := loadReservation(db, change.RecordID)
		if err != nil {
			return realtime.Envelope{}, err
		}
		return realtime.NewEnvelope(change.ActionType, change.ChangedAt, realtime.PatchFromReservation(r))

	case outboxTables:
		t, err := loadTable(db, change.RecordID)
		if err != nil {
			return realtime.Envelope{}, err
		}
		raw, err := json.Marshal(realtime.PatchFromTable(t))
		if err != nil {
			return realtime.Envelope{}, err
		}
		return realtime.NewEnvelope(change.ActionType, change.ChangedAt, realtime.TableChange{
			Table:         raw,
			ReservationID: change.RelatedID,
		})

	case outboxWaitlist:
		entries := []models.WaitlistEntry{}
		if err := db.Order("created_at ASC, id ASC").Find(&entries).Error; err != nil {
			return realtime.Envelope{}, err
		}
		return realtime.NewEnvelope(change.ActionType, change.ChangedAt, realtime.WaitlistPayload{Entries: entries})
	}
	return realtime.Envelope{}, fmt.Errorf("%w: %q", errNoOutboxTarget, change.TableName)
}
