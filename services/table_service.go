package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/realtime"
	"github.com/yeremiapane/restaurant-reservations/utils"
)

func (s *ReservationService) ListTables(ctx context.Context) ([]models.Table, error) {
	out := []models.Table{}
	if err := s.DB.WithContext(ctx).Order("table_number ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ReservationService) GetTable(ctx context.Context, id string) (models.Table, error) {
	return loadTable(s.DB.WithContext(ctx), id)
}

// CreateTable adds a table. It starts available unless the caller gives a
// status.
func (s *ReservationService) CreateTable(ctx context.Context, t models.Table) (models.Table, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.TableAvailable
	}
	if t.Zone == "" {
		t.Zone = models.ZoneInterior
	}
	if t.CapacityMin == 0 {
		t.CapacityMin = 1
	}
	t.Version = 1
	if t.TableNumber == "" {
		return models.Table{}, fmt.Errorf("%w: table number is required", models.ErrValidation)
	}
	if err := t.Validate(); err != nil {
		return models.Table{}, err
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// gorm skips zero-valued fields that carry a default, so an inactive
		// table needs its flag written explicitly.
		if err := tx.Create(&t).Error; err != nil {
			return err
		}
		if !t.Active {
			if err := tx.Model(&models.Table{}).Where("id = ?", t.ID).Update("active", false).Error; err != nil {
				return err
			}
		}
		return recordChange(tx, s.Now(), outboxTables, t.ID, tableAction(t.Status), "")
	})
	if err != nil {
		return models.Table{}, err
	}
	utils.InfoLogger.Printf("New table created: %s (status=%s)", t.TableNumber, t.Status)
	return s.GetTable(ctx, t.ID)
}

// UpdateTableStatus sets a table's status. version, when not zero, must
// match the stored one.
func (s *ReservationService) UpdateTableStatus(ctx context.Context, id, status string, version int64) (models.Table, error) {
	if !models.ValidTableStatus(status) {
		return models.Table{}, fmt.Errorf("%w: unknown table status %q", models.ErrValidation, status)
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := loadTable(tx, id)
		if err != nil {
			return err
		}
		if version != 0 && version != cur.Version {
			return fmt.Errorf("table %s is at version %d, not %d: %w", id, cur.Version, version, models.ErrConflict)
		}
		now := s.Now()
		if err := conditionalUpdate(tx, &models.Table{}, id, cur.Version, map[string]interface{}{
			"status": status, "version": cur.Version + 1, "updated_at": now,
		}); err != nil {
			return err
		}
		return recordChange(tx, now, outboxTables, id, tableAction(status), "")
	})
	if err != nil {
		return models.Table{}, err
	}
	utils.InfoLogger.Printf("Table %s status changed to %s", id, status)
	return s.GetTable(ctx, id)
}

// tableAction picks the broadcast type for a table now in status.
func tableAction(status string) string {
	if status == models.TableAvailable {
		return realtime.TypeTableFreed
	}
	return realtime.TypeTableAssigned
}
