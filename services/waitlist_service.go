package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/realtime"
)

// ListWaitlist returns the waiting parties, oldest first.
func (s *ReservationService) ListWaitlist(ctx context.Context) ([]models.WaitlistEntry, error) {
	out := []models.WaitlistEntry{}
	if err := s.DB.WithContext(ctx).Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ReservationService) AddToWaitlist(ctx context.Context, e models.WaitlistEntry) (models.WaitlistEntry, error) {
	if e.CustomerName == "" {
		return models.WaitlistEntry{}, fmt.Errorf("%w: customer name is required", models.ErrValidation)
	}
	if e.PartySize < 1 {
		return models.WaitlistEntry{}, fmt.Errorf("%w: party size must be at least 1", models.ErrValidation)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = s.Now()
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&e).Error; err != nil {
			return err
		}
		return recordChange(tx, e.CreatedAt, outboxWaitlist, e.ID, realtime.TypeWaitlistUpdated, "")
	})
	if err != nil {
		return models.WaitlistEntry{}, err
	}
	return e, nil
}

func (s *ReservationService) RemoveFromWaitlist(ctx context.Context, id string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&models.WaitlistEntry{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("waitlist entry %s: %w", id, models.ErrNotFound)
		}
		return recordChange(tx, s.Now(), outboxWaitlist, id, realtime.TypeWaitlistUpdated, "")
	})
}
