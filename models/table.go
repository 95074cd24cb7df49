package models

import (
	"fmt"
	"time"
)

const (
	ZoneInterior = "interior"
	ZoneTerrace  = "terrace"
)

const (
	TableAvailable = "available"
	TableReserved  = "reserved"
	TableOccupied  = "occupied"
)

// ValidTableStatus reports whether status is a known table status.
func ValidTableStatus(status string) bool {
	switch status {
	case TableAvailable, TableReserved, TableOccupied:
		return true
	}
	return false
}

type Table struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TableNumber string    `gorm:"type:varchar(50);not null" json:"table_number"`
	CapacityMin int       `gorm:"not null;default:1" json:"capacity_min"`
	CapacityMax int       `gorm:"not null" json:"capacity_max"`
	Zone        string    `gorm:"type:varchar(20);not null;default:'interior'" json:"zone"`
	Active      bool      `gorm:"not null;default:true" json:"active"`
	Status      string    `gorm:"type:varchar(50);not null;default:'available'" json:"status"`
	Version     int64     `gorm:"not null;default:1" json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (t *Table) Validate() error {
	if t.CapacityMin < 1 || t.CapacityMin > t.CapacityMax {
		return fmt.Errorf("%w: capacity range %d-%d is invalid", ErrValidation, t.CapacityMin, t.CapacityMax)
	}
	if t.Zone != ZoneInterior && t.Zone != ZoneTerrace {
		return fmt.Errorf("%w: unknown zone %q", ErrValidation, t.Zone)
	}
	if t.Status != "" && !ValidTableStatus(t.Status) {
		return fmt.Errorf("%w: unknown table status %q", ErrValidation, t.Status)
	}
	return nil
}

// Fits reports whether a party of the given size can sit at the table.
func (t *Table) Fits(partySize int) bool {
	return partySize >= t.CapacityMin && partySize <= t.CapacityMax
}

// TableAssignment is returned when a table is assigned to or freed from a
// reservation, since both rows change together.
type TableAssignment struct {
	Reservation Reservation `json:"reservation"`
	Table       Table       `json:"table"`
}
