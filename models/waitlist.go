package models

import "time"

// WaitlistEntry is a walk-in party waiting for a table to free up.
type WaitlistEntry struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CustomerName string    `gorm:"type:varchar(255);not null" json:"customer_name"`
	Phone        string    `gorm:"type:varchar(50)" json:"phone"`
	PartySize    int       `gorm:"not null" json:"party_size"`
	Notes        string    `gorm:"type:text" json:"notes"`
	CreatedAt    time.Time `json:"created_at"`
}
