package models

import "time"

// SchedulerLease grants one instance exclusive use of a named scheduled run
// until ExpiresAt.
type SchedulerLease struct {
	Name      string    `gorm:"primaryKey;size:128" json:"name"`
	Owner     string    `gorm:"size:128;not null" json:"owner"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
