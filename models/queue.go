package models

import (
	"time"
)

// Queue is a moderator's waiting line. CurrentPosition is the "now serving" pointer.
type Queue struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	ModeratorID          uint      `gorm:"not null;index:idx_queues_moderator_id" json:"moderator_id"`
	DoctorName           string    `gorm:"size:255;not null" json:"doctor_name"`
	CurrentPosition      int       `gorm:"not null;default:1" json:"current_position"`
	EstimatedWaitMinutes int       `gorm:"not null;default:0" json:"estimated_wait_minutes"`
	IsDeleted            bool      `gorm:"not null;default:false" json:"is_deleted"`
	CreatedAt            time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
	UpdatedAt            time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"updated_at"`
}

func (Queue) TableName() string { return "queues" }

// Patient is a person waiting in a queue. Position is 1-based and mutable by reorder.
type Patient struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	QueueID     uint       `gorm:"not null;index:idx_patients_queue_position,priority:1" json:"queue_id"`
	FullName    string     `gorm:"size:255;not null" json:"full_name"`
	Position    int        `gorm:"not null;index:idx_patients_queue_position,priority:2" json:"position"`
	PhoneNumber string     `gorm:"size:32;not null" json:"phone_number"`
	CountryCode string     `gorm:"size:8;not null;default:'+20'" json:"country_code"`
	IsDeleted   bool       `gorm:"not null;default:false" json:"is_deleted"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	DeletedBy   *uint      `json:"deleted_by,omitempty"`
	CreatedAt   time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"updated_at"`
}

func (Patient) TableName() string { return "patients" }

// Offset is the patient's distance from the current queue pointer
func (p Patient) Offset(q Queue) int {
	return p.Position - q.CurrentPosition
}

// FullPhone returns the number in international form
func (p Patient) FullPhone() string {
	return p.CountryCode + p.PhoneNumber
}

// QueueFilter provides filter fields for repository queries
type QueueFilter struct {
	ID          *uint
	ModeratorID *uint
	IsDeleted   *bool
}

// PatientFilter provides filter fields for repository queries
type PatientFilter struct {
	ID        *uint
	IDs       []uint
	QueueID   *uint
	IsDeleted *bool
}
