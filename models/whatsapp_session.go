package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WhatsAppSessionStatus is the provider connection state of a moderator
type WhatsAppSessionStatus string

const (
	WhatsAppSessionStatusConnected    WhatsAppSessionStatus = "connected"
	WhatsAppSessionStatusDisconnected WhatsAppSessionStatus = "disconnected"
	WhatsAppSessionStatusPending      WhatsAppSessionStatus = "pending"
)

func (s WhatsAppSessionStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s WhatsAppSessionStatus) Valid() bool {
	switch s {
	case WhatsAppSessionStatusConnected, WhatsAppSessionStatusDisconnected, WhatsAppSessionStatusPending:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for WhatsAppSessionStatus
func (s *WhatsAppSessionStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = WhatsAppSessionStatus(v)
	case []byte:
		*s = WhatsAppSessionStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into WhatsAppSessionStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for WhatsAppSessionStatus
func (s WhatsAppSessionStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid WhatsAppSessionStatus: %s", s)
	}
	return string(s), nil
}

// WhatsAppSession is the per-moderator global pause gate.
// When IsPaused is set nothing is dispatched for the moderator.
type WhatsAppSession struct {
	ID          uint                  `gorm:"primaryKey" json:"id"`
	ModeratorID uint                  `gorm:"not null;uniqueIndex:uk_whatsapp_sessions_moderator_id" json:"moderator_id"`
	Status      WhatsAppSessionStatus `gorm:"type:varchar(20);not null;default:'disconnected'" json:"status"`
	IsPaused    bool                  `gorm:"not null;default:false" json:"is_paused"`
	PauseReason *string               `gorm:"size:255" json:"pause_reason,omitempty"`
	PausedAt    *time.Time            `json:"paused_at,omitempty"`
	PausedBy    *uint                 `json:"paused_by,omitempty"`
	LastSyncAt  *time.Time            `json:"last_sync_at,omitempty"`
	CreatedAt   time.Time             `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
	UpdatedAt   time.Time             `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"updated_at"`
}

func (WhatsAppSession) TableName() string { return "whatsapp_sessions" }

// ExtensionDevice is a paired browser extension acting for a moderator
type ExtensionDevice struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ModeratorID      uint       `gorm:"not null;index:idx_extension_devices_moderator_active,priority:1" json:"moderator_id"`
	DeviceName       string     `gorm:"size:255;not null" json:"device_name"`
	ExtensionVersion string     `gorm:"size:50" json:"extension_version"`
	SecretHash       string     `gorm:"size:255;not null" json:"-"`
	IsActive         bool       `gorm:"not null;default:true;index:idx_extension_devices_moderator_active,priority:2" json:"is_active"`
	LastHeartbeatAt  *time.Time `json:"last_heartbeat_at,omitempty"`
	PairedAt         time.Time  `gorm:"not null" json:"paired_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	CreatedAt        time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"updated_at"`
}

func (ExtensionDevice) TableName() string { return "extension_devices" }

// IsLive reports whether the device heartbeated within timeout of now
func (d ExtensionDevice) IsLive(now time.Time, timeout time.Duration) bool {
	if !d.IsActive || d.LastHeartbeatAt == nil {
		return false
	}
	return now.Sub(*d.LastHeartbeatAt) <= timeout
}

// WhatsAppSessionFilter provides filter fields for repository queries
type WhatsAppSessionFilter struct {
	ID          *uint
	ModeratorID *uint
	IsPaused    *bool
}
