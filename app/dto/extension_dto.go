package dto

import "encoding/json"

// StartPairingRequest opens a pairing window for a moderator
type StartPairingRequest struct {
	ModeratorID uint `json:"-"`
}

// StartPairingResponse returns the one-time pairing code
type StartPairingResponse struct {
	Code      string `json:"code"`
	ExpiresAt string `json:"expires_at"`
}

// CompletePairingRequest is sent by the extension with the code shown to the moderator
type CompletePairingRequest struct {
	Code             string `json:"code" validate:"required,len=6,numeric"`
	DeviceName       string `json:"device_name" validate:"required,max=255"`
	ExtensionVersion string `json:"extension_version" validate:"omitempty,max=50"`
}

// CompletePairingResponse returns the device credentials.
// Secret is shown once and lets the extension obtain a new token later.
type CompletePairingResponse struct {
	DeviceID    string `json:"device_id"`
	ModeratorID uint   `json:"moderator_id"`
	Token       string `json:"token"`
	Secret      string `json:"secret"`
	ExpiresAt   string `json:"expires_at"`
}

// RefreshDeviceTokenRequest exchanges the device secret for a new token
type RefreshDeviceTokenRequest struct {
	DeviceID string `json:"device_id" validate:"required,uuid"`
	Secret   string `json:"secret" validate:"required,min=16,max=128"`
}

// DeviceTokenResponse returns a device token
type DeviceTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// HeartbeatRequest reports extension liveness and the WhatsApp Web state it observes
type HeartbeatRequest struct {
	DeviceID         string `json:"-"`
	ModeratorID      uint   `json:"-"`
	WhatsAppStatus   string `json:"whatsapp_status" validate:"required,oneof=connected disconnected pendingQR pendingNET"`
	ExtensionVersion string `json:"extension_version" validate:"omitempty,max=50"`
}

// HeartbeatResponse echoes the server-side view of the moderator channel
type HeartbeatResponse struct {
	ServerTime     string `json:"server_time"`
	WhatsAppStatus string `json:"whatsapp_status"`
	IsPaused       bool   `json:"is_paused"`
}

// PollCommandsRequest claims pending commands for the calling device
type PollCommandsRequest struct {
	DeviceID    string `json:"-"`
	ModeratorID uint   `json:"-"`
	Limit       int    `json:"limit,omitempty" validate:"omitempty,min=1,max=50"`
}

// ExtensionCommandItem is a command delivered to the extension
type ExtensionCommandItem struct {
	ID          string          `json:"id"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	ExpiresAt   string          `json:"expires_at"`
}

// PollCommandsResponse lists the claimed commands
type PollCommandsResponse struct {
	Commands []ExtensionCommandItem `json:"commands"`
}

// AckCommandRequest acknowledges receipt of a command
type AckCommandRequest struct {
	ModeratorID uint   `json:"-"`
	CommandID   string `json:"-" validate:"required,uuid"`
}

// CompleteCommandRequest reports the outcome of a command
type CompleteCommandRequest struct {
	ModeratorID  uint            `json:"-"`
	CommandID    string          `json:"-" validate:"required,uuid"`
	ResultStatus string          `json:"result_status" validate:"required,oneof=success pendingQR pendingNET waiting failed"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *string         `json:"error,omitempty" validate:"omitempty,max=2000"`
}

// CommandStatusResponse reports the command state after a callback
type CommandStatusResponse struct {
	CommandID    string  `json:"command_id"`
	Status       string  `json:"status"`
	ResultStatus *string `json:"result_status,omitempty"`
}

// IssueControlCommandRequest lets a moderator send a control command to their extension
type IssueControlCommandRequest struct {
	ModeratorID uint            `json:"-"`
	CommandType string          `json:"command_type" validate:"required,oneof=CheckWhatsAppNumber Refresh HealthCheck Pause Resume GetStatus GetQrCode"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    *int            `json:"priority,omitempty" validate:"omitempty,min=0,max=1000"`
	TTLSeconds  *int            `json:"ttl_seconds,omitempty" validate:"omitempty,min=10,max=1800"`
}

// IssueControlCommandResponse returns the created command
type IssueControlCommandResponse struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	ExpiresAt string `json:"expires_at"`
}

// ExtensionDeviceItem describes a paired device
type ExtensionDeviceItem struct {
	DeviceID         string  `json:"device_id"`
	DeviceName       string  `json:"device_name"`
	ExtensionVersion string  `json:"extension_version"`
	IsActive         bool    `json:"is_active"`
	IsLive           bool    `json:"is_live"`
	LastHeartbeatAt  *string `json:"last_heartbeat_at,omitempty"`
	PairedAt         string  `json:"paired_at"`
}

// ListDevicesResponse lists the devices of a moderator
type ListDevicesResponse struct {
	Devices []ExtensionDeviceItem `json:"devices"`
}

// RevokeDeviceRequest revokes one device
type RevokeDeviceRequest struct {
	ModeratorID uint   `json:"-"`
	DeviceID    string `json:"-" validate:"required,uuid"`
}
