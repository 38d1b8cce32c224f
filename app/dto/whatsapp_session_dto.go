package dto

// WhatsAppSessionResponse is the provider channel state of a moderator
type WhatsAppSessionResponse struct {
	ModeratorID     uint    `json:"moderator_id"`
	Status          string  `json:"status"`
	IsPaused        bool    `json:"is_paused"`
	PauseReason     *string `json:"pause_reason,omitempty"`
	PausedAt        *string `json:"paused_at,omitempty"`
	DeviceLive      bool    `json:"device_live"`
	LastHeartbeatAt *string `json:"last_heartbeat_at,omitempty"`
}

// PauseWhatsAppSessionRequest pauses every dispatch of a moderator
type PauseWhatsAppSessionRequest struct {
	ModeratorID uint   `json:"-"`
	UserID      uint   `json:"-"`
	Reason      string `json:"reason" validate:"omitempty,max=255"`
}

// ResumeWhatsAppSessionRequest lifts the moderator-level pause
type ResumeWhatsAppSessionRequest struct {
	ModeratorID uint `json:"-"`
	UserID      uint `json:"-"`
}
