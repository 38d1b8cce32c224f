package models

import (
	"time"
)

// Quota is the accumulating message/queue allowance of a moderator.
// A limit of -1 means unlimited. Consumed counters never reset.
type Quota struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	ModeratorID      uint      `gorm:"not null;uniqueIndex:uk_quotas_moderator_id" json:"moderator_id"`
	MessagesLimit    int64     `gorm:"not null;default:0" json:"messages_limit"`
	ConsumedMessages int64     `gorm:"not null;default:0;check:chk_quotas_consumed_messages,consumed_messages >= 0" json:"consumed_messages"`
	QueuesLimit      int64     `gorm:"not null;default:0" json:"queues_limit"`
	ConsumedQueues   int64     `gorm:"not null;default:0;check:chk_quotas_consumed_queues,consumed_queues >= 0" json:"consumed_queues"`
	CreatedAt        time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
	UpdatedAt        time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"updated_at"`
}

func (Quota) TableName() string { return "quotas" }

// IsMessagesUnlimited reports whether the message limit is unbounded
func (q Quota) IsMessagesUnlimited() bool { return q.MessagesLimit < 0 }

// IsQueuesUnlimited reports whether the queue limit is unbounded
func (q Quota) IsQueuesUnlimited() bool { return q.QueuesLimit < 0 }

// RemainingMessages returns how many messages can still be consumed, or -1 when unlimited
func (q Quota) RemainingMessages() int64 {
	if q.IsMessagesUnlimited() {
		return -1
	}
	if r := q.MessagesLimit - q.ConsumedMessages; r > 0 {
		return r
	}
	return 0
}

// RemainingQueues returns how many queues can still be created, or -1 when unlimited
func (q Quota) RemainingQueues() int64 {
	if q.IsQueuesUnlimited() {
		return -1
	}
	if r := q.QueuesLimit - q.ConsumedQueues; r > 0 {
		return r
	}
	return 0
}

// QuotaLimitMode selects how a limit update is applied
type QuotaLimitMode string

const (
	QuotaLimitModeSet QuotaLimitMode = "set"
	QuotaLimitModeAdd QuotaLimitMode = "add"
)

func (m QuotaLimitMode) Valid() bool {
	return m == QuotaLimitModeSet || m == QuotaLimitModeAdd
}

// QuotaFilter provides filter fields for repository queries
type QuotaFilter struct {
	ID          *uint
	ModeratorID *uint
}
