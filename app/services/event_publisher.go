package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/clinic-queue/utils"
	"github.com/redis/go-redis/v9"
)

// Event is the envelope published on a moderator channel
type Event struct {
	Event       string    `json:"event"`
	ModeratorID uint      `json:"moderator_id"`
	Payload     any       `json:"payload"`
	At          time.Time `json:"at"`
}

// RedisEventPublisher publishes progress events to <prefix>events:moderator:<id>
type RedisEventPublisher struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisEventPublisher creates a publisher on redis pub/sub
func NewRedisEventPublisher(rdb *redis.Client, prefix string) *RedisEventPublisher {
	return &RedisEventPublisher{rdb: rdb, prefix: prefix}
}

// Channel returns the channel name of a moderator
func (p *RedisEventPublisher) Channel(moderatorID uint) string {
	return p.prefix + fmt.Sprintf(utils.EventsChannelFormat, moderatorID)
}

func (p *RedisEventPublisher) Publish(ctx context.Context, moderatorID uint, event string, payload any) error {
	body, err := json.Marshal(Event{
		Event:       event,
		ModeratorID: moderatorID,
		Payload:     payload,
		At:          utils.UTCNow(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event, err)
	}
	return p.rdb.Publish(ctx, p.Channel(moderatorID), body).Err()
}
