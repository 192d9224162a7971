package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger keeps claims in Redis. SETNX gives the atomic
// check-and-insert; the retention TTL keeps the keyspace from growing
// forever. Retention only needs to exceed the broker's maximum
// redelivery horizon.
type RedisLedger struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisLedger wraps client. retention <= 0 defaults to 30 days.
func NewRedisLedger(client *redis.Client, retention time.Duration) *RedisLedger {
	if retention <= 0 {
		retention = 720 * time.Hour
	}
	return &RedisLedger{client: client, retention: retention}
}

func ledgerKey(consumerID, eventID string) string {
	return fmt.Sprintf("ledger:%s:%s", consumerID, eventID)
}

func (l *RedisLedger) RecordIfNew(ctx context.Context, consumerID, eventID string) (bool, error) {
	rec := Record{
		ConsumerID:  consumerID,
		EventID:     eventID,
		ProcessedAt: time.Now().UTC(),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshaling ledger record: %w", err)
	}

	claimed, err := l.client.SetNX(ctx, ledgerKey(consumerID, eventID), value, l.retention).Result()
	if err != nil {
		return false, fmt.Errorf("claiming event %s for %s: %w", eventID, consumerID, err)
	}
	return claimed, nil
}

func (l *RedisLedger) Forget(ctx context.Context, consumerID, eventID string) error {
	if err := l.client.Del(ctx, ledgerKey(consumerID, eventID)).Err(); err != nil {
		return fmt.Errorf("releasing claim on event %s for %s: %w", eventID, consumerID, err)
	}
	return nil
}
