package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultLedgerTTL keeps delivery marks long enough to cover any retry of the
// same occurrence after a failed state write.
const DefaultLedgerTTL = 7 * 24 * time.Hour

// ReservationTTL bounds how long an in-flight reservation survives a
// runner that crashed mid-delivery.
const ReservationTTL = 10 * time.Minute

const (
	deliveredMarker = "delivered"
	reservedMarker  = "reserved"
)

// releaseReservationScript drops a reservation but never a delivered mark.
var releaseReservationScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DeliveryLedger records which occurrences were delivered, keyed by
// "<id>:<unix next_send_at>". An occurrence is reserved before delivery and
// marked after, so overlapping runs cannot both send it and a delivered but
// not yet advanced record is not sent again on the next run.
type DeliveryLedger struct {
	client     *Client
	ttl        time.Duration
	reserveTTL time.Duration
	logger     *zap.Logger
}

func NewDeliveryLedger(client *Client, ttl time.Duration, logger *zap.Logger) *DeliveryLedger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &DeliveryLedger{client: client, ttl: ttl, reserveTTL: ReservationTTL, logger: logger}
}

func (l *DeliveryLedger) key(id uuid.UUID, occurrence time.Time) string {
	return fmt.Sprintf("delivery:%s:%d", id, occurrence.Unix())
}

// Delivered reports whether the occurrence was already marked delivered.
func (l *DeliveryLedger) Delivered(ctx context.Context, id uuid.UUID, occurrence time.Time) (bool, error) {
	val, err := l.client.rdb.Get(ctx, l.key(id, occurrence)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}
	return val == deliveredMarker, nil
}

// Reserve claims the occurrence for delivery. ok is false when another run
// holds it or it was already delivered.
func (l *DeliveryLedger) Reserve(ctx context.Context, id uuid.UUID, occurrence time.Time) (bool, error) {
	ok, err := l.client.rdb.SetNX(ctx, l.key(id, occurrence), reservedMarker, l.reserveTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// Release gives up a reservation after a delivery that did not happen.
// Delivered marks are left alone.
func (l *DeliveryLedger) Release(ctx context.Context, id uuid.UUID, occurrence time.Time) error {
	err := releaseReservationScript.Run(ctx, l.client.rdb, []string{l.key(id, occurrence)}, reservedMarker).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// MarkDelivered records a successful delivery of the occurrence, replacing
// its reservation.
func (l *DeliveryLedger) MarkDelivered(ctx context.Context, id uuid.UUID, occurrence time.Time) error {
	if err := l.client.rdb.Set(ctx, l.key(id, occurrence), deliveredMarker, l.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
