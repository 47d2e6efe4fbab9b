package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mycelia-live/sfu-core/internals/events"
	"github.com/mycelia-live/sfu-core/internals/receipt"
)

// Redis persists receipt logs as per-room lists (list index == sequence for
// unsplit logs; sequence is authoritative either way) and checkpoints as
// single keys. It also mirrors the event stream onto per-room pub/sub
// channels for cross-instance consumers.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedis(addr, password string, db int, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	logger.Info("Redis connection established", zap.String("addr", addr), zap.Int("db", db))
	return &Redis{client: client, logger: logger}, nil
}

func (r *Redis) Append(ctx context.Context, rc *receipt.Receipt) error {
	return r.client.RPush(ctx, ReceiptLogKey(rc.RoomID), rc.MarshalCanonical()).Err()
}

func (r *Redis) Last(ctx context.Context, roomID string) (*receipt.Receipt, error) {
	data, err := r.client.LIndex(ctx, ReceiptLogKey(roomID), -1).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return receipt.ParseCanonical(data)
}

func (r *Redis) List(ctx context.Context, roomID string, fromSeq uint64) ([]*receipt.Receipt, error) {
	rows, err := r.client.LRange(ctx, ReceiptLogKey(roomID), int64(fromSeq), -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	out := make([]*receipt.Receipt, 0, len(rows))
	for _, row := range rows {
		rc, err := receipt.ParseCanonical([]byte(row))
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, nil
}

func (r *Redis) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, QueueCheckpointKey(cp.RoomID), data, 0).Err()
}

func (r *Redis) LoadCheckpoint(ctx context.Context, roomID string) (*Checkpoint, error) {
	data, err := r.client.Get(ctx, QueueCheckpointKey(roomID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *Redis) DeleteRoom(ctx context.Context, roomID string) error {
	return r.client.Del(ctx, ReceiptLogKey(roomID), QueueCheckpointKey(roomID)).Err()
}

// PublishEvent mirrors one core event onto the room's pub/sub channel so
// other instances and external consumers can observe it.
func (r *Redis) PublishEvent(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, EventChannel(ev.RoomID), data).Err()
}

// MirrorEvents drains a bus subscription into Redis until the channel
// closes or ctx ends. Run as its own goroutine; publish errors are logged
// and skipped, the local stream stays authoritative.
func (r *Redis) MirrorEvents(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := r.PublishEvent(ctx, ev); err != nil {
				r.logger.Warn("Failed to mirror event to Redis",
					zap.String("type", string(ev.Type)),
					zap.String("roomID", ev.RoomID),
					zap.Error(err),
				)
			}
		}
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
