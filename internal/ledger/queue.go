package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chronicle-labs/chronicle/internal/clock"
)

// QueueKey holds records waiting to be saved.
const QueueKey = "ledger:queue"

// Queue hands records to the recorder so the upload response never waits on
// the ledger.
type Queue struct {
	rdb *redis.Client
	clk clock.Clock
}

func NewQueue(rdb *redis.Client, clk clock.Clock) *Queue {
	return &Queue{rdb: rdb, clk: clk}
}

// RecordUpload enqueues r. The ID and timestamp are fixed here, not when
// the recorder gets to it.
func (q *Queue) RecordUpload(ctx context.Context, r Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = q.clk.Now().UTC()
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := q.rdb.RPush(ctx, QueueKey, raw).Err(); err != nil {
		return fmt.Errorf("ledger: enqueue %s: %w", r.ID, err)
	}
	return nil
}

// RunRecorder is the recorder loop: BLPOP → save. A record that cannot be
// saved goes back to the head of the queue.
func RunRecorder(ctx context.Context, rdb *redis.Client, store *Store, pollTimeout time.Duration, log *zap.Logger) {
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	log.Info("ledger recorder started", zap.String("queue", QueueKey))

	for {
		if ctx.Err() != nil {
			log.Info("ledger recorder stopped")
			return
		}

		results, err := rdb.BLPop(ctx, pollTimeout, QueueKey).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error("ledger recorder: BLPOP error", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}

		// results[0] = key, results[1] = value
		raw := results[1]
		var r Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			log.Error("ledger recorder: unmarshal record", zap.String("raw", raw), zap.Error(err))
			continue
		}

		if err := store.Save(ctx, &r); err != nil {
			log.Error("ledger recorder: save", zap.String("record", r.ID), zap.Error(err))
			_ = rdb.LPush(context.WithoutCancel(ctx), QueueKey, raw)
			sleep(ctx, 5*time.Second)
			continue
		}
		log.Info("upload recorded",
			zap.String("record", r.ID),
			zap.String("wallet", r.Wallet),
			zap.String("content", r.ContentID),
		)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
