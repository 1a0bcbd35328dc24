// Package queue implements the durable broadcast job queue on Redis: a ready
// list drained by workers and a delayed zset promoted by a background mover.
// Queue semantics guarantee a payload is only handed to one worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"blast/internal/model"
)

const (
	readyKey   = "broadcast:ready"
	delayedKey = "broadcast:delayed"

	popTimeout   = 2 * time.Second
	promoteEvery = time.Second
	promoteBatch = 100
)

// ErrMaxAttempts is returned by Retry when a payload has exhausted its
// delivery attempts; the caller must settle the job as failed.
var ErrMaxAttempts = errors.New("job delivery attempts exhausted")

type Config struct {
	// MaxAttempts bounds total deliveries of one payload, including the
	// first.
	MaxAttempts int
	// RatePerSec gates how fast workers may take jobs off the queue,
	// independent of per-recipient pacing inside a job.
	RatePerSec int
}

type Queue struct {
	rdb         *redis.Client
	limiter     *rate.Limiter
	maxAttempts int
	log         zerolog.Logger
}

func New(rdb *redis.Client, cfg Config, log zerolog.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	return &Queue{
		rdb:         rdb,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		maxAttempts: cfg.MaxAttempts,
		log:         log.With().Str("component", "queue").Logger(),
	}
}

// Enqueue adds a payload, either ready immediately or parked in the delayed
// set until its due time.
func (q *Queue) Enqueue(ctx context.Context, p *model.JobPayload, delay time.Duration) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("queue encode: %w", err)
	}
	if delay <= 0 {
		if err := q.rdb.LPush(ctx, readyKey, raw).Err(); err != nil {
			return fmt.Errorf("queue push: %w", err)
		}
		return nil
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, delayedKey, redis.Z{Score: due, Member: raw}).Err(); err != nil {
		return fmt.Errorf("queue delay: %w", err)
	}
	return nil
}

// Retry re-enqueues a payload after a failure, bumping its attempt counter.
// Returns ErrMaxAttempts once the cap is reached.
func (q *Queue) Retry(ctx context.Context, p *model.JobPayload, delay time.Duration) error {
	p.Attempts++
	if p.Attempts >= q.maxAttempts {
		return ErrMaxAttempts
	}
	if delay <= 0 {
		// Exponential backoff from the attempt count when the caller has
		// no better estimate.
		delay = time.Duration(1<<uint(p.Attempts)) * time.Second
		if delay > 5*time.Minute {
			delay = 5 * time.Minute
		}
	}
	q.log.Debug().Str("job", p.JobID).Int("attempt", p.Attempts).Dur("delay", delay).Msg("requeueing job")
	return q.Enqueue(ctx, p, delay)
}

// Dequeue blocks for the next ready payload, honoring the global dispatch
// rate limiter. Returns (nil, nil) when ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (*model.JobPayload, error) {
	if err := q.limiter.Wait(ctx); err != nil {
		return nil, nil
	}
	for {
		res, err := q.rdb.BRPop(ctx, popTimeout, readyKey).Result()
		if err == redis.Nil {
			select {
			case <-ctx.Done():
				return nil, nil
			default:
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, fmt.Errorf("queue pop: %w", err)
		}
		var p model.JobPayload
		if err := json.Unmarshal([]byte(res[1]), &p); err != nil {
			q.log.Error().Err(err).Msg("dropping undecodable queue entry")
			continue
		}
		return &p, nil
	}
}

// Run promotes due delayed entries until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(promoteEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				q.log.Error().Err(err).Msg("promoting delayed jobs failed")
			}
		}
	}
}

// PromoteDue moves entries whose due time has passed from the delayed set to
// the ready list. The ZRem result guards against double promotion when
// several processes run the mover.
func (q *Queue) PromoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		removed, err := q.rdb.ZRem(ctx, delayedKey, m).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // someone else promoted it
		}
		if err := q.rdb.LPush(ctx, readyKey, m).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Depth reports ready and delayed entry counts.
func (q *Queue) Depth(ctx context.Context) (ready, delayed int64, err error) {
	ready, err = q.rdb.LLen(ctx, readyKey).Result()
	if err != nil {
		return 0, 0, err
	}
	delayed, err = q.rdb.ZCard(ctx, delayedKey).Result()
	return ready, delayed, err
}
