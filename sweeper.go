package authcore

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Sweep makes one pass over the pending-signup keyspace and deletes records
// that lost their TTL. Every write path sets an expiry, so a persistent key
// can only come from a partial restore or a manual edit; without the sweep it
// would stage a signup forever. Returns the number of keys deleted.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	if e == nil || e.redis == nil {
		return 0, ErrEngineNotReady
	}

	batch := int64(e.config.Sweep.BatchSize)
	if batch <= 0 {
		batch = 100
	}

	deleted := 0
	var cursor uint64
	for {
		keys, next, err := e.redis.Scan(ctx, cursor, pendingUserKeyPrefix+":*", batch).Result()
		if err != nil {
			return deleted, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		for _, key := range keys {
			ttl, err := e.redis.TTL(ctx, key).Result()
			if err != nil {
				return deleted, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			// -1 means the key exists with no expiry; -2 means it vanished
			// between SCAN and TTL.
			if ttl != -1 {
				continue
			}
			if err := e.redis.Del(ctx, key).Err(); err != nil {
				return deleted, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			deleted++
			e.metricInc(MetricSweepDeleted)
		}

		cursor = next
		if cursor == 0 {
			break
		}

		select {
		case <-ctx.Done():
			return deleted, ctx.Err()
		default:
		}
	}

	return deleted, nil
}

// RunSweeper runs [Engine.Sweep] on the configured interval until ctx is
// cancelled. Intended to be started as a goroutine at boot.
func (e *Engine) RunSweeper(ctx context.Context) {
	if e == nil || !e.config.Sweep.Enabled {
		return
	}

	interval := e.config.Sweep.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.Sweep(ctx); err != nil {
				log.Printf("authcore: sweep failed after %d deletions: %v", n, err)
			} else if n > 0 {
				log.Printf("authcore: sweep removed %d persistent pending keys", n)
			}
		}
	}
}
