package alert

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Deduper suppresses repeat alerts for the same condition within a window.
// It is backed by Redis so suppression survives consumer restarts; when
// Redis is disabled or unreachable every alert passes through.
type Deduper struct {
	client *redis.Client
	window time.Duration
}

// NewDeduper connects to Redis at addr. A failed connection degrades to
// pass-through rather than blocking startup.
func NewDeduper(addr string, window time.Duration) *Deduper {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		MaxRetries:   3,
		PoolSize:     10,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warnf("Alert de-dup cache unavailable, passing all alerts through: %v", err)
		return &Deduper{window: window}
	}

	log.Infof("Alert de-dup cache connected to Redis at %s", addr)
	return &Deduper{client: client, window: window}
}

// Disabled returns a pass-through deduper.
func Disabled() *Deduper { return &Deduper{} }

// Allow reports whether an alert for this type+entity pair should be sent.
// The first caller inside the window wins; cache errors fail open.
func (d *Deduper) Allow(ctx context.Context, alertType, entity string) bool {
	if d.client == nil {
		return true
	}

	key := "alert:dedupe:" + alertType + ":" + entity
	ok, err := d.client.SetNX(ctx, key, 1, d.window).Result()
	if err != nil {
		log.Warnf("Alert de-dup check failed for %s: %v", key, err)
		return true
	}
	return ok
}

// Close releases the Redis connection.
func (d *Deduper) Close() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}
