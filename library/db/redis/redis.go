// Package redis wraps go-redis for the run-event queue and the shared rate limiter.
package redis

import (
	"context"

	errors "github.com/Laisky/errors/v2"
	gredis "github.com/Laisky/go-redis/v2"
	"github.com/redis/go-redis/v9"
)

// DB is a wrapper for go-redis
type DB struct {
	rdb *redis.Client
	db  *gredis.Utils
}

// NewDB creates a new DB instance
func NewDB(opt *redis.Options) *DB {
	rdb := redis.NewClient(opt)
	rutils := gredis.NewRedisUtils(rdb)

	return &DB{
		rdb: rdb,
		db:  rutils,
	}
}

// Client exposes the raw client for sorted-set based throttling.
func (db *DB) Client() *redis.Client {
	return db.rdb
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "ping redis")
	}
	return nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return errors.WithStack(db.rdb.Close())
}
