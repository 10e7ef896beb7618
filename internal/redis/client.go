package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const clientName = "triage-telemetry"

// clientOptions sizes the pool for the two workloads sharing it: one XADD per
// ingested sample and short SET NX locks around operator actions.
func clientOptions(addr, username, password string) *redis.Options {
	return &redis.Options{
		Addr:       addr,
		Username:   username,
		Password:   password,
		DB:         0,
		ClientName: clientName,

		DialTimeout: 5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaxRetries:   2,

		// one XADD per in-flight ingest, same ceiling as the postgres pool
		PoolSize:        20,
		MinIdleConns:    2,
		PoolTimeout:     2 * time.Second,
		ConnMaxIdleTime: 15 * time.Minute,
	}
}

func NewRedisClient(addr, username, password string) (*redis.Client, error) {
	rdb := redis.NewClient(clientOptions(addr, username, password))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}

	return rdb, nil
}
