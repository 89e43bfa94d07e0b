// Package redis implements the store interface for Redis and
// Redis-compatible servers using go-redis.
package redis

import (
	"errors"
	"time"
)

// Config configures a Redis store.
//
// Connection pooling, dialing and per-call timeouts are delegated to the
// go-redis client. The bulk engine never applies its own deadline to a
// whole action; individual calls inherit ReadTimeout/WriteTimeout.
type Config struct {
	// Addr is the host:port of the server (required).
	Addr string

	// Username is the ACL username. Leave empty for the default user.
	Username string

	// Password is the AUTH password. Optional.
	Password string

	// DB is the logical database index to SELECT.
	DB int

	// DialTimeout bounds establishing new connections.
	// Zero uses the go-redis default (5s).
	DialTimeout time.Duration

	// ReadTimeout bounds socket reads for a single call or pipeline.
	// Zero uses the go-redis default (3s).
	ReadTimeout time.Duration

	// WriteTimeout bounds socket writes for a single call or pipeline.
	// Zero uses ReadTimeout.
	WriteTimeout time.Duration

	// PoolSize is the maximum number of pooled connections.
	// Zero uses the go-redis default (10 per CPU).
	PoolSize int
}

// DefaultAddr is used when no address is configured.
const DefaultAddr = "localhost:6379"

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("redis address is required")
	}
	if c.DB < 0 {
		return errors.New("redis db index must be >= 0")
	}
	if c.PoolSize < 0 {
		return errors.New("redis pool size must be >= 0")
	}
	if c.Username != "" && c.Password == "" {
		return errors.New("redis username requires a password")
	}
	return nil
}
