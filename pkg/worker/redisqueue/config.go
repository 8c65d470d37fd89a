// Package redisqueue carries execution requests and results over Redis
// lists.
//
// The engine side LPUSHes request envelopes onto RequestQueue and BRPOPs
// result envelopes from ResultQueue. Workers do the reverse. Progress lines
// travel over the EventChannel pub/sub channel so the engine can keep an
// activity log without polling.
package redisqueue

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config configures the queues.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db"`

	RequestQueue string `yaml:"request_queue"`
	ResultQueue  string `yaml:"result_queue"`
	EventChannel string `yaml:"event_channel"`

	// BlockTimeout bounds one BRPOP so loops notice cancellation.
	BlockTimeout time.Duration `yaml:"block_timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`

	// Concurrency is the number of requests a consumer runs at once.
	Concurrency int `yaml:"concurrency"`

	// DefaultTimeout applies to requests without a timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

func (c *Config) applyDefaults() {
	if c.RequestQueue == "" {
		c.RequestQueue = "provisioner:requests"
	}
	if c.ResultQueue == "" {
		c.ResultQueue = "provisioner:results"
	}
	if c.EventChannel == "" {
		c.EventChannel = "provisioner:events"
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 2 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Minute
	}
}

// NewClient connects to cfg.Addr and pings it.
func NewClient(ctx context.Context, cfg Config) (goredis.UniversalClient, error) {
	cfg.applyDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:                 []string{cfg.Addr},
		Password:              cfg.Password,
		DB:                    cfg.DB,
		DialTimeout:           cfg.DialTimeout,
		ContextTimeoutEnabled: true,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
