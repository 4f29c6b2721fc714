package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kgchat/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// Client wraps go-redis client to centralize configuration.
type Client struct {
	inner *redis.Client
}

// NewRedisClient creates the redis client from app config. With Sentinel
// addresses configured the client follows the current master.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	var client *redis.Client
	if cfg.Redis.UsesSentinel() {
		client = redis.NewFailoverClient(failoverOptions(cfg.Redis))
	} else {
		client = redis.NewClient(standaloneOptions(cfg.Redis))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Client{inner: client}, nil
}

// Rate limiting sits on the request path; fail fast instead of queueing.
// Retries are issued and counted by the callers.
const (
	dialTimeout = 2 * time.Second
	ioTimeout   = 500 * time.Millisecond
	noRetries   = -1
	defaultPort = 6379
	defaultHost = "127.0.0.1"
)

func standaloneOptions(rc config.RedisConfig) *redis.Options {
	host := rc.Host
	if host == "" {
		host = defaultHost
	}
	port := rc.Port
	if port == 0 {
		port = defaultPort
	}
	return &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Username:     rc.Username,
		Password:     rc.Password,
		DB:           rc.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  ioTimeout,
		WriteTimeout: ioTimeout,
		MaxRetries:   noRetries,
	}
}

func failoverOptions(rc config.RedisConfig) *redis.FailoverOptions {
	return &redis.FailoverOptions{
		MasterName:       rc.MasterName,
		SentinelAddrs:    rc.SentinelAddrs,
		SentinelPassword: rc.SentinelPassword,
		Username:         rc.Username,
		Password:         rc.Password,
		DB:               rc.DB,
		DialTimeout:      dialTimeout,
		ReadTimeout:      ioTimeout,
		WriteTimeout:     ioTimeout,
		MaxRetries:       noRetries,
	}
}

// RunScript evaluates a Lua script atomically against the given keys.
func (c *Client) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("redis client not initialized")
	}
	return script.Run(ctx, c.inner, keys, args...).Result()
}

// Del removes provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c == nil || c.inner == nil {
		return errors.New("redis client not initialized")
	}
	if len(keys) == 0 {
		return nil
	}
	return c.inner.Del(ctx, keys...).Err()
}

// Close closes client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes underlying go-redis client.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
