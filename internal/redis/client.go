package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ServerRegisteredChannel carries TPA server registrations to every relay instance.
const ServerRegisteredChannel = "tpa-server:registered"

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

func AppCacheKey(packageName string) string {
	return fmt.Sprintf("app:%s", packageName)
}
