package xredis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type Subscription interface {
	Receive(ctx context.Context) (any, error)
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type Client interface {
	Ping(ctx context.Context) error
	Subscribe(ctx context.Context, channels ...string) Subscription
	Close() error
}

type ClientFactory interface {
	NewClient(opts *redis.Options) Client
}

type DefaultClientFactory struct{}

func (d DefaultClientFactory) NewClient(opts *redis.Options) Client {
	return DefaultClient{rdb: redis.NewClient(opts)}
}

type DefaultClient struct {
	rdb *redis.Client
}

func (d DefaultClient) Ping(ctx context.Context) error {
	return d.rdb.Ping(ctx).Err()
}

func (d DefaultClient) Subscribe(ctx context.Context, channels ...string) Subscription {
	return d.rdb.Subscribe(ctx, channels...)
}

func (d DefaultClient) Close() error {
	return d.rdb.Close()
}
