package xpubsub

import (
	"context"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

type Subscription interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
	Exists(ctx context.Context) (bool, error)
	String() string
}

type Client interface {
	Subscription(id string, rs pubsub.ReceiveSettings) Subscription
	Close() error
}

type ClientFactory interface {
	NewClient(ctx context.Context, projectId string, opts ...option.ClientOption) (Client, error)
}

type DefaultClientFactory struct{}

func (d DefaultClientFactory) NewClient(ctx context.Context, projectId string, opts ...option.ClientOption) (Client, error) {
	client, err := pubsub.NewClient(ctx, projectId, opts...)
	if err != nil {
		return nil, err
	}
	return DefaultClient{client: client}, nil
}

type DefaultClient struct {
	client *pubsub.Client
}

func (d DefaultClient) Subscription(id string, rs pubsub.ReceiveSettings) Subscription {
	sub := d.client.Subscription(id)
	sub.ReceiveSettings = rs
	return sub
}

func (d DefaultClient) Close() error {
	return d.client.Close()
}
