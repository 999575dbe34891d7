// Package xredis contains the Redis pub/sub source adapter. Messages on the subscribed
// channel are processed strictly in sequence.
package xredis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/teltech/logger"
	"github.com/zpiroux/megaetl/entity"
	"github.com/zpiroux/megaetl/internal/pkg/model"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultChannelSize    = 100
)

var ErrSubscriptionClosed = errors.New("redis subscription channel closed")

var log *logger.Log

func init() {
	log = logger.New()
}

type Config struct {
	ConnectTimeout time.Duration // Bounds the initial ping and subscription confirmation
	ChannelSize    int           // Buffered messages between the client and the adapter
	Database       int
}

type Adapter struct {
	cf          ClientFactory
	desc        entity.PubSubSubscriber
	recordType  string
	config      Config
	id          string
	recordCount int64
}

func New(desc entity.PubSubSubscriber, recordType string, config Config) *Adapter {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	if config.ChannelSize <= 0 {
		config.ChannelSize = defaultChannelSize
	}
	a := &Adapter{
		cf:         DefaultClientFactory{},
		desc:       desc,
		recordType: recordType,
		config:     config,
		id:         uuid.NewString()[:8],
	}
	log.Infof(a.lgprfx()+"adapter created for %s", desc)
	return a
}

func (a *Adapter) Name() string {
	return "xredis"
}

func (a *Adapter) SetClientFactory(cf ClientFactory) {
	a.cf = cf
}

// options never sends the placeholder credential as a password.
func (a *Adapter) options() *redis.Options {
	opts := &redis.Options{
		Addr: a.desc.Address(),
		DB:   a.config.Database,
	}
	if a.desc.HasCredential() {
		opts.Password = a.desc.Credential
	}
	return opts
}

// Run subscribes to the channel and processes messages until ctx is done. Failure to reach
// the server or to subscribe is returned as an error.
func (a *Adapter) Run(ctx context.Context, process model.ProcessRecordFunc) error {

	client := a.cf.NewClient(a.options())
	defer func() {
		if err := client.Close(); err != nil {
			log.Warnf(a.lgprfx()+"error closing redis client, err: %v", err)
		}
		log.Infof(a.lgprfx()+"terminated, processed records: %d", a.recordCount)
	}()

	sub, err := a.subscribe(ctx, client)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer sub.Close()

	ch := sub.Channel(redis.WithChannelSize(a.config.ChannelSize))
	log.Infof(a.lgprfx()+"subscribed to channel %q", a.desc.Channel)

	for {
		select {
		case <-ctx.Done():
			log.Info(a.lgprfx() + "context canceled, unsubscribing")
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrSubscriptionClosed
			}
			a.handleMessage(ctx, msg, process)
		}
	}
}

func (a *Adapter) subscribe(ctx context.Context, client Client) (Subscription, error) {

	connectCtx, cancel := context.WithTimeout(ctx, a.config.ConnectTimeout)
	defer cancel()

	if err := client.Ping(connectCtx); err != nil {
		return nil, errors.Wrapf(err, "connecting to redis at %s", a.desc.Address())
	}

	sub := client.Subscribe(ctx, a.desc.Channel)

	// Wait for the subscription confirmation, to fail fast on e.g. auth errors
	if _, err := sub.Receive(connectCtx); err != nil {
		sub.Close()
		return nil, errors.Wrapf(err, "subscribing to redis channel %q", a.desc.Channel)
	}
	return sub, nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *redis.Message, process model.ProcessRecordFunc) {

	if len(msg.Payload) == 0 {
		log.Infof(a.lgprfx()+"empty message on channel %q, skipping", msg.Channel)
		return
	}

	result := process(ctx, model.Record{
		Type:    a.recordType,
		Payload: []byte(msg.Payload),
		Ts:      time.Now().UTC(),
		Source:  entity.SchemeRedis,
	})
	a.recordCount++

	switch result.Status {
	case model.StatusSuccess, model.StatusDelegated, model.StatusSkipped:
		log.Infof(a.lgprfx()+"message on %q processed, %s", msg.Channel, result)
	default:
		log.Warnf(a.lgprfx()+"message on %q not persisted, %s", msg.Channel, result)
	}
}

func (a *Adapter) lgprfx() string {
	return "[xredis.adapter:" + a.id + "] "
}
