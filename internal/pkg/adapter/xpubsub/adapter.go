// Package xpubsub contains the GCP Pub/Sub source adapter. The subscription is expected to
// already exist. Messages are processed strictly in sequence.
package xpubsub

import (
	"context"
	"net/http"
	"sync/atomic"

	"cloud.google.com/go/pubsub"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/teltech/logger"
	"github.com/zpiroux/megaetl/entity"
	"github.com/zpiroux/megaetl/internal/pkg/model"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var ErrSubscriptionNotFound = errors.New("pubsub subscription not found")

var log *logger.Log

func init() {
	log = logger.New()
}

type Config struct {
	MaxOutstandingMessages int
	MaxOutstandingBytes    int
}

type MsgAckFunc func(*pubsub.Message)

type Adapter struct {
	cf          ClientFactory
	desc        entity.PubSubSubscriber
	recordType  string
	config      Config
	id          string
	ack         MsgAckFunc
	recordCount uint64
}

func New(desc entity.PubSubSubscriber, recordType string, config Config) *Adapter {
	a := &Adapter{
		cf:         DefaultClientFactory{},
		desc:       desc,
		recordType: recordType,
		config:     config,
		id:         uuid.NewString()[:8],
		ack:        ackMsg,
	}
	log.Infof(a.lgprfx()+"adapter created for %s", desc)
	return a
}

func (a *Adapter) Name() string {
	return "xpubsub"
}

func (a *Adapter) SetClientFactory(cf ClientFactory) {
	a.cf = cf
}

func (a *Adapter) SetMsgAckFunc(ack MsgAckFunc) {
	a.ack = ack
}

// clientOptions uses application default credentials unless a credentials file was provided.
func (a *Adapter) clientOptions() []option.ClientOption {
	if a.desc.HasCredential() {
		return []option.ClientOption{option.WithCredentialsFile(a.desc.Credential)}
	}
	return nil
}

func (a *Adapter) receiveSettings() pubsub.ReceiveSettings {
	return pubsub.ReceiveSettings{
		MaxOutstandingMessages: a.config.MaxOutstandingMessages,
		MaxOutstandingBytes:    a.config.MaxOutstandingBytes,
		NumGoroutines:          1,
	}
}

// Run receives messages from the subscription until ctx is done. Every message is acked
// once processed, whatever the outcome.
func (a *Adapter) Run(ctx context.Context, process model.ProcessRecordFunc) error {

	client, err := a.cf.NewClient(ctx, a.desc.Host, a.clientOptions()...)
	if err != nil {
		return errors.Wrapf(err, "creating pubsub client for project %s", a.desc.Host)
	}
	defer client.Close()

	sub := client.Subscription(a.desc.Channel, a.receiveSettings())
	exists, err := sub.Exists(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrapf(describe(err), "checking subscription %s", a.desc.Channel)
	}
	if !exists {
		return errors.Wrapf(ErrSubscriptionNotFound, "subscription %s in project %s", a.desc.Channel, a.desc.Host)
	}

	// All messages from the Receive goroutines are funneled through this channel, to be
	// processed by a single goroutine.
	msgChan := make(chan *pubsub.Message)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range msgChan {
			a.handleMessage(ctx, msg, process)
		}
	}()

	log.Infof(a.lgprfx()+"starting up pubsub Receive() on %s", sub.String())

	var errPubsub error
	for {
		errPubsub = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			msgChan <- msg
		})

		// Pubsub sometimes gives deadline exceeded, e.g. due to internal service or network errors.
		// Re-initiating the receive operation is the way to proceed.
		if errPubsub != nil && ctx.Err() == nil && errors.Is(errPubsub, context.DeadlineExceeded) {
			log.Warnf(a.lgprfx()+"sub.Receive() terminated, err: '%v', re-initiating operation", errPubsub)
			continue
		}
		break
	}
	close(msgChan)
	<-done

	log.Infof(a.lgprfx()+"pubsub subscriber terminated, total number of records received: %d", atomic.LoadUint64(&a.recordCount))

	if ctx.Err() != nil {
		return nil
	}
	if errPubsub != nil {
		return errors.Wrap(describe(errPubsub), "pubsub receive")
	}
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *pubsub.Message, process model.ProcessRecordFunc) {

	defer a.ack(msg)

	if len(msg.Data) == 0 {
		log.Infof(a.lgprfx()+"empty message %s, skipping", msg.ID)
		return
	}

	result := process(ctx, model.Record{
		Type:    a.recordType,
		Payload: msg.Data,
		Key:     []byte(msg.ID),
		Ts:      msg.PublishTime,
		Source:  entity.SchemeGcpPubsub,
	})
	atomic.AddUint64(&a.recordCount, 1)

	switch result.Status {
	case model.StatusSuccess, model.StatusDelegated, model.StatusSkipped:
		log.Infof(a.lgprfx()+"message %s processed, %s", msg.ID, result)
	default:
		log.Warnf(a.lgprfx()+"message %s not persisted, %s", msg.ID, result)
	}
}

// describe adds a hint for the common configuration related API errors.
func describe(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusForbidden, http.StatusUnauthorized:
			return errors.WithHint(err, "check the credentials file in the source URI, or the application default credentials")
		case http.StatusNotFound:
			return errors.Mark(err, ErrSubscriptionNotFound)
		}
	}
	return err
}

func ackMsg(m *pubsub.Message) {
	m.Ack()
}

func (a *Adapter) lgprfx() string {
	return "[xpubsub.adapter:" + a.id + "] "
}
