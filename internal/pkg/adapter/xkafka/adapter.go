// Package xkafka contains the stream source adapter, consuming a single Kafka topic with a
// strictly sequential poll loop.
package xkafka

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"
	"github.com/teltech/logger"
	"github.com/zpiroux/megaetl/entity"
	"github.com/zpiroux/megaetl/internal/pkg/model"
)

var ErrTopicNotFound = errors.New("topic not available in cluster")

var log *logger.Log

func init() {
	log = logger.New()
}

type Adapter struct {
	cf          ConsumerFactory
	consumer    Consumer
	ac          AdminClient
	desc        entity.StreamConsumer
	recordType  string
	config      Config
	id          string
	recordCount int64
}

func New(desc entity.StreamConsumer, recordType string, config Config) *Adapter {
	config.setDefaults()
	a := &Adapter{
		cf:         DefaultConsumerFactory{},
		desc:       desc,
		recordType: recordType,
		config:     config,
		id:         uuid.NewString()[:8],
	}
	log.Infof(a.lgprfx()+"adapter created for %s with config: %s", desc, &a.config)
	return a
}

func (a *Adapter) Name() string {
	return "xkafka"
}

func (a *Adapter) SetConsumerFactory(cf ConsumerFactory) {
	a.cf = cf
}

// Run consumes the topic until ctx is done. Record-level failures never stop the loop;
// the offset of each record is stored whatever the outcome.
func (a *Adapter) Run(ctx context.Context, process model.ProcessRecordFunc) error {

	defer a.close()

	if err := a.init(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		event := a.consumer.Poll(a.config.PollTimeoutMs)

		if ctx.Err() != nil {
			log.Info(a.lgprfx() + "context canceled, terminating poll loop")
			return nil
		}

		if event == nil {
			continue
		}

		switch evt := event.(type) {
		case *kafka.Message:
			a.handleMessage(ctx, evt, process)

		case kafka.Error:
			// librdkafka reconnects on its own, including after all brokers down
			log.Warnf(a.lgprfx()+"Kafka error in consumer, code: %v, event: %v", evt.Code(), evt)

		default:
			if strings.Contains(evt.String(), "OffsetsCommitted") {
				log.Debugf(a.lgprfx()+"Kafka info event in consumer: %v", evt)
			} else {
				log.Infof(a.lgprfx()+"Kafka info event in consumer: %v", evt)
			}
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *kafka.Message, process model.ProcessRecordFunc) {

	defer a.storeOffset(msg)

	if msg.TopicPartition.Error != nil {
		log.Warnf(a.lgprfx()+"topic partition error when consuming message at %v, err: %v", msg.TopicPartition, msg.TopicPartition.Error)
		return
	}

	if len(msg.Value) == 0 {
		log.Infof(a.lgprfx()+"empty record (tombstone) at %v, skipping", msg.TopicPartition)
		return
	}

	result := process(ctx, model.Record{
		Type:    a.recordType,
		Payload: msg.Value,
		Key:     msg.Key,
		Ts:      msg.Timestamp,
		Source:  entity.SchemeKafka,
	})
	a.recordCount++

	switch result.Status {
	case model.StatusSuccess, model.StatusDelegated, model.StatusSkipped:
		log.Infof(a.lgprfx()+"record at %v processed, %s", msg.TopicPartition, result)
	default:
		log.Warnf(a.lgprfx()+"record at %v not persisted, %s", msg.TopicPartition, result)
	}
}

func (a *Adapter) init(ctx context.Context) error {

	kconfig := make(kafka.ConfigMap)
	for k, v := range a.config.configMap(a.desc.Broker()) {
		kconfig[k] = v
	}

	consumer, err := a.cf.NewConsumer(&kconfig)
	if err != nil {
		return errors.Wrapf(err, "failed to create consumer for broker %s", a.desc.Broker())
	}
	a.consumer = consumer
	log.Infof(a.lgprfx()+"created consumer with config: %s", &a.config)

	if a.ac, err = a.cf.NewAdminClientFromConsumer(a.consumer); err != nil {
		return errors.Wrap(err, "couldn't create admin client")
	}

	if err = a.waitForTopic(ctx); err != nil {
		return err
	}

	if err = a.consumer.SubscribeTopics([]string{a.desc.Topic}, nil); err != nil {
		return errors.Wrapf(err, "failed subscribing to topic %q", a.desc.Topic)
	}
	log.Infof(a.lgprfx()+"subscribed to topic %q", a.desc.Topic)
	return nil
}

// waitForTopic polls cluster metadata until the topic exists, bounded by ConnectTimeout.
func (a *Adapter) waitForTopic(ctx context.Context) error {

	deadline := time.Now().Add(a.config.ConnectTimeout)

	for attempt := 1; ; attempt++ {
		md, err := a.ac.GetMetadata(nil, true, a.config.MetadataTimeoutMs)
		if err == nil && topicExists(a.desc.Topic, md.Topics) {
			return nil
		}

		if err != nil {
			log.Warnf(a.lgprfx()+"metadata request #%d failed, err: %v", attempt, err)
		} else {
			log.Infof(a.lgprfx()+"topic %q not yet available (attempt #%d), retrying in %v", a.desc.Topic, attempt, a.config.TopicRetryInterval)
		}

		if time.Now().Add(a.config.TopicRetryInterval).After(deadline) {
			return errors.Wrapf(ErrTopicNotFound, "topic %q at %s, gave up after %d attempts", a.desc.Topic, a.desc.Broker(), attempt)
		}
		if !sleepCtx(ctx, a.config.TopicRetryInterval) {
			return ctx.Err()
		}
	}
}

func (a *Adapter) storeOffset(msg *kafka.Message) {

	tp := msg.TopicPartition
	tp.Offset++

	if _, err := a.consumer.StoreOffsets([]kafka.TopicPartition{tp}); err != nil {
		// In-mem operation, no point retrying. Will in worst case cause duplicates, no loss.
		log.Errorf(a.lgprfx()+"error storing offset %v, err: %v", tp, err)
	}
}

func (a *Adapter) close() {
	if !isNil(a.ac) {
		a.ac.Close()
	}
	if !isNil(a.consumer) {
		log.Infof(a.lgprfx()+"closing Kafka consumer, consumed records: %d", a.recordCount)
		if err := a.consumer.Close(); err != nil {
			log.Errorf(a.lgprfx()+"error closing Kafka consumer, err: %v", err)
		}
	}
	log.Infof(a.lgprfx() + "terminated")
}

func (a *Adapter) lgprfx() string {
	return "[xkafka.adapter:" + a.id + "] "
}

// A context aware sleep func returning true if proper timeout after sleep and false if ctx canceled
func sleepCtx(ctx context.Context, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func isNil(v any) bool {
	return v == nil || (reflect.ValueOf(v).Kind() == reflect.Ptr && reflect.ValueOf(v).IsNil())
}
