package xkafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/megaetl/entity"
	"github.com/zpiroux/megaetl/internal/pkg/model"
)

const testTopic = "coolTopic"

var testDesc = entity.StreamConsumer{Host: "localhost", Port: 9092, Topic: testTopic}

func TestAdapter(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := &MockConsumer{
		events: []kafka.Event{
			message(0, `{"id":1}`),
			nil,
			kafka.NewError(kafka.ErrAllBrokersDown, "all brokers down", false),
			message(1, `{"id":2}`),
			kafka.OffsetsCommitted{},
			message(2, `{"id":3}`),
		},
		onExhausted: cancel,
	}
	adapter := createAdapter(t, consumer, &MockAdminClient{})

	var received []string
	process := func(ctx context.Context, rec model.Record) model.Result {
		assert.Equal(t, "order", rec.Type)
		assert.Equal(t, entity.SchemeKafka, rec.Source)
		received = append(received, string(rec.Payload))
		if string(rec.Payload) == `{"id":2}` {
			return model.Result{Status: model.StatusFailure, Message: "some failure"}
		}
		return model.Result{Status: model.StatusSuccess}
	}

	err := adapter.Run(ctx, process)
	assert.NoError(t, err)

	// Kafka errors and record-level failures do not stop the loop
	assert.Equal(t, []string{`{"id":1}`, `{"id":2}`, `{"id":3}`}, received)
	assert.Equal(t, []kafka.Offset{1, 2, 3}, consumer.StoredOffsets())
	assert.Equal(t, []string{testTopic}, consumer.subscribed)
	assert.True(t, consumer.closed)
	assert.Equal(t, int64(3), adapter.recordCount)

	conf := *consumer.conf
	assert.Equal(t, "localhost:9092", conf["bootstrap.servers"])
	assert.Equal(t, false, conf["enable.auto.offset.store"])
	assert.Equal(t, "megaetl", conf["group.id"])
	assert.Equal(t, "value1", conf["prop1"])
}

func TestAdapterEmptyRecord(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := &MockConsumer{
		events:      []kafka.Event{message(0, ""), message(1, `{"id":1}`)},
		onExhausted: cancel,
	}
	adapter := createAdapter(t, consumer, &MockAdminClient{})

	calls := 0
	err := adapter.Run(ctx, func(ctx context.Context, rec model.Record) model.Result {
		calls++
		assert.Equal(t, `{"id":1}`, string(rec.Payload))
		return model.Result{Status: model.StatusSuccess}
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []kafka.Offset{1, 2}, consumer.StoredOffsets())
}

func TestAdapterWaitsForTopic(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := &MockConsumer{events: []kafka.Event{message(0, "x")}, onExhausted: cancel}
	ac := &MockAdminClient{availableAfter: 3}
	adapter := createAdapter(t, consumer, ac)

	err := adapter.Run(ctx, func(ctx context.Context, rec model.Record) model.Result {
		return model.Result{Status: model.StatusSuccess}
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, ac.Requests())
	assert.Equal(t, []string{testTopic}, consumer.subscribed)
}

func TestAdapterTopicNotFound(t *testing.T) {

	consumer := &MockConsumer{}
	ac := &MockAdminClient{availableAfter: -1}
	adapter := createAdapter(t, consumer, ac)
	adapter.config.ConnectTimeout = 50 * time.Millisecond

	err := adapter.Run(context.Background(), func(ctx context.Context, rec model.Record) model.Result {
		t.Fatal("no record should be processed")
		return model.Result{}
	})
	assert.True(t, errors.Is(err, ErrTopicNotFound))
	assert.Nil(t, consumer.subscribed)
	assert.True(t, consumer.closed)
	assert.GreaterOrEqual(t, ac.Requests(), 2)
}

func TestAdapterCanceledWhileWaitingForTopic(t *testing.T) {

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	adapter := createAdapter(t, &MockConsumer{}, &MockAdminClient{availableAfter: -1})
	adapter.config.ConnectTimeout = time.Minute

	err := adapter.Run(ctx, func(ctx context.Context, rec model.Record) model.Result {
		return model.Result{}
	})
	assert.NoError(t, err)
}

func TestAdapterConsumerCreationFailure(t *testing.T) {

	adapter := New(testDesc, "order", Config{})
	adapter.SetConsumerFactory(MockConsumerFactory{err: errors.New("invalid config")})

	err := adapter.Run(context.Background(), func(ctx context.Context, rec model.Record) model.Result {
		return model.Result{}
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestTopicExists(t *testing.T) {
	topics := map[string]kafka.TopicMetadata{
		"a": {Topic: "a"},
		"b": {Topic: "b", Error: kafka.NewError(kafka.ErrUnknownTopicOrPart, "unknown", false)},
	}
	assert.True(t, topicExists("a", topics))
	assert.False(t, topicExists("b", topics))
	assert.False(t, topicExists("c", topics))
}

func TestDisplayConfig(t *testing.T) {
	c := Config{Props: ConfigMap{"sasl.password": "secret", "sasl.username": "user"}}
	assert.NotContains(t, c.String(), "secret")
	assert.Contains(t, c.String(), "user")
}

func createAdapter(t *testing.T, consumer *MockConsumer, ac *MockAdminClient) *Adapter {
	adapter := New(testDesc, "order", Config{
		PollTimeoutMs:      1,
		ConnectTimeout:     time.Second,
		TopicRetryInterval: 5 * time.Millisecond,
		Props:              ConfigMap{"prop1": "value1"},
	})
	require.NotNil(t, adapter)
	adapter.SetConsumerFactory(MockConsumerFactory{consumer: consumer, ac: ac})
	return adapter
}

func message(offset int, value string) *kafka.Message {
	topic := testTopic
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0, Offset: kafka.Offset(offset)},
		Timestamp:      time.Now().UTC(),
	}
	if value != "" {
		msg.Value = []byte(value)
	}
	return msg
}

type MockConsumer struct {
	conf        *kafka.ConfigMap
	events      []kafka.Event
	onExhausted func()
	subscribed  []string
	closed      bool

	mu      sync.Mutex
	offsets []kafka.Offset
}

func (m *MockConsumer) SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error {
	m.subscribed = topics
	return nil
}

func (m *MockConsumer) Poll(timeoutMs int) kafka.Event {
	if len(m.events) == 0 {
		if m.onExhausted != nil {
			m.onExhausted()
		}
		time.Sleep(time.Duration(timeoutMs) * time.Millisecond)
		return nil
	}
	event := m.events[0]
	m.events = m.events[1:]
	return event
}

func (m *MockConsumer) StoreOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tp := range offsets {
		m.offsets = append(m.offsets, tp.Offset)
	}
	return offsets, nil
}

func (m *MockConsumer) StoredOffsets() []kafka.Offset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsets
}

func (m *MockConsumer) Close() error {
	m.closed = true
	return nil
}

type MockConsumerFactory struct {
	consumer *MockConsumer
	ac       *MockAdminClient
	err      error
}

func (mcf MockConsumerFactory) NewConsumer(conf *kafka.ConfigMap) (Consumer, error) {
	if mcf.err != nil {
		return nil, mcf.err
	}
	mcf.consumer.conf = conf
	return mcf.consumer, nil
}

func (mcf MockConsumerFactory) NewAdminClientFromConsumer(c Consumer) (AdminClient, error) {
	return mcf.ac, nil
}

// MockAdminClient reports the topic as existing from request number availableAfter.
// A negative value means never.
type MockAdminClient struct {
	availableAfter int

	mu       sync.Mutex
	requests int
}

func (m *MockAdminClient) GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++

	md := &kafka.Metadata{Topics: map[string]kafka.TopicMetadata{"other": {Topic: "other"}}}
	if m.availableAfter >= 0 && m.requests >= m.availableAfter {
		md.Topics[testTopic] = kafka.TopicMetadata{Topic: testTopic}
	}
	return md, nil
}

func (m *MockAdminClient) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

func (m *MockAdminClient) Close() {}
