package xpubsub

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/megaetl/entity"
	"github.com/zpiroux/megaetl/internal/pkg/model"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var testDesc = entity.PubSubSubscriber{
	Provider:   entity.PubSubGcp,
	Host:       "my-project",
	Credential: entity.PlaceholderCredential,
	Channel:    "orders-sub",
}

func TestAdapter(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := &MockSubscription{
		exists: true,
		msgs: []*pubsub.Message{
			{ID: "1", Data: []byte("first"), PublishTime: time.Now()},
			{ID: "2"},
			{ID: "3", Data: []byte("second"), PublishTime: time.Now()},
		},
		deadlineErrors: 1,
	}
	factory := &MockClientFactory{client: &MockClient{sub: sub}}

	adapter := New(testDesc, "transaction", Config{})
	adapter.SetClientFactory(factory)

	var acked []string
	var mu sync.Mutex
	adapter.SetMsgAckFunc(func(m *pubsub.Message) {
		mu.Lock()
		acked = append(acked, m.ID)
		mu.Unlock()
	})

	var received []string
	err := adapter.Run(ctx, func(ctx context.Context, rec model.Record) model.Result {
		assert.Equal(t, "transaction", rec.Type)
		assert.Equal(t, entity.SchemeGcpPubsub, rec.Source)
		received = append(received, string(rec.Payload))
		if len(received) == 2 {
			cancel()
			return model.Result{Status: model.StatusFailure, Message: "failed"}
		}
		return model.Result{Status: model.StatusSuccess}
	})

	assert.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, received)
	mu.Lock()
	assert.Equal(t, []string{"1", "2", "3"}, acked)
	mu.Unlock()
	assert.Equal(t, "my-project", factory.projectId)
	assert.Empty(t, factory.opts)
	assert.Equal(t, "orders-sub", factory.client.subId)
	assert.Equal(t, 1, factory.client.rs.NumGoroutines)
	assert.True(t, factory.client.closed)
	assert.Equal(t, 2, sub.receiveCalls)
}

func TestAdapterCredentialsFile(t *testing.T) {
	desc := testDesc
	desc.Credential = "/etc/creds.json"
	adapter := New(desc, "transaction", Config{})
	assert.Len(t, adapter.clientOptions(), 1)
}

func TestAdapterSubscriptionNotFound(t *testing.T) {

	factory := &MockClientFactory{client: &MockClient{sub: &MockSubscription{exists: false}}}
	adapter := New(testDesc, "transaction", Config{})
	adapter.SetClientFactory(factory)

	err := adapter.Run(context.Background(), func(ctx context.Context, rec model.Record) model.Result {
		return model.Result{}
	})
	assert.True(t, errors.Is(err, ErrSubscriptionNotFound))
}

func TestAdapterPermissionDenied(t *testing.T) {

	sub := &MockSubscription{existsErr: &googleapi.Error{Code: http.StatusForbidden, Message: "permission denied"}}
	factory := &MockClientFactory{client: &MockClient{sub: sub}}
	adapter := New(testDesc, "transaction", Config{})
	adapter.SetClientFactory(factory)

	err := adapter.Run(context.Background(), func(ctx context.Context, rec model.Record) model.Result {
		return model.Result{}
	})
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "credentials")
}

func TestAdapterClientFailure(t *testing.T) {

	adapter := New(testDesc, "transaction", Config{})
	adapter.SetClientFactory(&MockClientFactory{err: errors.New("no default credentials")})

	err := adapter.Run(context.Background(), func(ctx context.Context, rec model.Record) model.Result {
		return model.Result{}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no default credentials")
}

type MockClientFactory struct {
	client    *MockClient
	err       error
	projectId string
	opts      []option.ClientOption
}

func (m *MockClientFactory) NewClient(ctx context.Context, projectId string, opts ...option.ClientOption) (Client, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.projectId = projectId
	m.opts = opts
	return m.client, nil
}

type MockClient struct {
	sub    *MockSubscription
	subId  string
	rs     pubsub.ReceiveSettings
	closed bool
}

func (m *MockClient) Subscription(id string, rs pubsub.ReceiveSettings) Subscription {
	m.subId = id
	m.rs = rs
	return m.sub
}

func (m *MockClient) Close() error {
	m.closed = true
	return nil
}

// MockSubscription delivers its messages on the first Receive call after having returned
// deadlineErrors deadline exceeded errors, and then blocks until ctx is done.
type MockSubscription struct {
	exists         bool
	existsErr      error
	msgs           []*pubsub.Message
	deadlineErrors int
	receiveCalls   int
}

func (m *MockSubscription) Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error {
	m.receiveCalls++
	if m.deadlineErrors > 0 {
		m.deadlineErrors--
		return context.DeadlineExceeded
	}
	for _, msg := range m.msgs {
		f(ctx, msg)
	}
	<-ctx.Done()
	return nil
}

func (m *MockSubscription) Exists(ctx context.Context) (bool, error) {
	return m.exists, m.existsErr
}

func (m *MockSubscription) String() string {
	return "projects/my-project/subscriptions/orders-sub"
}
