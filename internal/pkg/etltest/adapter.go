package etltest

import (
	"context"
	"sync"
	"time"

	"github.com/zpiroux/megaetl/internal/pkg/model"
)

// MockAdapter reports the provided payloads as records and then waits for ctx to be done.
// Results are stored in the order the records were reported.
type MockAdapter struct {
	RecordType string
	Payloads   [][]byte
	RunErr     error

	mu      sync.Mutex
	results []model.Result
	done    chan struct{}
}

func NewMockAdapter(recordType string, payloads ...[]byte) *MockAdapter {
	return &MockAdapter{
		RecordType: recordType,
		Payloads:   payloads,
		done:       make(chan struct{}),
	}
}

func (m *MockAdapter) Name() string { return "mock" }

func (m *MockAdapter) Run(ctx context.Context, process model.ProcessRecordFunc) error {

	if m.RunErr != nil {
		return m.RunErr
	}

	for _, payload := range m.Payloads {
		result := process(ctx, model.Record{Type: m.RecordType, Payload: payload, Ts: time.Now(), Source: "mock"})
		m.mu.Lock()
		m.results = append(m.results, result)
		m.mu.Unlock()
	}
	close(m.done)

	<-ctx.Done()
	return nil
}

// Done is closed when all payloads have been processed.
func (m *MockAdapter) Done() <-chan struct{} {
	return m.done
}

func (m *MockAdapter) Results() []model.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Result(nil), m.results...)
}
