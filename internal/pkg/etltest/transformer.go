package etltest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zpiroux/megaetl/entity"
)

// MockStatementRecordType implements Initializer and Transformer, returning a fixed set of
// statements for every record (or Err, if set).
type MockStatementRecordType struct {
	TypeName   string
	InitStmt   string
	Statements []string
	Err        error
	calls      int64
}

func NewMockStatementRecordType(name string, stmts ...string) *MockStatementRecordType {
	return &MockStatementRecordType{TypeName: name, Statements: stmts}
}

func (m *MockStatementRecordType) Name() string { return m.TypeName }

func (m *MockStatementRecordType) Init(ctx context.Context) (string, error) {
	if m.InitStmt == "" {
		return "", entity.ErrUnimplemented
	}
	return m.InitStmt, nil
}

func (m *MockStatementRecordType) Transform(ctx context.Context, payload []byte) ([]string, error) {
	atomic.AddInt64(&m.calls, 1)
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Statements, nil
}

func (m *MockStatementRecordType) Calls() int {
	return int(atomic.LoadInt64(&m.calls))
}

// MockSaveRecordType implements only SaveTransformer, delegating to SaveFunc if set.
// Received payloads are recorded.
type MockSaveRecordType struct {
	TypeName string
	SaveFunc func(ctx context.Context, payload []byte, conn entity.SinkConn) error

	mu       sync.Mutex
	payloads [][]byte
}

func (m *MockSaveRecordType) Name() string { return m.TypeName }

func (m *MockSaveRecordType) TransformSave(ctx context.Context, payload []byte, conn entity.SinkConn) error {
	m.mu.Lock()
	m.payloads = append(m.payloads, append([]byte(nil), payload...))
	m.mu.Unlock()
	if m.SaveFunc == nil {
		return nil
	}
	return m.SaveFunc(ctx, payload, conn)
}

func (m *MockSaveRecordType) Payloads() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.payloads...)
}

// MockFallbackRecordType implements both capabilities, where Transform is unimplemented.
type MockFallbackRecordType struct {
	MockSaveRecordType
	transformCalls int64
}

func (m *MockFallbackRecordType) Transform(ctx context.Context, payload []byte) ([]string, error) {
	atomic.AddInt64(&m.transformCalls, 1)
	return nil, entity.ErrUnimplemented
}

func (m *MockFallbackRecordType) TransformCalls() int {
	return int(atomic.LoadInt64(&m.transformCalls))
}

// MockNoCapabilityRecordType has an identity but no way of processing records.
type MockNoCapabilityRecordType struct {
	TypeName string
}

func (m MockNoCapabilityRecordType) Name() string { return m.TypeName }

// MockPanickingRecordType panics in Transform.
type MockPanickingRecordType struct{}

func (MockPanickingRecordType) Name() string { return "panicking" }

func (MockPanickingRecordType) Transform(ctx context.Context, payload []byte) ([]string, error) {
	panic("badly written record type")
}

// MockOpenTxRecordType begins a sink transaction in TransformSave and leaves it open,
// then panics if Panic is set, or returns nil otherwise.
type MockOpenTxRecordType struct {
	Panic bool
}

func (MockOpenTxRecordType) Name() string { return "opentx" }

func (m MockOpenTxRecordType) TransformSave(ctx context.Context, payload []byte, conn entity.SinkConn) error {
	if _, err := conn.BeginTx(ctx, nil); err != nil {
		return err
	}
	if m.Panic {
		panic("record type gave up mid-transaction")
	}
	return nil
}
