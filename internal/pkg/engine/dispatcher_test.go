package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"
	"github.com/zpiroux/megaetl/entity"
	"github.com/zpiroux/megaetl/internal/pkg/etltest"
	"github.com/zpiroux/megaetl/internal/pkg/model"
	"github.com/zpiroux/megaetl/internal/pkg/sink"
)

func newMockPool(t *testing.T, maxConns int) (*sink.Pool, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sink.NewPool(db, sink.Config{MaxConns: maxConns}), mock
}

func record(payload string) model.Record {
	return model.Record{Type: "test", Payload: []byte(payload)}
}

func TestDispatcherStatements(t *testing.T) {

	ctx := context.Background()
	pool, mock := newMockPool(t, 2)
	rt := etltest.NewMockStatementRecordType("test", "INSERT INTO t VALUES (1)")

	d, err := NewDispatcher(Config{}, rt, pool)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO t VALUES (1)").WillReturnResult(sqlmock.NewResult(0, 1))
	result := d.ProcessRecord(ctx, record(`{"id":1}`))

	assert.Equal(t, model.StatusSuccess, result.Status)
	assert.Equal(t, 1, result.Statements)
	assert.NoError(t, result.Err)
	assert.True(t, result.Persisted())
	assert.NoError(t, mock.ExpectationsWereMet())

	m := d.Metrics()
	assert.Equal(t, int64(1), m.RecordsProcessed)
	assert.Equal(t, int64(8), m.BytesProcessed)
	assert.Equal(t, int64(1), m.RecordsStoredInSink)
	assert.Equal(t, int64(1), m.StatementsExecuted)
	assert.Equal(t, int64(0), m.RecordsFailed)
	assert.Equal(t, int64(0), pool.Stats().Acquired)
}

func TestDispatcherStatementsInOrder(t *testing.T) {

	ctx := context.Background()
	pool, mock := newMockPool(t, 1)
	rt := etltest.NewMockStatementRecordType("test", "DELETE FROM t", "INSERT INTO t VALUES (1)", "INSERT INTO t VALUES (2)")

	d, err := NewDispatcher(Config{}, rt, pool)
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM t").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO t VALUES (1)").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO t VALUES (2)").WillReturnError(errors.New("disk full"))

	result := d.ProcessRecord(ctx, record("x"))
	assert.Equal(t, model.StatusFailure, result.Status)
	assert.Equal(t, 2, result.Statements)
	assert.Contains(t, result.Message, "disk full")
	assert.Contains(t, result.Message, "(2 applied)")
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(2), d.Metrics().StatementsExecuted)
	assert.Equal(t, int64(1), d.Metrics().RecordsFailed)
	assert.Equal(t, int64(0), d.Metrics().RecordsStoredInSink)
}

func TestDispatcherEmptyStatements(t *testing.T) {

	pool, mock := newMockPool(t, 1)
	d, err := NewDispatcher(Config{}, etltest.NewMockStatementRecordType("test"), pool)
	require.NoError(t, err)

	result := d.ProcessRecord(context.Background(), record("x"))
	assert.Equal(t, model.StatusSuccess, result.Status)
	assert.Equal(t, 0, result.Statements)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcherSkipNeverWrites(t *testing.T) {

	pool, mock := newMockPool(t, 1)
	rt := etltest.NewMockStatementRecordType("test", "INSERT INTO t VALUES (1)")
	rt.Err = entity.Skip("not a relevant record")

	d, err := NewDispatcher(Config{}, rt, pool)
	require.NoError(t, err)

	result := d.ProcessRecord(context.Background(), record("x"))
	assert.Equal(t, model.StatusSkipped, result.Status)
	assert.Equal(t, "not a relevant record", result.Message)
	assert.False(t, result.Persisted())
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(1), d.Metrics().RecordsSkipped)
}

func TestDispatcherTransformFailure(t *testing.T) {

	pool, mock := newMockPool(t, 1)
	rt := etltest.NewMockStatementRecordType("test")
	rt.Err = entity.Failure("missing field %q", "order_id")

	d, err := NewDispatcher(Config{}, rt, pool)
	require.NoError(t, err)

	result := d.ProcessRecord(context.Background(), record("{}"))
	assert.Equal(t, model.StatusFailure, result.Status)
	assert.Equal(t, `missing field "order_id"`, result.Message)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcherFallbackToTransformSave(t *testing.T) {

	ctx := context.Background()
	pool, mock := newMockPool(t, 1)
	rt := &etltest.MockFallbackRecordType{}
	rt.TypeName = "test"
	rt.SaveFunc = func(ctx context.Context, payload []byte, conn entity.SinkConn) error {
		return entity.Skip("duplicate")
	}

	d, err := NewDispatcher(Config{}, rt, pool)
	require.NoError(t, err)

	result := d.ProcessRecord(ctx, record("x"))
	assert.Equal(t, model.StatusSkipped, result.Status)
	assert.Equal(t, "duplicate", result.Message)
	assert.Equal(t, 1, rt.TransformCalls())
	assert.Len(t, rt.Payloads(), 1)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(0), pool.Stats().Acquired)
}

func TestDispatcherDelegated(t *testing.T) {

	ctx := context.Background()
	pool, mock := newMockPool(t, 1)
	rt := &etltest.MockSaveRecordType{
		TypeName: "test",
		SaveFunc: func(ctx context.Context, payload []byte, conn entity.SinkConn) error {
			_, err := conn.ExecContext(ctx, "INSERT INTO t (v) VALUES ($1)", string(payload))
			return err
		},
	}

	d, err := NewDispatcher(Config{}, rt, pool)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO t (v) VALUES ($1)").WithArgs("abc").WillReturnResult(sqlmock.NewResult(0, 1))
	result := d.ProcessRecord(ctx, record("abc"))
	assert.Equal(t, model.StatusDelegated, result.Status)
	assert.True(t, result.Persisted())
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(1), d.Metrics().RecordsStoredInSink)

	mock.ExpectExec("INSERT INTO t (v) VALUES ($1)").WithArgs("def").WillReturnError(errors.New("connection reset"))
	result = d.ProcessRecord(ctx, record("def"))
	assert.Equal(t, model.StatusFailure, result.Status)
	assert.Equal(t, "connection reset", result.Message)
	assert.Equal(t, int64(0), pool.Stats().Acquired)
}

func TestDispatcherUnimplementedEverywhere(t *testing.T) {

	pool, _ := newMockPool(t, 1)
	rt := etltest.NewMockStatementRecordType("test")
	rt.Err = entity.ErrUnimplemented

	d, err := NewDispatcher(Config{}, rt, pool)
	require.NoError(t, err)

	result := d.ProcessRecord(context.Background(), record("x"))
	assert.Equal(t, model.StatusConfigError, result.Status)
	assert.Equal(t, "record type must implement at least one of transform or transform_save", result.Message)
}

func TestDispatcherNoCapability(t *testing.T) {

	pool, _ := newMockPool(t, 1)

	_, err := NewDispatcher(Config{}, etltest.MockNoCapabilityRecordType{TypeName: "useless"}, pool)
	assert.True(t, errors.Is(err, entity.ErrNoCapability))

	_, err = NewDispatcher(Config{}, nil, pool)
	assert.True(t, errors.Is(err, entity.ErrNoCapability))

	_, err = NewDispatcher(Config{}, etltest.NewMockStatementRecordType("test"), nil)
	assert.True(t, errors.Is(err, ErrNoPool))
}

func TestDispatcherPanicRecovery(t *testing.T) {

	pool, _ := newMockPool(t, 1)
	d, err := NewDispatcher(Config{}, etltest.MockPanickingRecordType{}, pool)
	require.NoError(t, err)

	result := d.ProcessRecord(context.Background(), record("x"))
	assert.Equal(t, model.StatusFailure, result.Status)
	assert.Contains(t, result.Message, "badly written record type")
	assert.Equal(t, int64(1), d.Metrics().RecordsFailed)
}

func TestDispatcherInitStatement(t *testing.T) {

	ctx := context.Background()
	pool, _ := newMockPool(t, 1)

	rt := etltest.NewMockStatementRecordType("test")
	d, err := NewDispatcher(Config{}, rt, pool)
	require.NoError(t, err)
	stmt, err := d.InitStatement(ctx)
	assert.NoError(t, err)
	assert.Empty(t, stmt)

	rt.InitStmt = "CREATE TABLE IF NOT EXISTS t (id INT)"
	stmt, err = d.InitStatement(ctx)
	assert.NoError(t, err)
	assert.Equal(t, rt.InitStmt, stmt)

	d, err = NewDispatcher(Config{}, &etltest.MockSaveRecordType{TypeName: "save"}, pool)
	require.NoError(t, err)
	stmt, err = d.InitStatement(ctx)
	assert.NoError(t, err)
	assert.Empty(t, stmt)
}

func TestDispatcherHookLogic(t *testing.T) {

	ctx := context.Background()
	pool, mock := newMockPool(t, 1)
	rt := &etltest.MockSaveRecordType{TypeName: "test"}

	d, err := NewDispatcher(Config{PreTransformHookFunc: preTransformHookFunc}, rt, pool)
	require.NoError(t, err)

	// Normal flow, with enrichment
	result := d.ProcessRecord(ctx, record(`{"action":"enrich"}`))
	assert.Equal(t, model.StatusDelegated, result.Status)
	require.Len(t, rt.Payloads(), 1)
	assert.Equal(t, `{"action":"enrich","enriched":"coolValue"}`, string(rt.Payloads()[0]))

	result = d.ProcessRecord(ctx, record(`{"action":"skip"}`))
	assert.Equal(t, model.StatusSkipped, result.Status)
	assert.Equal(t, skippedByHook, result.Message)

	result = d.ProcessRecord(ctx, record(`{"action":"reject"}`))
	assert.Equal(t, model.StatusFailure, result.Status)
	assert.True(t, errors.Is(result.Err, ErrHookRejected))

	result = d.ProcessRecord(ctx, record(`{"action":"garbage"}`))
	assert.Equal(t, model.StatusConfigError, result.Status)
	assert.True(t, errors.Is(result.Err, ErrHookInvalidAction))

	// Only the enriched record reached the record type
	assert.Len(t, rt.Payloads(), 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func preTransformHookFunc(ctx context.Context, recordType string, payload *[]byte) entity.HookAction {
	switch {
	case string(*payload) == `{"action":"enrich"}`:
		*payload, _ = sjson.SetBytes(*payload, "enriched", "coolValue")
		return entity.HookActionProceed
	case string(*payload) == `{"action":"skip"}`:
		return entity.HookActionSkip
	case string(*payload) == `{"action":"reject"}`:
		return entity.HookActionReject
	default:
		return entity.HookActionInvalid
	}
}

func TestDispatcherConcurrentRecords(t *testing.T) {

	ctx := context.Background()
	pool, _ := newMockPool(t, 2)

	var mu sync.Mutex
	seen := 0
	rt := &etltest.MockSaveRecordType{
		TypeName: "test",
		SaveFunc: func(ctx context.Context, payload []byte, conn entity.SinkConn) error {
			mu.Lock()
			seen++
			mu.Unlock()
			return nil
		},
	}
	d, err := NewDispatcher(Config{EventLogInterval: 10}, rt, pool)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := d.ProcessRecord(ctx, record("x"))
			assert.Equal(t, model.StatusDelegated, result.Status)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, seen)
	assert.Equal(t, int64(50), d.Metrics().RecordsProcessed)
	assert.Equal(t, int64(0), pool.Stats().Acquired)
}

func TestDispatcherReleasesConnWithOpenTx(t *testing.T) {

	for _, panics := range []bool{false, true} {

		pool, mock := newMockPool(t, 1)
		d, err := NewDispatcher(Config{}, etltest.MockOpenTxRecordType{Panic: panics}, pool)
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectRollback()

		done := make(chan model.Result, 1)
		go func() {
			done <- d.ProcessRecord(context.Background(), record(`{"id":1}`))
		}()

		select {
		case result := <-done:
			if panics {
				assert.Equal(t, model.StatusFailure, result.Status)
				assert.Contains(t, result.Message, "panic")
			} else {
				assert.Equal(t, model.StatusDelegated, result.Status)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("ProcessRecord blocked on a connection with an open transaction (panic: %v)", panics)
		}

		assert.Equal(t, int64(0), pool.Stats().Acquired)
		assert.NoError(t, mock.ExpectationsWereMet())
	}
}

func TestDispatcherReportsOutcomes(t *testing.T) {

	t.Setenv("LOG_LEVEL", "debug")
	ctx := context.Background()
	pool, mock := newMockPool(t, 1)
	rt := etltest.NewMockStatementRecordType("test", "INSERT INTO t VALUES (1)", "INSERT INTO t VALUES (2)")
	ch := make(entity.NotifyChan, 16)

	d, err := NewDispatcher(Config{NotifyChan: ch}, rt, pool)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO t VALUES (1)").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO t VALUES (2)").WillReturnError(errors.New("duplicate key"))

	rec := record(`{"id":1}`)
	rec.Source = "xhttp"
	result := d.ProcessRecord(ctx, rec)
	require.Equal(t, model.StatusFailure, result.Status)

	var outcomes []entity.NotificationEvent
	for len(ch) > 0 {
		if event := <-ch; event.IsOutcome() {
			outcomes = append(outcomes, event)
		}
	}
	require.Len(t, outcomes, 1)
	event := outcomes[0]
	assert.Equal(t, entity.NotifyLevelWarn, event.Level)
	assert.Equal(t, "dispatcher", event.Component)
	assert.Equal(t, "test", event.RecordType)
	assert.Equal(t, "xhttp", event.Outcome.Source)
	assert.Equal(t, "failure", event.Outcome.Status)
	assert.Equal(t, 1, event.Outcome.Statements)
	assert.Equal(t, 8, event.Outcome.Bytes)
	assert.Contains(t, event.Message, "duplicate key")
}
