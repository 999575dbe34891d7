package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/teltech/logger"
	"github.com/zpiroux/megaetl/entity"
	"github.com/zpiroux/megaetl/internal/pkg/model"
	"github.com/zpiroux/megaetl/internal/pkg/sink"
	"github.com/zpiroux/megaetl/pkg/notify"
)

const defaultEventLogInterval = 500

var (
	ErrHookRejected      = errors.New("record rejected by pre-transform hook")
	ErrHookInvalidAction = errors.New("pre-transform hook returned invalid action value")
	ErrNoPool            = errors.New("no sink pool provided")
)

const skippedByHook = "skipped by pre-transform hook"

// ConnPool is the part of the sink pool used by the dispatcher.
type ConnPool interface {
	Acquire(ctx context.Context) (*sink.Conn, error)
}

// Dispatcher drives the transformer contract of a single record type for each record
// handed to it by a source adapter, and persists the outcome in the sink.
// ProcessRecord is safe for concurrent use.
type Dispatcher struct {
	config      Config
	rt          entity.RecordType
	caps        entity.Capabilities
	pool        ConnPool
	id          string
	notifier    *notify.Notifier
	metrics     ProcessingMetrics
	sinkMetrics ProcessingMetrics
	skipped     int64
	failed      int64
}

// Record processing metrics. Using int64 is safe here:
// Total Records processed will work for 3 million years if having 100k records/sec
// Total processing DurationMicros will work for 290k years
type ProcessingMetrics struct {
	Records        int64
	DurationMicros int64
	Bytes          int64
	Operations     int64
}

func (p ProcessingMetrics) String() string {
	out, _ := json.Marshal(p)
	return string(out)
}

// NewDispatcher fails with entity.ErrNoCapability if rt can neither transform nor
// transform-and-save.
func NewDispatcher(config Config, rt entity.RecordType, pool ConnPool) (*Dispatcher, error) {

	if err := entity.CheckCapabilities(rt); err != nil {
		return nil, err
	}
	if isNil(pool) {
		return nil, ErrNoPool
	}

	d := &Dispatcher{
		config: config,
		rt:     rt,
		caps:   entity.CapabilitiesOf(rt),
		pool:   pool,
		id:     uuid.NewString()[:8],
	}
	if d.config.EventLogInterval <= 0 {
		d.config.EventLogInterval = defaultEventLogInterval
	}

	var log *logger.Log
	if config.Log {
		log = logger.New()
	}
	d.notifier = notify.New(config.NotifyChan, log, "dispatcher", d.id, rt.Name())
	d.notifier.Notify(entity.NotifyLevelInfo, "Dispatcher created, capabilities: %s", d.caps)
	return d, nil
}

func (d *Dispatcher) RecordType() entity.RecordType {
	return d.rt
}

func (d *Dispatcher) Capabilities() entity.Capabilities {
	return d.caps
}

// InitStatement returns the record type's schema bootstrap statement, or an empty string
// if the record type needs no bootstrap.
func (d *Dispatcher) InitStatement(ctx context.Context) (string, error) {

	initializer, ok := d.rt.(entity.Initializer)
	if !ok {
		return "", nil
	}
	stmt, err := initializer.Init(ctx)
	if entity.IsUnimplemented(err) {
		return "", nil
	}
	return stmt, err
}

func (d *Dispatcher) Metrics() entity.Metrics {
	return entity.Metrics{
		RecordsProcessed:           atomic.LoadInt64(&d.metrics.Records),
		RecordProcessingTimeMicros: atomic.LoadInt64(&d.metrics.DurationMicros),
		BytesProcessed:             atomic.LoadInt64(&d.metrics.Bytes),
		RecordsStoredInSink:        atomic.LoadInt64(&d.sinkMetrics.Records),
		StatementsExecuted:         atomic.LoadInt64(&d.sinkMetrics.Operations),
		RecordsSkipped:             atomic.LoadInt64(&d.skipped),
		RecordsFailed:              atomic.LoadInt64(&d.failed),
	}
}

// ProcessRecord is called by source adapters for each received record. The order of
// attempts is Transform, then TransformSave if Transform is unimplemented. Record-level
// problems, including panics in record types or hooks, are reported in the Result.
func (d *Dispatcher) ProcessRecord(ctx context.Context, rec model.Record) (result model.Result) {

	defer d.processRecordExit(time.Now(), rec.Source, len(rec.Payload), &result)

	n := atomic.AddInt64(&d.metrics.Records, 1)
	atomic.AddInt64(&d.metrics.Bytes, int64(len(rec.Payload)))
	if n%int64(d.config.EventLogInterval) == 0 {
		d.notifier.Notify(entity.NotifyLevelInfo, "[metric] nb records processed: %d, stored in sink: %d", n, atomic.LoadInt64(&d.sinkMetrics.Records))
	}

	if d.config.PreTransformHookFunc != nil {
		if result, done := d.applyHook(ctx, &rec); done {
			return result
		}
	}

	if d.caps.Transform {
		stmts, err := d.rt.(entity.Transformer).Transform(ctx, rec.Payload)
		switch {
		case err == nil:
			return d.execute(ctx, stmts)
		case entity.IsSkip(err):
			return skipped(err)
		case entity.IsUnimplemented(err):
			// fall back to TransformSave
		default:
			return failure(err)
		}
	}

	if d.caps.TransformSave {
		return d.transformSave(ctx, rec)
	}

	return configError(entity.ErrNoCapability)
}

func (d *Dispatcher) applyHook(ctx context.Context, rec *model.Record) (model.Result, bool) {

	switch action := d.config.PreTransformHookFunc(ctx, d.rt.Name(), &rec.Payload); action {
	case entity.HookActionProceed:
		return model.Result{}, false
	case entity.HookActionSkip:
		return model.Result{Status: model.StatusSkipped, Message: skippedByHook}, true
	case entity.HookActionReject:
		return failure(ErrHookRejected), true
	default:
		return configError(errors.Wrapf(ErrHookInvalidAction, "action: %v", action)), true
	}
}

func (d *Dispatcher) execute(ctx context.Context, stmts []string) model.Result {

	if len(stmts) == 0 {
		return model.Result{Status: model.StatusSuccess}
	}
	if d.config.LogRecordData {
		d.notifier.Notify(entity.NotifyLevelDebug, "Record transformed into: %v", stmts)
	}

	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return failure(err)
	}
	defer conn.Release()

	startTime := time.Now().UnixMicro()
	applied, err := conn.ExecStatements(ctx, stmts)
	atomic.AddInt64(&d.sinkMetrics.Operations, int64(applied))
	atomic.AddInt64(&d.sinkMetrics.DurationMicros, time.Now().UnixMicro()-startTime)
	if err != nil {
		result := failure(err)
		result.Statements = applied
		return result
	}

	atomic.AddInt64(&d.sinkMetrics.Records, 1)
	return model.Result{Status: model.StatusSuccess, Statements: applied}
}

func (d *Dispatcher) transformSave(ctx context.Context, rec model.Record) model.Result {

	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return failure(err)
	}
	defer conn.Release()

	// A transaction left open by the record type, also on panic, holds the connection until
	// its context is done. Canceling before Release rolls it back.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startTime := time.Now().UnixMicro()
	err = d.rt.(entity.SaveTransformer).TransformSave(ctx, rec.Payload, conn)
	atomic.AddInt64(&d.sinkMetrics.DurationMicros, time.Now().UnixMicro()-startTime)

	switch {
	case err == nil:
		atomic.AddInt64(&d.sinkMetrics.Records, 1)
		return model.Result{Status: model.StatusDelegated}
	case entity.IsSkip(err):
		return skipped(err)
	case entity.IsUnimplemented(err):
		return configError(entity.ErrNoCapability)
	default:
		return failure(err)
	}
}

func (d *Dispatcher) processRecordExit(start time.Time, source string, size int, result *model.Result) {

	// Protection against badly written record types or external hook logic
	if r := recover(); r != nil {
		d.notifier.Notify(entity.NotifyLevelError, "Panic (%v) in ProcessRecord() for record type %s", r, d.rt.Name())
		*result = failure(errors.Newf("panic in record processing: %v", r))
	}

	duration := time.Since(start)
	atomic.AddInt64(&d.metrics.DurationMicros, duration.Microseconds())
	atomic.AddInt64(&d.metrics.Operations, 1)

	level := entity.NotifyLevelDebug
	switch result.Status {
	case model.StatusSkipped:
		atomic.AddInt64(&d.skipped, 1)
	case model.StatusFailure, model.StatusConfigError:
		atomic.AddInt64(&d.failed, 1)
		level = entity.NotifyLevelWarn
	}

	if d.notifier.Enabled(level) {
		d.notifier.Outcome(level, entity.RecordOutcome{
			Source:     source,
			Status:     result.Status.String(),
			Statements: result.Statements,
			Bytes:      size,
			Duration:   duration,
		}, result.Message)
	}
}

func (d *Dispatcher) Close() {
	d.notifier.Notify(entity.NotifyLevelInfo, "Dispatcher finished. Processing metrics: %s, Sink metrics: %s", d.metrics, d.sinkMetrics)
}

func skipped(err error) model.Result {
	return model.Result{Status: model.StatusSkipped, Message: err.Error(), Err: err}
}

func failure(err error) model.Result {
	return model.Result{Status: model.StatusFailure, Message: err.Error(), Err: err}
}

func configError(err error) model.Result {
	return model.Result{Status: model.StatusConfigError, Message: err.Error(), Err: err}
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("dispatcher %s for record type %s (%s)", d.id, d.rt.Name(), d.caps)
}
