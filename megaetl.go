// Package megaetl is an ingestion engine. A Pipe receives records from one source (an HTTP
// listener, a Kafka topic, a Redis channel or a GCP Pub/Sub subscription), runs each record
// through the transformation of a pluggable record type, and persists the outcome in a
// PostgreSQL sink.
package megaetl

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/teltech/logger"
	"github.com/tidwall/sjson"
	"github.com/zpiroux/megaetl/entity"
	"github.com/zpiroux/megaetl/internal/pkg/adapter/xhttp"
	"github.com/zpiroux/megaetl/internal/pkg/adapter/xkafka"
	"github.com/zpiroux/megaetl/internal/pkg/adapter/xpubsub"
	"github.com/zpiroux/megaetl/internal/pkg/adapter/xredis"
	"github.com/zpiroux/megaetl/internal/pkg/engine"
	"github.com/zpiroux/megaetl/internal/pkg/model"
	"github.com/zpiroux/megaetl/internal/pkg/sink"
	"github.com/zpiroux/megaetl/internal/pkg/source"
	"github.com/zpiroux/megaetl/pkg/notify"
)

// Error values returned by the megaetl API.
// Most of these errors will also contain additional details about the error.
// Error matching can still be done with 'if errors.Is(err, ErrBootstrapFailed)' etc.
// due to error wrapping.
var (
	ErrConfigNotInitialized = errors.New("megaetl.Config need to be created with NewConfig()")
	ErrPipeNotInitialized   = errors.New("pipe not initialized")
	ErrPipeRunning          = errors.New("pipe is already running, only one record type per pipe")
	ErrInvalidSourceURI     = entity.ErrInvalidSourceURI
	ErrUnsupportedSource    = errors.New("unsupported source")
	ErrNoCapability         = entity.ErrNoCapability
	ErrRecordTypeNotFound   = entity.ErrRecordTypeNotFound
	ErrBootstrapFailed      = errors.New("sink schema bootstrap failed")
	ErrSinkUnavailable      = errors.New("sink unavailable")
)

type adapterFactory func(desc entity.Descriptor, recordType string) (model.Adapter, error)

// Pipe connects one source with the sink, for one record type at a time.
type Pipe struct {
	config     *Config
	desc       entity.Descriptor
	pool       *sink.Pool
	notifyChan entity.NotifyChan
	notifier   *notify.Notifier
	newAdapter adapterFactory
	id         string

	running    atomic.Bool
	mu         sync.Mutex
	dispatcher *engine.Dispatcher
}

// New parses the source URI and opens the sink pool, based on the provided config, which
// needs to be initially created with NewConfig(). An unknown source scheme is not an error
// here, but makes Start fail with ErrUnsupportedSource.
func New(ctx context.Context, config *Config) (*Pipe, error) {

	if config == nil || config.recordTypes == nil {
		return nil, ErrConfigNotInitialized
	}

	desc, err := source.Parse(config.SourceURI)
	if err != nil {
		return nil, errWithDetails(ErrInvalidSourceURI, err)
	}

	var pool *sink.Pool
	if config.SinkDB != nil {
		pool = sink.NewPool(config.SinkDB, config.poolConfig())
	} else {
		pool, err = sink.Open(ctx, config.SinkURI, config.poolConfig())
		if err != nil {
			return nil, errWithDetails(ErrSinkUnavailable, err)
		}
	}

	p := &Pipe{
		config:     config,
		desc:       desc,
		pool:       pool,
		notifyChan: make(entity.NotifyChan, config.Ops.NotifyChanSize),
		id:         uuid.NewString()[:8],
	}
	p.newAdapter = p.createAdapter

	var log *logger.Log
	if config.Ops.Log {
		log = logger.New()
	}
	p.notifier = notify.New(p.notifyChan, log, "pipe", p.id, "")
	p.notifier.Notify(entity.NotifyLevelInfo, "Pipe created with source: %s", desc)
	return p, nil
}

// Start runs the pipe for the provided record type. It is a blocking call until ctx is
// canceled or the source adapter fails unrecoverably.
//
// Before any record is received the record type's capabilities are checked, and its
// schema bootstrap statement (if any) is executed once. Failures in these steps are
// returned immediately, without the source being started.
func (p *Pipe) Start(ctx context.Context, rt entity.RecordType) (err error) {

	if p == nil || p.pool == nil {
		return ErrPipeNotInitialized
	}
	if !p.running.CompareAndSwap(false, true) {
		return ErrPipeRunning
	}
	defer p.running.Store(false)

	dispatcher, err := engine.NewDispatcher(p.config.engineConfig(p.notifyChan), rt, p.pool)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	adapter, err := p.newAdapter(p.desc, rt.Name())
	if err != nil {
		return err
	}

	if err = p.bootstrap(ctx, dispatcher); err != nil {
		return err
	}

	p.mu.Lock()
	p.dispatcher = dispatcher
	p.mu.Unlock()

	p.notifier.Notify(entity.NotifyLevelInfo, "Starting %s adapter for record type %q", adapter.Name(), rt.Name())
	if err = adapter.Run(ctx, dispatcher.ProcessRecord); err != nil {
		p.notifier.Notify(entity.NotifyLevelError, "Adapter %s failed: %v", adapter.Name(), err)
		return errors.Wrapf(err, "running %s adapter", adapter.Name())
	}
	p.notifier.Notify(entity.NotifyLevelInfo, "Pipe stopped, metrics: %+v", dispatcher.Metrics())
	return nil
}

// StartRecordType looks up a record type registered with Config.RegisterRecordType()
// and starts the pipe with it.
func (p *Pipe) StartRecordType(ctx context.Context, name string) error {
	if p == nil || p.config == nil {
		return ErrPipeNotInitialized
	}
	rt, err := p.config.recordTypes.Get(name)
	if err != nil {
		return err
	}
	return p.Start(ctx, rt)
}

func (p *Pipe) bootstrap(ctx context.Context, dispatcher *engine.Dispatcher) error {

	stmt, err := dispatcher.InitStatement(ctx)
	if err != nil {
		return errWithDetails(ErrBootstrapFailed, err)
	}
	if stmt == "" {
		p.notifier.Notify(entity.NotifyLevelInfo, "No schema bootstrap for record type %q", dispatcher.RecordType().Name())
		return nil
	}
	if err = p.pool.Bootstrap(ctx, stmt); err != nil {
		return errWithDetails(ErrBootstrapFailed, err)
	}
	return nil
}

func (p *Pipe) createAdapter(desc entity.Descriptor, recordType string) (model.Adapter, error) {

	switch d := desc.(type) {
	case entity.HTTPListener:
		return xhttp.New(d, recordType, p.config.httpConfig()), nil
	case entity.StreamConsumer:
		return xkafka.New(d, recordType, p.config.streamConfig()), nil
	case entity.PubSubSubscriber:
		switch d.Provider {
		case entity.PubSubRedis:
			return xredis.New(d, recordType, p.config.redisConfig()), nil
		case entity.PubSubGcp:
			return xpubsub.New(d, recordType, p.config.gcpPubsubConfig()), nil
		default:
			return nil, errors.Wrapf(ErrUnsupportedSource, "pub/sub provider %q", d.Provider)
		}
	case entity.Unrecognized:
		return nil, errors.WithHint(
			errors.Wrapf(ErrUnsupportedSource, "scheme %q", d.URIScheme),
			"supported schemes are http, kafka, redis and gcppubsub")
	default:
		return nil, errors.Wrapf(ErrUnsupportedSource, "descriptor type %T", desc)
	}
}

// Source returns the parsed source descriptor.
func (p *Pipe) Source() entity.Descriptor {
	return p.desc
}

// Metrics returns the processing metrics of the currently or most recently run record type.
func (p *Pipe) Metrics() entity.Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dispatcher == nil {
		return entity.Metrics{}
	}
	return p.dispatcher.Metrics()
}

// SinkStats returns the sink pool statistics.
func (p *Pipe) SinkStats() sink.Stats {
	return p.pool.Stats()
}

// NotifyChannel returns the channel on which operational events are sent. Events are
// dropped if the channel is full.
func (p *Pipe) NotifyChannel() entity.NotifyChan {
	return p.notifyChan
}

// Close releases the sink pool. It should be called when Start has returned.
func (p *Pipe) Close() error {
	if p == nil || p.pool == nil {
		return ErrPipeNotInitialized
	}
	return p.pool.Close()
}

// EnrichRecord is a convenience function that could be used for record enrichment purposes
// inside a hook function as specified in megaetl.Config.Hooks.
// It's a wrapper on the sjson package. See doc at https://github.com/tidwall/sjson.
func EnrichRecord(payload []byte, path string, value any) ([]byte, error) {
	return sjson.SetBytes(payload, path, value)
}

func errWithDetails(err error, errDetails error) error {
	return errors.Mark(errors.Wrapf(errDetails, "%v, details", err), err)
}
