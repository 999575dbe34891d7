package entity

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Error values used by record types to signal the outcome of a transformation.
// Matching should be done with errors.Is(), since the engine and record types wrap them.
var (
	// ErrUnimplemented is returned by a capability the record type does not provide.
	// For Transform it triggers the fallback to TransformSave.
	ErrUnimplemented = errors.New("function is unimplemented")

	// ErrSkip marks a record as intentionally dropped. It is not an error condition.
	ErrSkip = errors.New("record skipped")

	// ErrNoCapability is returned at engine start for record types implementing neither
	// Transformer nor SaveTransformer.
	ErrNoCapability = errors.New("record type must implement at least one of transform or transform_save")

	ErrRecordTypeExists   = errors.New("record type already registered")
	ErrRecordTypeNotFound = errors.New("record type not registered")
)

// RecordType is the identity of a record schema. A record type plugs into the engine by
// additionally implementing one or more of Initializer, Transformer and SaveTransformer.
type RecordType interface {
	Name() string
}

// Initializer returns the idempotent "create sink structure if absent" statement, which is
// executed once at engine start, before any record is processed.
// Returning ErrUnimplemented means no bootstrap is needed.
type Initializer interface {
	Init(ctx context.Context) (string, error)
}

// Transformer derives zero or more write statements from a record payload. It must not
// touch the sink. The statements are executed in order, each independently (no implicit
// transaction), and execution stops at the first failing statement.
//
// Return ErrSkip (see Skip()) to drop the record, ErrUnimplemented to have the engine
// fall back to TransformSave, or any other error to report a record-level failure.
type Transformer interface {
	Transform(ctx context.Context, payload []byte) ([]string, error)
}

// SaveTransformer performs persistence itself using the provided sink connection. It is
// used when the logic needs to read before writing. The connection is owned by the engine
// and must not be retained after returning.
type SaveTransformer interface {
	TransformSave(ctx context.Context, payload []byte, conn SinkConn) error
}

// SinkConn is the part of a checked-out sink connection exposed to record types.
// *sql.Conn satisfies it.
type SinkConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Skip returns an error matching ErrSkip. Its message is the reason for the skip.
func Skip(reason string) error {
	return errors.Mark(errors.NewWithDepth(1, reason), ErrSkip)
}

// Failure returns a record-level failure error.
func Failure(format string, args ...any) error {
	return errors.Newf(format, args...)
}

// IsSkip reports whether err signals an intentional skip.
func IsSkip(err error) bool {
	return errors.Is(err, ErrSkip)
}

// IsUnimplemented reports whether err signals a capability that is not provided.
func IsUnimplemented(err error) bool {
	return errors.Is(err, ErrUnimplemented)
}

// Capabilities describes which parts of the transformer contract a record type provides.
type Capabilities struct {
	Init          bool
	Transform     bool
	TransformSave bool
}

func (c Capabilities) String() string {
	return fmt.Sprintf("init: %v, transform: %v, transform_save: %v", c.Init, c.Transform, c.TransformSave)
}

// CapabilitiesOf inspects which capability interfaces rt implements.
func CapabilitiesOf(rt RecordType) Capabilities {
	var c Capabilities
	_, c.Init = rt.(Initializer)
	_, c.Transform = rt.(Transformer)
	_, c.TransformSave = rt.(SaveTransformer)
	return c
}

// CheckCapabilities returns ErrNoCapability if rt cannot process any record.
func CheckCapabilities(rt RecordType) error {
	if rt == nil {
		return errors.Wrap(ErrNoCapability, "nil record type")
	}
	c := CapabilitiesOf(rt)
	if !c.Transform && !c.TransformSave {
		return errors.WithHint(
			errors.Wrapf(ErrNoCapability, "record type %q", rt.Name()),
			"implement entity.Transformer and/or entity.SaveTransformer")
	}
	return nil
}

// Registry holds the record types available to an engine, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	types map[string]RecordType
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]RecordType)}
}

func (r *Registry) Register(rt RecordType) error {
	if err := CheckCapabilities(rt); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[rt.Name()]; ok {
		return errors.Wrapf(ErrRecordTypeExists, "name %q", rt.Name())
	}
	r.types[rt.Name()] = rt
	return nil
}

func (r *Registry) Get(name string) (RecordType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.types[name]
	if !ok {
		return nil, errors.Wrapf(ErrRecordTypeNotFound, "name %q", name)
	}
	return rt, nil
}

// Names returns the registered record type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
