package model

import (
	"context"
	"fmt"
	"time"
)

// Record is a single unit of data received from a source, tagged with the record type which
// is to interpret it.
type Record struct {
	Type    string
	Payload []byte
	Key     []byte
	Ts      time.Time
	Source  string
}

func (r Record) String() string {
	return fmt.Sprintf("type: %s, source: %s, key: %s, ts: %v, payload: %s", r.Type, r.Source, string(r.Key), r.Ts, string(r.Payload))
}

// Status is the resolved outcome of processing a single record.
type Status int

const (
	StatusInvalid Status = iota
	StatusSuccess
	StatusDelegated
	StatusSkipped
	StatusFailure
	StatusConfigError
)

var statusName = map[Status]string{
	StatusInvalid:     "invalid",
	StatusSuccess:     "success",
	StatusDelegated:   "delegated",
	StatusSkipped:     "skipped",
	StatusFailure:     "failure",
	StatusConfigError: "config_error",
}

func (s Status) String() string {
	if name, ok := statusName[s]; ok {
		return name
	}
	return statusName[StatusInvalid]
}

// Result is reported back to the adapter for each record.
// Message holds the skip reason, or the failure/config error message.
// Statements is the number of statements applied to the sink, also on partial failure.
type Result struct {
	Status     Status
	Message    string
	Err        error
	Statements int
}

// Persisted reports whether the record reached the sink.
func (r Result) Persisted() bool {
	return r.Status == StatusSuccess || r.Status == StatusDelegated
}

func (r Result) String() string {
	if r.Message == "" {
		return fmt.Sprintf("status: %s, statements: %d", r.Status, r.Statements)
	}
	return fmt.Sprintf("status: %s, statements: %d, message: %s", r.Status, r.Statements, r.Message)
}

// ProcessRecordFunc is called by source adapters for each received record. It never returns
// an error; record-level problems are contained in the Result.
type ProcessRecordFunc func(ctx context.Context, rec Record) Result

// Adapter is a running source transport. Run blocks until ctx is canceled (returning nil)
// or an unrecoverable transport error occurs.
type Adapter interface {
	Run(ctx context.Context, process ProcessRecordFunc) error
	Name() string
}
