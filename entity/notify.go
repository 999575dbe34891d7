package entity

import (
	"strings"
	"time"
)

type NotifyLevel int

const (
	NotifyLevelInvalid NotifyLevel = iota
	NotifyLevelDebug
	NotifyLevelInfo
	NotifyLevelWarn
	NotifyLevelError
)

func (l NotifyLevel) String() string {
	switch l {
	case NotifyLevelDebug:
		return "DEBUG"
	case NotifyLevelInfo:
		return "INFO"
	case NotifyLevelWarn:
		return "WARN"
	case NotifyLevelError:
		return "ERROR"
	default:
		return "INVALID"
	}
}

// ParseNotifyLevel is case insensitive. Unknown names give NotifyLevelInvalid.
func ParseNotifyLevel(name string) NotifyLevel {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return NotifyLevelDebug
	case "INFO":
		return NotifyLevelInfo
	case "WARN", "WARNING":
		return NotifyLevelWarn
	case "ERROR":
		return NotifyLevelError
	default:
		return NotifyLevelInvalid
	}
}

// RecordOutcome describes how a single record was handled by the pipe.
type RecordOutcome struct {
	Source     string // name of the adapter the record came from
	Status     string // success, delegated, skipped, failure or config_error
	Statements int    // statements applied to the sink, also on partial failure
	Bytes      int
	Duration   time.Duration
}

// NotificationEvent is sent on the channel returned by megaetl.Pipe.NotifyChannel(), both for
// lifecycle events of the pipe and for the outcome of individual records.
type NotificationEvent struct {
	Level      NotifyLevel
	Time       time.Time
	Component  string // "pipe", "dispatcher", ...
	Instance   string
	RecordType string
	Message    string

	// Outcome is only set on record outcome events.
	Outcome *RecordOutcome

	// Caller ("pkg.Func (file.go:line)") is set from WARN, Stack on ERROR.
	Caller string
	Stack  string
}

func (e NotificationEvent) IsOutcome() bool {
	return e.Outcome != nil
}

type NotifyChan chan NotificationEvent
