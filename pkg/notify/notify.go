// Package notify delivers the operational events of a pipe to an optional channel and an
// optional logger. Record type and adapter developers can use it to report through the
// same channel as the engine.
package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teltech/logger"
	"github.com/zpiroux/megaetl/entity"
)

// LevelEnv names the env variable holding the minimum level. INFO if unset or invalid.
const LevelEnv = "LOG_LEVEL"

const notifierMethodPrefix = "/pkg/notify.(*Notifier)."

type Notifier struct {
	ch         entity.NotifyChan
	log        *logger.Log
	minLevel   entity.NotifyLevel
	component  string
	instance   string
	recordType string
	dropped    int64
}

// New creates a Notifier for one component instance. Both ch and log may be nil.
// recordType may be empty for components not bound to a record type.
func New(ch entity.NotifyChan, log *logger.Log, component, instance, recordType string) *Notifier {
	minLevel := entity.ParseNotifyLevel(os.Getenv(LevelEnv))
	if minLevel == entity.NotifyLevelInvalid {
		minLevel = entity.NotifyLevelInfo
	}
	return &Notifier{
		ch:         ch,
		log:        log,
		minLevel:   minLevel,
		component:  component,
		instance:   instance,
		recordType: recordType,
	}
}

func (n *Notifier) SetMinLevel(level entity.NotifyLevel) {
	n.minLevel = level
}

// Enabled reports whether events of level would be delivered.
func (n *Notifier) Enabled(level entity.NotifyLevel) bool {
	return level >= n.minLevel && (n.ch != nil || n.log != nil)
}

// Dropped returns the number of events not sent because the channel was full.
func (n *Notifier) Dropped() int64 {
	return atomic.LoadInt64(&n.dropped)
}

func (n *Notifier) Notify(level entity.NotifyLevel, format string, args ...any) {
	if !n.Enabled(level) {
		return
	}
	n.emit(entity.NotificationEvent{Level: level, Message: fmt.Sprintf(format, args...)})
}

// Outcome reports how a record was handled. The caller picks the level, normally WARN for
// failures and DEBUG for everything else.
func (n *Notifier) Outcome(level entity.NotifyLevel, outcome entity.RecordOutcome, message string) {
	if !n.Enabled(level) {
		return
	}
	n.emit(entity.NotificationEvent{Level: level, Message: message, Outcome: &outcome})
}

func (n *Notifier) emit(event entity.NotificationEvent) {

	event.Time = time.Now().UTC()
	event.Component = n.component
	event.Instance = n.instance
	event.RecordType = n.recordType

	if event.Level >= entity.NotifyLevelWarn {
		event.Caller = caller()
	}
	if event.Level == entity.NotifyLevelError {
		event.Stack = string(debug.Stack())
	}

	if n.ch != nil {
		select {
		case n.ch <- event:
		default:
			atomic.AddInt64(&n.dropped, 1)
		}
	}

	if n.log != nil {
		n.write(event)
	}
}

func (n *Notifier) write(event entity.NotificationEvent) {

	var b strings.Builder
	b.WriteString("[" + n.component + ":" + n.instance + "] ")
	if n.recordType != "" {
		b.WriteString("(" + n.recordType + ") ")
	}
	b.WriteString(event.Message)
	if o := event.Outcome; o != nil {
		fmt.Fprintf(&b, " [source: %s, status: %s, statements: %d, bytes: %d, took: %v]",
			o.Source, o.Status, o.Statements, o.Bytes, o.Duration)
	}
	if event.Caller != "" {
		b.WriteString(" at " + event.Caller)
	}

	switch event.Level {
	case entity.NotifyLevelDebug:
		n.log.Debug(b.String())
	case entity.NotifyLevelInfo:
		n.log.Info(b.String())
	case entity.NotifyLevelWarn:
		n.log.Warn(b.String())
	case entity.NotifyLevelError:
		n.log.Error(b.String())
	}
}

// caller returns the first frame outside the Notifier.
func caller() string {
	pcs := make([]uintptr, 16)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(2, pcs)])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, notifierMethodPrefix) {
			_, fn := filepath.Split(frame.Function)
			return fmt.Sprintf("%s (%s:%d)", fn, filepath.Base(frame.File), frame.Line)
		}
		if !more {
			return "unknown"
		}
	}
}
