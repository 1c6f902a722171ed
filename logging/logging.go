// Package logging provides leveled console logging for the orchestration
// core. Lines follow a traditional layout:
//
//	LEVEL TIMESTAMP [component] message key=value ...
//
// The event log is the record of what happened to tasks and agents; this
// package is for operators watching a running process.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a case-insensitive level name. Unknown names map to INFO.
func ParseLevel(s string) Level {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[l]; ok {
		return l
	}
	if l == "WARNING" {
		return LevelWarn
	}
	return LevelInfo
}

// sink is shared between a logger and everything derived from it, so
// SetOutput and SetLevel on the root reach every component logger.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger provides structured logging to stdout.
type Logger struct {
	sink      *sink
	component string
	traceID   string
}

// New creates a new Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{sink: &sink{output: os.Stdout, minLevel: LevelInfo}}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return &Logger{sink: &sink{output: io.Discard, minLevel: LevelError}}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, traceID: l.traceID}
}

// WithTraceID returns a new logger that tags every line with trace_id.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{sink: l.sink, component: l.component, traceID: traceID}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	merged := map[string]interface{}{}
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			merged[k] = v
		}
	}
	if l.traceID != "" {
		merged["trace_id"] = l.traceID
	}
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}
	l.sink.output.Write([]byte(line))
}

// --- Orchestration logging helpers ---

// TaskTransition logs a task moving between statuses.
func (l *Logger) TaskTransition(taskID, from, to string) {
	l.Debug("task_transition", map[string]interface{}{
		"task": taskID,
		"from": from,
		"to":   to,
	})
}

// TaskAssigned logs a task being handed to an agent.
func (l *Logger) TaskAssigned(taskID, agentID string) {
	l.Info("task_assigned", map[string]interface{}{
		"task":  taskID,
		"agent": agentID,
	})
}

// RetryScheduled logs a delayed retry.
func (l *Logger) RetryScheduled(taskID string, attempt int, delay time.Duration) {
	l.Info("retry_scheduled", map[string]interface{}{
		"task":    taskID,
		"attempt": attempt,
		"delay":   delay.String(),
	})
}

// AgentStatus logs an agent status change.
func (l *Logger) AgentStatus(agentID, from, to string) {
	l.Info("agent_status", map[string]interface{}{
		"agent": agentID,
		"from":  from,
		"to":    to,
	})
}

// HandlerPanic logs a panic recovered from a subscriber or timer callback.
func (l *Logger) HandlerPanic(where string, recovered interface{}) {
	l.Error("handler_panic", map[string]interface{}{
		"where": where,
		"panic": fmt.Sprintf("%v", recovered),
	})
}

// EventDropped logs an event a slow subscriber had no room for.
func (l *Logger) EventDropped(subject string) {
	l.Warn("event_dropped", map[string]interface{}{
		"subject": subject,
	})
}

// DispatchCycle logs a summary of one background dispatch pass.
func (l *Logger) DispatchCycle(routed, expired int, duration time.Duration) {
	if routed == 0 && expired == 0 {
		return
	}
	l.Debug("dispatch_cycle", map[string]interface{}{
		"routed":   routed,
		"expired":  expired,
		"duration": duration.String(),
	})
}
