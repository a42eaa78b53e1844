// Package logging provides real-time console output for registry activity.
// Diagnostics are the record of what went wrong with a shard or consumer;
// this package only prints them, together with lifecycle events, for people
// watching a running server.
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

// Fields are structured key/value pairs attached to a log line.
type Fields map[string]interface{}

// Logger writes leveled lines to an output writer.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	pageID    string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	l := New()
	l.output = io.Discard
	l.minLevel = LevelError
	return l
}

// ParseLevel converts a config string into a Level. Unknown values give INFO.
func ParseLevel(s string) Level {
	lvl := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[lvl]; ok {
		return lvl
	}
	return LevelInfo
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	c := *l
	c.component = component
	return &c
}

// WithPageID returns a new logger that tags every line with a page view id.
func (l *Logger) WithPageID(pageID string) *Logger {
	c := *l
	c.pageID = pageID
	return &c
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...Fields) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs in key order.
func formatFields(fields Fields) string {
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

// log writes: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...Fields) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	merged := Fields{}
	if len(fields) > 0 {
		for k, v := range fields[0] {
			merged[k] = v
		}
	}
	if l.pageID != "" {
		merged["page"] = l.pageID
	}
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Registry event helpers ---

// ShardMerged logs a submission that added or replaced records.
func (l *Logger) ShardMerged(libraryID string, traits, added, replaced int) {
	l.Debug("shard_merged", Fields{
		"library":  libraryID,
		"traits":   traits,
		"added":    added,
		"replaced": replaced,
	})
}

// DuplicateSubmission logs a shard that added nothing new.
func (l *Logger) DuplicateSubmission(libraryID string, records int) {
	l.Debug("duplicate_submission", Fields{
		"library": libraryID,
		"records": records,
	})
}

// ConsumerAttached logs a consumer attaching to a trait.
func (l *Logger) ConsumerAttached(traitID, attachmentID string, snapshot int) {
	l.Debug("consumer_attached", Fields{
		"trait":      traitID,
		"attachment": attachmentID,
		"snapshot":   snapshot,
	})
}

// ConsumerDetached logs a consumer detaching.
func (l *Logger) ConsumerDetached(traitID, attachmentID string) {
	l.Debug("consumer_detached", Fields{
		"trait":      traitID,
		"attachment": attachmentID,
	})
}

// PageStart logs a page view starting its event loop.
func (l *Logger) PageStart(pending int) {
	l.Info("page_start", Fields{
		"pending": pending,
	})
}

// PageTeardown logs a page view shutting down.
func (l *Logger) PageTeardown(duration time.Duration) {
	l.Info("page_teardown", Fields{
		"duration": duration.String(),
	})
}

// LoadComplete logs the end of a loader pass.
func (l *Logger) LoadComplete(source string, loaded, failed int, duration time.Duration) {
	l.Info("load_complete", Fields{
		"source":   source,
		"loaded":   loaded,
		"failed":   failed,
		"duration": duration.String(),
	})
}
