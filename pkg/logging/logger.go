package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category represents the subsystem generating the log
type Category string

const (
	CategoryClassifier   Category = "classifier"
	CategoryDelegation   Category = "delegation"
	CategorySelector     Category = "selector"
	CategoryOrchestrator Category = "orchestrator"
	CategoryQueue        Category = "queue"
	CategorySession      Category = "session"
	CategoryCache        Category = "cache"
	CategoryStorage      Category = "storage"
	CategoryWorker       Category = "worker"
	CategoryBus          Category = "bus"
)

// Event represents a structured log event
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	EventType string         `json:"type"`
	Principal string         `json:"principal,omitempty"`
	ActionID  string         `json:"action_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Logger writes structured events as JSON lines to a log file,
// echoing warnings and errors to stderr.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	minLevel Level
	echo     bool
}

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a logger writing to baseDir/sprintloop.log.
// Pass an empty baseDir for a stderr-only logger.
func New(baseDir string, minLevel Level) (*Logger, error) {
	l := &Logger{minLevel: minLevel, echo: true}
	if _, ok := levelRank[minLevel]; !ok {
		l.minLevel = LevelInfo
	}

	if baseDir == "" {
		return l, nil
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	path := filepath.Join(baseDir, "sprintloop.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l.file = file
	return l, nil
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{minLevel: LevelError, echo: false}
}

// Log writes an event if it passes the level filter.
func (l *Logger) Log(event Event) {
	if l == nil {
		return
	}
	if levelRank[event.Level] < levelRank[l.minLevel] {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Write(append(data, '\n'))
	}
	if l.echo && levelRank[event.Level] >= levelRank[LevelWarn] {
		fmt.Fprintf(os.Stderr, "%s\n", data)
	}
}

// Debug logs a debug-level event.
func (l *Logger) Debug(category Category, eventType, message string, details map[string]any) {
	l.Log(Event{Level: LevelDebug, Category: category, EventType: eventType, Message: message, Details: details})
}

// Info logs an info-level event.
func (l *Logger) Info(category Category, eventType, message string, details map[string]any) {
	l.Log(Event{Level: LevelInfo, Category: category, EventType: eventType, Message: message, Details: details})
}

// Warn logs a warn-level event.
func (l *Logger) Warn(category Category, eventType, message string, details map[string]any) {
	l.Log(Event{Level: LevelWarn, Category: category, EventType: eventType, Message: message, Details: details})
}

// Error logs an error-level event.
func (l *Logger) Error(category Category, eventType, message string, details map[string]any) {
	l.Log(Event{Level: LevelError, Category: category, EventType: eventType, Message: message, Details: details})
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
