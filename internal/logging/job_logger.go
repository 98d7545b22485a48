package logging

import (
	"fmt"
	"sync"
	"time"
)

// JobMessage is one line recorded by a JobLogger.
type JobMessage struct {
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	Job     string    `json:"job"`
	Message string    `json:"message"`
}

// JobLogger records the messages of a single job run. Messages are written
// to the base logger, kept for the run summary and forwarded to the parent
// JobLogger, so a parent's summary contains everything its children logged.
type JobLogger struct {
	name   string
	base   *Logger
	parent *JobLogger

	mu       sync.Mutex
	messages []JobMessage
}

// NewJobLogger creates a logger for one run of the named job.
func NewJobLogger(name string, base *Logger) *JobLogger {
	if base == nil {
		base = GetGlobalLogger()
	}
	return &JobLogger{
		name: name,
		base: base.WithField("job", name),
	}
}

// SetParent chains this logger under parent. A nil parent detaches it.
func (j *JobLogger) SetParent(parent *JobLogger) {
	j.mu.Lock()
	j.parent = parent
	j.mu.Unlock()
}

// Name returns the job name this logger belongs to.
func (j *JobLogger) Name() string {
	return j.name
}

// Base returns the structured logger carrying the job field.
func (j *JobLogger) Base() *Logger {
	return j.base
}

// Log records an info message
func (j *JobLogger) Log(format string, args ...interface{}) {
	j.record(LevelInfo, fmt.Sprintf(format, args...), true)
}

// Warn records a warning
func (j *JobLogger) Warn(format string, args ...interface{}) {
	j.record(LevelWarn, fmt.Sprintf(format, args...), true)
}

// Error records an error
func (j *JobLogger) Error(format string, args ...interface{}) {
	j.record(LevelError, fmt.Sprintf(format, args...), true)
}

// Success records a completion message
func (j *JobLogger) Success(format string, args ...interface{}) {
	j.record(LevelInfo, "✔ "+fmt.Sprintf(format, args...), true)
}

func (j *JobLogger) record(level LogLevel, message string, emit bool) {
	if emit {
		switch level {
		case LevelWarn:
			j.base.Warn(message)
		case LevelError:
			j.base.Error(message)
		default:
			j.base.Info(message)
		}
	}

	j.mu.Lock()
	j.messages = append(j.messages, JobMessage{
		Time:    time.Now(),
		Level:   level,
		Job:     j.name,
		Message: message,
	})
	parent := j.parent
	j.mu.Unlock()

	// the base logger already emitted the line; the parent only keeps it
	if parent != nil {
		parent.record(level, fmt.Sprintf("[%s] %s", j.name, message), false)
	}
}

// Messages returns a copy of everything recorded so far.
func (j *JobLogger) Messages() []JobMessage {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JobMessage, len(j.messages))
	copy(out, j.messages)
	return out
}

// Count returns the number of recorded messages at level.
func (j *JobLogger) Count(level LogLevel) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, m := range j.messages {
		if m.Level == level {
			n++
		}
	}
	return n
}
