// Package processlog streams progress events for long-running scans.
//
// Callers pass raw values in Meta. Sinks redact credentials and shorten long
// URLs before anything is emitted.
package processlog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Harvey-AU/metascan/internal/util"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the severity of a process event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Status is the lifecycle state of a process.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Meta carries structured event fields.
type Meta map[string]any

// Sink receives process events.
type Sink interface {
	Create(id string, meta Meta)
	Log(id string, level Level, message string, meta Meta)
	SetStatus(id string, status Status)
	Complete(id string, status Status)
}

// Redact returns a copy of meta with secrets masked and long URLs shortened.
func Redact(meta Meta) Meta {
	if meta == nil {
		return nil
	}

	out := make(Meta, len(meta))
	for k, v := range meta {
		if util.IsSecretKey(k) {
			out[k] = util.MaskSecret(fmt.Sprint(v))
			continue
		}
		if s, ok := v.(string); ok && looksLikeURL(s) {
			out[k] = util.TruncateURL(util.RedactURL(s), util.DefaultMaxURLDisplay)
			continue
		}
		out[k] = v
	}
	return out
}

func looksLikeURL(s string) bool {
	return strings.Contains(s, "://")
}

// Logger writes process events to zerolog.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a sink that writes through logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "process").Logger()}
}

// Default writes through the global zerolog logger.
func Default() *Logger {
	return NewLogger(log.Logger)
}

func (l *Logger) Create(id string, meta Meta) {
	l.logger.Info().Str("process_id", id).Fields(map[string]any(Redact(meta))).Msg("Process started")
}

func (l *Logger) Log(id string, level Level, message string, meta Meta) {
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = l.logger.Debug()
	case LevelWarn:
		ev = l.logger.Warn()
	case LevelError:
		ev = l.logger.Error()
	default:
		ev = l.logger.Info()
	}
	ev.Str("process_id", id).Fields(map[string]any(Redact(meta))).Msg(message)
}

func (l *Logger) SetStatus(id string, status Status) {
	l.logger.Debug().Str("process_id", id).Str("status", string(status)).Msg("Process status changed")
}

func (l *Logger) Complete(id string, status Status) {
	l.logger.Info().Str("process_id", id).Str("status", string(status)).Msg("Process completed")
}

// Event is one recorded entry in a Memory sink.
type Event struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Meta    Meta      `json:"meta,omitempty"`
}

// Process is the recorded history of one process.
type Process struct {
	ID        string  `json:"id"`
	Meta      Meta    `json:"meta,omitempty"`
	Status    Status  `json:"status"`
	Completed bool    `json:"completed"`
	Events    []Event `json:"events"`
}

// Memory keeps the most recent processes for inspection.
type Memory struct {
	mu        sync.Mutex
	max       int
	order     []string
	processes map[string]*Process
	now       func() time.Time
}

// NewMemory keeps at most max processes, evicting the oldest first.
func NewMemory(max int) *Memory {
	if max <= 0 {
		max = 100
	}
	return &Memory{
		max:       max,
		processes: make(map[string]*Process),
		now:       time.Now,
	}
}

func (m *Memory) Create(id string, meta Meta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.processes[id]; !exists {
		m.order = append(m.order, id)
		if len(m.order) > m.max {
			delete(m.processes, m.order[0])
			m.order = m.order[1:]
		}
	}
	m.processes[id] = &Process{ID: id, Meta: Redact(meta), Status: StatusRunning}
}

func (m *Memory) Log(id string, level Level, message string, meta Meta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.processes[id]; ok {
		p.Events = append(p.Events, Event{Time: m.now(), Level: level, Message: message, Meta: Redact(meta)})
	}
}

func (m *Memory) SetStatus(id string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.processes[id]; ok {
		p.Status = status
	}
}

func (m *Memory) Complete(id string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.processes[id]; ok {
		p.Status = status
		p.Completed = true
	}
}

// Get returns a copy of the recorded process.
func (m *Memory) Get(id string) (Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.processes[id]
	if !ok {
		return Process{}, false
	}
	cp := *p
	cp.Events = append([]Event(nil), p.Events...)
	return cp, true
}

// Recent returns up to limit processes, newest first.
func (m *Memory) Recent(limit int) []Process {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.order) {
		limit = len(m.order)
	}
	out := make([]Process, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		p := *m.processes[m.order[i]]
		p.Events = append([]Event(nil), p.Events...)
		out = append(out, p)
	}
	return out
}

// Multi fans events out to several sinks.
type Multi []Sink

func (m Multi) Create(id string, meta Meta) {
	for _, s := range m {
		s.Create(id, meta)
	}
}

func (m Multi) Log(id string, level Level, message string, meta Meta) {
	for _, s := range m {
		s.Log(id, level, message, meta)
	}
}

func (m Multi) SetStatus(id string, status Status) {
	for _, s := range m {
		s.SetStatus(id, status)
	}
}

func (m Multi) Complete(id string, status Status) {
	for _, s := range m {
		s.Complete(id, status)
	}
}

type nop struct{}

func (nop) Create(string, Meta)             {}
func (nop) Log(string, Level, string, Meta) {}
func (nop) SetStatus(string, Status)        {}
func (nop) Complete(string, Status)         {}

// Nop discards every event.
func Nop() Sink {
	return nop{}
}
