package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

type AuditEvent string

const (
	EventCreatedContract    AuditEvent = "CREATED_CONTRACT"
	EventPingedAlive        AuditEvent = "PINGED_ALIVE"
	EventBeneficiaryUpdated AuditEvent = "BENEFICIARY_UPDATED"
	EventDelayUpdated       AuditEvent = "DELAY_UPDATED"
	EventDeletedContract    AuditEvent = "DELETED_CONTRACT"
	EventActedAsTrustor     AuditEvent = "ACTED_AS_TRUSTOR"
	EventRelayDenied        AuditEvent = "RELAY_DENIED"
	EventRelayFailed        AuditEvent = "RELAY_FAILED"
)

// Event is one entry of the audit trail
type Event struct {
	ID          string     `json:"id"`
	Type        AuditEvent `json:"type"`
	Tick        Tick       `json:"tick"`
	Actor       Identity   `json:"actor"`
	Trustor     Identity   `json:"trustor"`
	Beneficiary Identity   `json:"beneficiary,omitempty"`
	Details     string     `json:"details,omitempty"`
	At          time.Time  `json:"at"`
}

// NewEvent stamps an event with a fresh id and the wall time.
func NewEvent(typ AuditEvent, tick Tick, actor, trustor Identity) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Tick:    tick,
		Actor:   actor,
		Trustor: trustor,
		At:      time.Now().UTC(),
	}
}

// AuditLogger records security relevant events. Implementations must not
// fail the operation that produced the event.
type AuditLogger interface {
	Log(ctx context.Context, e Event)
}

// Every audit event is appended to a file, one JSON object per line
type FileAuditLogger struct {
	FilePath string

	file   *os.File
	logger *slog.Logger
}

func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLogger{
		FilePath: path,
		file:     f,
		logger:   slog.New(slog.NewJSONHandler(f, nil)),
	}, nil
}

func (l *FileAuditLogger) Log(ctx context.Context, e Event) {
	attrs := []slog.Attr{
		slog.String("id", e.ID),
		slog.Uint64("tick", uint64(e.Tick)),
		slog.String("actor", string(e.Actor)),
		slog.String("trustor", string(e.Trustor)),
	}
	if e.Beneficiary != "" {
		attrs = append(attrs, slog.String("beneficiary", string(e.Beneficiary)))
	}
	if e.Details != "" {
		attrs = append(attrs, slog.String("details", e.Details))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, string(e.Type), attrs...)
}

func (l *FileAuditLogger) Close() error {
	return l.file.Close()
}

// MemoryAuditLogger keeps events in order of arrival.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryAuditLogger() *MemoryAuditLogger {
	return &MemoryAuditLogger{}
}

func (l *MemoryAuditLogger) Log(_ context.Context, e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

// Events returns a copy of everything recorded so far
func (l *MemoryAuditLogger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// OfType filters the recorded events by type.
func (l *MemoryAuditLogger) OfType(typ AuditEvent) []Event {
	var out []Event
	for _, e := range l.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
