package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	bierrors "github.com/sawpanic/biasengine/internal/errors"
)

// LogEntry is one committed record in a topic's append log.
type LogEntry struct {
	Topic      string
	Sequence   uint64
	Payload    []byte
	RecordedAt time.Time
}

// EventLog is the durable, per-topic journal (spec §4.A capability 2).
// It is the system's durable source of truth for events — the
// Broadcast Fabric (§4.I) is explicitly NOT this; it only fans out what
// has already been committed here.
type EventLog interface {
	// Append commits payload to topic and returns its assigned
	// monotonically increasing sequence number.
	Append(ctx context.Context, topic string, payload []byte) (uint64, error)
	// Since returns all entries in topic with Sequence > afterSeq, in
	// ascending sequence order.
	Since(ctx context.Context, topic string, afterSeq uint64) ([]LogEntry, error)
	// LastN returns up to n most recent entries in topic, in ascending
	// sequence order.
	LastN(ctx context.Context, topic string, n int) ([]LogEntry, error)
}

// MemoryLog is an in-process EventLog and the only EventLog
// implementation in this module; it backs both the running app and the
// tests, and its contents are lost when the process exits.
type MemoryLog struct {
	mu      sync.Mutex
	topics  map[string][]LogEntry
	nextSeq map[string]uint64
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		topics:  make(map[string][]LogEntry),
		nextSeq: make(map[string]uint64),
	}
}

func (l *MemoryLog) Append(_ context.Context, topic string, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSeq[topic]++
	seq := l.nextSeq[topic]
	l.topics[topic] = append(l.topics[topic], LogEntry{
		Topic:      topic,
		Sequence:   seq,
		Payload:    append([]byte(nil), payload...),
		RecordedAt: time.Now().UTC(),
	})
	return seq, nil
}

func (l *MemoryLog) Since(_ context.Context, topic string, afterSeq uint64) ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.topics[topic]
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].Sequence > afterSeq })
	out := make([]LogEntry, len(entries)-idx)
	copy(out, entries[idx:])
	return out, nil
}

func (l *MemoryLog) LastN(_ context.Context, topic string, n int) ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.topics[topic]
	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	start := len(entries) - n
	out := make([]LogEntry, n)
	copy(out, entries[start:])
	return out, nil
}

// AppendOrFail is a convenience used by components that must treat a
// failed append as GATEWAY_UNAVAILABLE per spec §7.
func AppendOrFail(ctx context.Context, log EventLog, topic string, payload []byte) (uint64, error) {
	seq, err := log.Append(ctx, topic, payload)
	if err != nil {
		return 0, bierrors.Wrap(bierrors.GatewayUnavailable, "append log write failed", err)
	}
	return seq, nil
}
