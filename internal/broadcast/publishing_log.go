package broadcast

import (
	"context"
	"time"

	"github.com/sawpanic/biasengine/internal/gateway"
)

// PublishingLog decorates a durable gateway.EventLog so every
// successful Append also fans the entry out on the Hub, satisfying the
// package doc's invariant that Publish only ever follows a committed
// Append. Every producer (ingest, bias, breaker, outcome) appends
// through this decorator rather than the raw log so broadcast delivery
// can never originate data the log doesn't already hold.
type PublishingLog struct {
	gateway.EventLog
	hub *Hub
}

func NewPublishingLog(inner gateway.EventLog, hub *Hub) *PublishingLog {
	return &PublishingLog{EventLog: inner, hub: hub}
}

func (p *PublishingLog) Append(ctx context.Context, topic string, payload []byte) (uint64, error) {
	seq, err := p.EventLog.Append(ctx, topic, payload)
	if err != nil {
		return 0, err
	}
	p.hub.Publish(gateway.LogEntry{Topic: topic, Sequence: seq, Payload: payload, RecordedAt: time.Now().UTC()})
	return seq, nil
}
