// Package journal persists admitted events for offline audit. The gateway
// only ever writes to the journal; throttle decisions never consult it.
package journal

import (
	"context"
	"time"

	"github.com/coachpo/floodgate/internal/schema"
)

// Record is one admitted event as persisted to the journal.
type Record struct {
	EventID    string
	Key        string
	Type       string
	Timestamp  int64
	IngestedAt time.Time
	AdmittedAt time.Time
	Payload    any
}

// Appender persists admitted-event records.
type Appender interface {
	Append(ctx context.Context, rec Record) error
}

// NewRecord captures an admitted event at the given admission time.
func NewRecord(evt *schema.Event, admittedAt time.Time) Record {
	if evt == nil {
		return Record{
			EventID:    "",
			Key:        "",
			Type:       "",
			Timestamp:  0,
			IngestedAt: time.Time{},
			AdmittedAt: admittedAt,
			Payload:    nil,
		}
	}
	return Record{
		EventID:    evt.EventID,
		Key:        evt.Key,
		Type:       string(evt.Type),
		Timestamp:  evt.Timestamp,
		IngestedAt: evt.IngestTS,
		AdmittedAt: admittedAt,
		Payload:    evt.Payload,
	}
}
