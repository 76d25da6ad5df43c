package unit

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/floodgate/internal/schema"
)

type journalBatch struct {
	Key   string            `json:"key"`
	Type  string            `json:"type"`
	Ticks []int64           `json:"ticks"`
	Meta  map[string]string `json:"meta,omitempty"`
	Blob  string            `json:"blob,omitempty"`
}

func makeBatchPayload() journalBatch {
	ticks := make([]int64, 0, 2048)
	for i := int64(0); i < 2048; i++ {
		ticks = append(ticks, i*i)
	}
	meta := make(map[string]string, 32)
	for i := 0; i < 32; i++ {
		meta[fmt.Sprintf("key_%03d", i)] = strings.Repeat("value", 6)
	}
	return journalBatch{
		Key:   "user-a",
		Type:  "QuoteUpdated",
		Ticks: ticks,
		Meta:  meta,
		Blob:  strings.Repeat("data", 4096),
	}
}

func batchPayloadJSON(tb testing.TB) []byte {
	tb.Helper()
	payload := makeBatchPayload()
	bytes, err := gojson.Marshal(payload)
	if err != nil {
		tb.Fatalf("marshal batch payload: %v", err)
	}
	return bytes
}

// The journal encodes payloads with go-json while external consumers read
// them with encoding/json; the two codecs must agree on the wire shape.
func TestEventCodecMarshalParity(t *testing.T) {
	event := schema.Event{
		EventID:   "evt-1",
		Key:       "user-a",
		Type:      schema.EventTypeOrderSubmitted,
		Timestamp: 7,
		IngestTS:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Payload: schema.OrderPayload{
			OrderID:  "ord-1",
			Side:     "buy",
			Price:    "100.25",
			Quantity: "0.5000",
		},
	}

	stdBytes, err := json.Marshal(event)
	require.NoError(t, err)

	fastBytes, err := gojson.Marshal(event)
	require.NoError(t, err)

	require.JSONEq(t, string(stdBytes), string(fastBytes))
}

func TestEventCodecUnmarshalParity(t *testing.T) {
	input := []byte(`{"event_id":"evt-2","key":"user-b","type":"TradeExecuted","timestamp":12,"ingest_ts":"2024-05-01T12:00:00Z","payload":{"trade_id":"trd-1","price":"99.80","quantity":"1.2500"}}`)

	var stdEvent schema.Event
	require.NoError(t, json.Unmarshal(input, &stdEvent))

	var fastEvent schema.Event
	require.NoError(t, gojson.Unmarshal(input, &fastEvent))

	require.Equal(t, stdEvent, fastEvent)
	require.Equal(t, "user-b", fastEvent.Key)
	require.EqualValues(t, 12, fastEvent.Timestamp)
}

func BenchmarkBatchMarshalGoJSON(b *testing.B) {
	payload := makeBatchPayload()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := gojson.Marshal(payload); err != nil {
			b.Fatalf("marshal failed: %v", err)
		}
	}
}

func BenchmarkBatchUnmarshalGoJSON(b *testing.B) {
	input := batchPayloadJSON(b)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var out journalBatch
		if err := gojson.Unmarshal(input, &out); err != nil {
			b.Fatalf("unmarshal failed: %v", err)
		}
	}
}
