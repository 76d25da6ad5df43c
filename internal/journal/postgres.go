package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists admitted events in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pgx pool against dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("journal store: dsn required")
	}
	pool, err := pgxpool.New(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("journal store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal store: ping: %w", err)
	}
	return pool, nil
}

const (
	recordInsertSQL = `
INSERT INTO admitted_events (
    event_id,
    event_key,
    event_type,
    event_timestamp,
    ingested_at,
    admitted_at,
    payload,
    created_at
)
VALUES (
    @event_id,
    @event_key,
    @event_type,
    @event_timestamp,
    @ingested_at,
    @admitted_at,
    @payload::jsonb,
    NOW()
)
ON CONFLICT (event_id) DO NOTHING;
`

	recordSelectBase = `
SELECT
    event_id,
    event_key,
    event_type,
    event_timestamp,
    ingested_at,
    admitted_at,
    payload
FROM admitted_events
`

	recordCountSQL = `SELECT COUNT(*) FROM admitted_events;`

	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// Query filters journal reads.
type Query struct {
	Key   string
	Type  string
	Limit int
}

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("journal store: nil pool")
	}
	return s.pool, nil
}

// Append persists one admitted event. Re-appending an event id already in the
// journal is a no-op, so retries after partial failures stay safe.
func (s *Store) Append(ctx context.Context, rec Record) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(rec.EventID) == "" {
		return fmt.Errorf("journal store: event id required")
	}
	if strings.TrimSpace(rec.Key) == "" {
		return fmt.Errorf("journal store: event key required")
	}
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return err
	}
	admittedAt := rec.AdmittedAt
	if admittedAt.IsZero() {
		admittedAt = time.Now().UTC()
	}
	ingestedAt := rec.IngestedAt
	if ingestedAt.IsZero() {
		ingestedAt = admittedAt
	}
	args := pgx.NamedArgs{
		"event_id":        strings.TrimSpace(rec.EventID),
		"event_key":       strings.TrimSpace(rec.Key),
		"event_type":      strings.TrimSpace(rec.Type),
		"event_timestamp": rec.Timestamp,
		"ingested_at":     ingestedAt,
		"admitted_at":     admittedAt,
		"payload":         payload,
	}
	if _, err := pool.Exec(ctx, recordInsertSQL, args); err != nil {
		return fmt.Errorf("journal store: insert record: %w", err)
	}
	return nil
}

// Recent retrieves journal records matching the supplied filters, newest
// first.
func (s *Store) Recent(ctx context.Context, query Query) ([]Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultRecentLimit, maxRecentLimit)

	builder := strings.Builder{}
	builder.WriteString(recordSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 3)
	argPos := 1

	if trimmed := strings.TrimSpace(query.Key); trimmed != "" {
		fmt.Fprintf(&builder, " AND event_key = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.Type); trimmed != "" {
		fmt.Fprintf(&builder, " AND event_type = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY admitted_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("journal store: list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			eventID      string
			eventKey     string
			eventType    string
			eventTS      int64
			ingestedAt   time.Time
			admittedAt   time.Time
			payloadBytes []byte
		)
		if err := rows.Scan(
			&eventID,
			&eventKey,
			&eventType,
			&eventTS,
			&ingestedAt,
			&admittedAt,
			&payloadBytes,
		); err != nil {
			return nil, fmt.Errorf("journal store: scan record: %w", err)
		}
		payload, err := decodePayload(payloadBytes)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{
			EventID:    eventID,
			Key:        eventKey,
			Type:       eventType,
			Timestamp:  eventTS,
			IngestedAt: ingestedAt,
			AdmittedAt: admittedAt,
			Payload:    payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate records: %w", err)
	}
	return records, nil
}

// Count reports how many admitted events the journal holds.
func (s *Store) Count(ctx context.Context) (int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, recordCountSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("journal store: count records: %w", err)
	}
	return count, nil
}

func encodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("journal store: encode payload: %w", err)
	}
	return data, nil
}

func decodePayload(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("journal store: decode payload: %w", err)
	}
	if len(payload) == 0 {
		return nil, nil
	}
	return payload, nil
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}
