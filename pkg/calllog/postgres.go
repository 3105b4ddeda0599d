// Package calllog implements the orchestrator's durable append-only
// CallLogSink on top of Postgres (spec.md §4.7), grounded on the original
// supabase_client.py's "calls"/"call_segments" tables and its
// backoff.on_exception retry wrapper around outbound writes.
package calllog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// DBTX is the minimal interface satisfied by both *pgxpool.Pool and *pgx.Conn,
// so tests can swap in a fake without dialing a real database.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// maxQueuedWrites bounds the in-memory retry queue so a prolonged database
// outage can't grow it without limit; the oldest queued write is dropped to
// make room (spec.md §4.7, "drop-oldest on overflow").
const maxQueuedWrites = 500

type pendingWrite struct {
	segment *orchestrator.TranscriptSegment
	record  *orchestrator.CallRecord
}

// PostgresSink is the production CallLogSink. Writes that fail (the database
// is briefly unreachable) are retried with exponential backoff on a
// background goroutine instead of blocking the Session's hot path.
type PostgresSink struct {
	db     DBTX
	logger orchestrator.Logger

	mu      sync.Mutex
	queue   []pendingWrite
	closing chan struct{}
	done    chan struct{}
}

func NewPostgresSink(pool *pgxpool.Pool, logger orchestrator.Logger) *PostgresSink {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	s := &PostgresSink{
		db:      pool,
		logger:  logger,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.drainLoop()
	return s
}

// AppendSegment inserts one transcript segment into call_segments. On
// failure it is queued for retry rather than returned as an error, since
// losing a single segment write must not abort the call (spec.md §4.7).
func (s *PostgresSink) AppendSegment(ctx context.Context, segment orchestrator.TranscriptSegment) error {
	if err := s.insertSegment(ctx, segment); err != nil {
		s.logger.Warn("calllog: segment insert failed, queuing for retry", "call_id", segment.CallID, "error", err)
		s.enqueue(pendingWrite{segment: &segment})
	}
	return nil
}

// UpsertCall inserts or updates a call's row in "calls" keyed by call_id.
func (s *PostgresSink) UpsertCall(ctx context.Context, record orchestrator.CallRecord) error {
	if err := s.upsertCall(ctx, record); err != nil {
		s.logger.Warn("calllog: call upsert failed, queuing for retry", "call_id", record.CallID, "error", err)
		s.enqueue(pendingWrite{record: &record})
	}
	return nil
}

func (s *PostgresSink) insertSegment(ctx context.Context, segment orchestrator.TranscriptSegment) error {
	const query = `
		INSERT INTO call_segments (call_id, sequence_number, speaker, text, timestamp_ms, asr_seconds, token_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.Exec(ctx, query,
		segment.CallID, segment.SequenceNumber, string(segment.Speaker), segment.Text,
		segment.TimestampMS, segment.ASRSeconds, segment.TokenCount)
	if err != nil {
		return fmt.Errorf("calllog: insert segment failed: %w", err)
	}
	return nil
}

func (s *PostgresSink) upsertCall(ctx context.Context, record orchestrator.CallRecord) error {
	const query = `
		INSERT INTO calls (call_id, direction, from_number, to_number, agent_id, started_at, ended_at, status, duration_secs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (call_id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			status = EXCLUDED.status,
			duration_secs = EXCLUDED.duration_secs`
	var endedAt *time.Time
	if !record.EndedAt.IsZero() {
		endedAt = &record.EndedAt
	}
	_, err := s.db.Exec(ctx, query,
		record.CallID, string(record.Direction), record.FromNumber, record.ToNumber, record.AgentID,
		record.StartedAt, endedAt, string(record.Status), record.DurationSecs)
	if err != nil {
		return fmt.Errorf("calllog: upsert call failed: %w", err)
	}
	return nil
}

func (s *PostgresSink) enqueue(w pendingWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= maxQueuedWrites {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		s.logger.Warn("calllog: retry queue full, dropping oldest write", "call_id", writeCallID(dropped))
	}
	s.queue = append(s.queue, w)
}

func writeCallID(w pendingWrite) string {
	if w.segment != nil {
		return w.segment.CallID
	}
	if w.record != nil {
		return w.record.CallID
	}
	return ""
}

// drainLoop periodically retries queued writes with exponential backoff
// until they succeed, mirroring backoff.on_exception(backoff.expo, ...).
func (s *PostgresSink) drainLoop() {
	defer close(s.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.closing:
			s.drainOnce(context.Background())
			return
		case <-ticker.C:
			s.drainOnce(context.Background())
		}
	}
}

func (s *PostgresSink) drainOnce(ctx context.Context) {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	var stillPending []pendingWrite
	for _, w := range queue {
		b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		err := backoff.Retry(func() error {
			if w.segment != nil {
				return s.insertSegment(ctx, *w.segment)
			}
			return s.upsertCall(ctx, *w.record)
		}, b)
		if err != nil {
			s.logger.Warn("calllog: retry exhausted, will retry again next cycle", "call_id", writeCallID(w), "error", err)
			stillPending = append(stillPending, w)
		}
	}

	if len(stillPending) > 0 {
		s.mu.Lock()
		s.queue = append(stillPending, s.queue...)
		s.mu.Unlock()
	}
}

// Close stops the retry loop after making one final drain attempt.
func (s *PostgresSink) Close() error {
	close(s.closing)
	<-s.done
	return nil
}

// EnsureSchema creates the calls/call_segments tables if they do not exist,
// for local development and tests; production deployments migrate these
// with a dedicated tool rather than at process startup.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	const callsTable = `
		CREATE TABLE IF NOT EXISTS calls (
			call_id TEXT PRIMARY KEY,
			direction TEXT NOT NULL,
			from_number TEXT NOT NULL,
			to_number TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			status TEXT NOT NULL,
			duration_secs DOUBLE PRECISION NOT NULL DEFAULT 0
		)`
	const segmentsTable = `
		CREATE TABLE IF NOT EXISTS call_segments (
			id SERIAL PRIMARY KEY,
			call_id TEXT NOT NULL REFERENCES calls(call_id),
			sequence_number INT NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp_ms BIGINT NOT NULL,
			asr_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			token_count INT NOT NULL DEFAULT 0
		)`
	if _, err := s.db.Exec(ctx, callsTable); err != nil {
		return fmt.Errorf("calllog: failed to create calls table: %w", err)
	}
	if _, err := s.db.Exec(ctx, segmentsTable); err != nil {
		return fmt.Errorf("calllog: failed to create call_segments table: %w", err)
	}
	return nil
}
