package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/platform/db"
)

// Event is one mutating operation on a ledger entity.
type Event struct {
	EntityType  string
	EntityID    string
	Action      string
	PerformedBy string
	OldValues   any
	NewValues   any
	Metadata    map[string]any
	RecordedAt  time.Time
}

// Recorder is the write-only audit sink.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, ev Event) error

func (f RecorderFunc) Record(ctx context.Context, ev Event) error { return f(ctx, ev) }

// PGRecorder appends events to the tenant's audit_log table.
type PGRecorder struct {
	pool *pgxpool.Pool
}

func NewPGRecorder(pool *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{pool: pool}
}

func (r *PGRecorder) Record(ctx context.Context, ev Event) error {
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	oldJSON, err := marshalNullable(ev.OldValues)
	if err != nil {
		return fmt.Errorf("audit: encode old values: %w", err)
	}
	newJSON, err := marshalNullable(ev.NewValues)
	if err != nil {
		return fmt.Errorf("audit: encode new values: %w", err)
	}
	var metaJSON []byte
	if len(ev.Metadata) > 0 {
		if metaJSON, err = json.Marshal(ev.Metadata); err != nil {
			return fmt.Errorf("audit: encode metadata: %w", err)
		}
	}

	// Inside a transaction the insert runs in a savepoint so a failed audit
	// write cannot abort the caller's unit of work.
	err = db.Savepoint(ctx, r.pool, func(q db.Querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO audit_log (entity_type, entity_id, action, performed_by, old_values, new_values, metadata, recorded_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`,
			ev.EntityType, ev.EntityID, ev.Action, ev.PerformedBy, oldJSON, newJSON, metaJSON, ev.RecordedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// LogRecorder writes events as structured log lines. Used when no database
// sink is configured and as the fallback when the sink fails.
type LogRecorder struct {
	logger zerolog.Logger
}

func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(_ context.Context, ev Event) error {
	r.logger.Info().
		Str("type", "ledger_audit").
		Str("entity_type", ev.EntityType).
		Str("entity_id", ev.EntityID).
		Str("action", ev.Action).
		Str("performed_by", ev.PerformedBy).
		Interface("new_values", ev.NewValues).
		Interface("metadata", ev.Metadata).
		Msg("audit")
	return nil
}

// Emitter records events without ever failing the caller; sink errors are
// logged together with the event that was lost.
type Emitter struct {
	rec    Recorder
	logger zerolog.Logger
}

func NewEmitter(rec Recorder, logger zerolog.Logger) *Emitter {
	if rec == nil {
		rec = NewLogRecorder(logger)
	}
	return &Emitter{rec: rec, logger: logger}
}

func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil {
		return
	}
	if err := e.rec.Record(ctx, ev); err != nil {
		e.logger.Error().Err(err).
			Str("entity_type", ev.EntityType).
			Str("entity_id", ev.EntityID).
			Str("action", ev.Action).
			Msg("failed to record audit event")
	}
}
