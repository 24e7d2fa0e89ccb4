package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rendis/automata/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_slug, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepSlug), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events of an execution with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_slug, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepSlug, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepSlug, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepSlug = stepSlug.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// StepTrace is the per-step view reconstructed from the event log.
type StepTrace struct {
	StepSlug   string `json:"stepSlug"`
	Status     string `json:"status"` // running, completed, failed, retrying
	Visits     int    `json:"visits"`
	Retries    int    `json:"retries"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// ReplayEvents folds the event log of an execution into per-step traces, in
// first-visit order. A gap in the sequence is reported as a store error.
func ReplayEvents(events []*Event) ([]*StepTrace, error) {
	var order []string
	traces := make(map[string]*StepTrace)
	started := make(map[string]int)

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", e.ExecutionID, expected, e.Sequence)
		}
		if e.StepSlug == "" {
			continue
		}
		tr, ok := traces[e.StepSlug]
		if !ok {
			tr = &StepTrace{StepSlug: e.StepSlug}
			traces[e.StepSlug] = tr
			order = append(order, e.StepSlug)
		}

		switch e.Type {
		case schema.EventStepStarted:
			tr.Status = "running"
			tr.Visits++
			started[e.StepSlug] = i
		case schema.EventStepCompleted:
			tr.Status = "completed"
			if at, ok := started[e.StepSlug]; ok {
				tr.DurationMs += e.Timestamp.Sub(events[at].Timestamp).Milliseconds()
				delete(started, e.StepSlug)
			}
		case schema.EventStepFailed:
			tr.Status = "failed"
		case schema.EventStepRetrying:
			tr.Status = "retrying"
			tr.Retries++
		}
	}

	out := make([]*StepTrace, 0, len(order))
	for _, slug := range order {
		out = append(out, traces[slug])
	}
	return out, nil
}
