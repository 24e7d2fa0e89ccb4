package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// --- Schedules ---

const scheduleColumns = `wf_definition_id, organization_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) UpsertSchedule(ctx context.Context, sched *Schedule) error {
	sched.CreatedAt = timeOrNow(sched.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (wf_definition_id) DO UPDATE SET
		   cron_expression = excluded.cron_expression, enabled = excluded.enabled, next_run_at = excluded.next_run_at`,
		sched.WfDefinitionID, sched.OrganizationID, sched.CronExpression, boolInt(sched.Enabled),
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), nullStr(sched.LastRunStatus), sched.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, definitionID string) (*Schedule, error) {
	sched, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE wf_definition_id = ?`, definitionID))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", definitionID)
	}
	return sched, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, definitionID string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, definitionID)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE wf_definition_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", definitionID)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var args []any
	if filter.Enabled != nil {
		query += " WHERE enabled = ?"
		args = append(args, boolInt(*filter.Enabled))
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, definitionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE wf_definition_id = ?`, definitionID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", definitionID)
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	sc := &Schedule{}
	var enabled int
	var lastRun, nextRun sql.NullTime
	var lastStatus sql.NullString
	if err := row.Scan(&sc.WfDefinitionID, &sc.OrganizationID, &sc.CronExpression, &enabled,
		&lastRun, &nextRun, &lastStatus, &sc.CreatedAt); err != nil {
		return nil, err
	}
	sc.Enabled = enabled != 0
	sc.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		sc.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sc.NextRunAt = &nextRun.Time
	}
	return sc, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
