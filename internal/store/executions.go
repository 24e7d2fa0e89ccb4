package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/automata/pkg/schema"
)

// --- Executions ---

const executionColumns = `id, wf_definition_id, organization_id, status, trigger_type, variables, variables_storage_ref,
	waiting_for, current_step, output, error, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	return insertExecution(ctx, s.db, exec)
}

// CreateTriggeredExecution inserts exec and its accepted trigger log entry in
// one transaction. Neither row is written if either insert fails.
func (s *LibSQLStore) CreateTriggeredExecution(ctx context.Context, exec *Execution, log *TriggerLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertExecution(ctx, tx, exec); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	log.WfExecutionID = exec.ID
	if err := insertTriggerLog(ctx, tx, log); err != nil {
		return fmt.Errorf("insert trigger log: %w", err)
	}
	return tx.Commit()
}

func insertExecution(ctx context.Context, db execer, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionPending
	}
	exec.StartedAt = timeOrNow(exec.StartedAt)
	exec.UpdatedAt = timeOrNow(exec.UpdatedAt)

	waiting, err := marshalWaitingFor(exec.WaitingFor)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WfDefinitionID, exec.OrganizationID, string(exec.Status), string(exec.TriggerType),
		nullRaw(exec.Variables), nullStr(exec.VariablesStorageRef), waiting, nullStr(exec.CurrentStep),
		nullRaw(exec.Output), nullRaw(exec.Error), exec.StartedAt, nullTime(exec.CompletedAt), exec.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Variables != nil {
		sets = append(sets, "variables = ?")
		args = append(args, string(update.Variables))
	}
	if update.VariablesStorageRef != nil {
		sets = append(sets, "variables_storage_ref = ?")
		args = append(args, nullStr(*update.VariablesStorageRef))
	}
	if update.ClearWaitingFor {
		sets = append(sets, "waiting_for = NULL")
	} else if update.WaitingFor != nil {
		waiting, err := marshalWaitingFor(update.WaitingFor)
		if err != nil {
			return err
		}
		sets = append(sets, "waiting_for = ?")
		args = append(args, waiting)
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, nullStr(*update.CurrentStep))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WfDefinitionID != "" {
		where = append(where, "wf_definition_id = ?")
		args = append(args, filter.WfDefinitionID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// workflowScope matches rows of any version sharing the root of the given
// definition. Rows whose definition id is not in workflow_definitions still
// match on the id itself.
const workflowScope = `(wf_definition_id = ? OR wf_definition_id IN (
	SELECT v.id FROM workflow_definitions v
	JOIN workflow_definitions d ON v.root_version_id = d.root_version_id
	WHERE d.id = ?))`

// HasRunningExecution reports whether any version of the definition's workflow
// has a pending or running execution.
func (s *LibSQLStore) HasRunningExecution(ctx context.Context, definitionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM executions WHERE `+workflowScope+` AND status IN ('pending', 'running')`,
		definitionID, definitionID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	e := &Execution{}
	var (
		status, triggerType                     string
		variables, storageRef, waiting, current sql.NullString
		output, errJSON                         sql.NullString
		completedAt                             sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.WfDefinitionID, &e.OrganizationID, &status, &triggerType,
		&variables, &storageRef, &waiting, &current, &output, &errJSON,
		&e.StartedAt, &completedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.TriggerType = schema.TriggerType(triggerType)
	e.Variables = rawOrNil(variables)
	e.VariablesStorageRef = storageRef.String
	e.CurrentStep = current.String
	e.Output = rawOrNil(output)
	e.Error = rawOrNil(errJSON)
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if waiting.Valid && waiting.String != "" {
		e.WaitingFor = &WaitingFor{}
		if err := json.Unmarshal([]byte(waiting.String), e.WaitingFor); err != nil {
			return nil, fmt.Errorf("unmarshal waiting_for: %w", err)
		}
	}
	return e, nil
}

func marshalWaitingFor(w *WaitingFor) (any, error) {
	if w == nil {
		return nil, nil
	}
	v, err := nullJSON(w)
	if err != nil {
		return nil, fmt.Errorf("marshal waiting_for: %w", err)
	}
	return v, nil
}

// --- Trigger log ---

const triggerLogColumns = `id, organization_id, wf_definition_id, wf_execution_id, trigger_type, status,
	idempotency_key, reason, received_at`

// AppendTriggerLog appends an entry; seq preserves arrival order.
func (s *LibSQLStore) AppendTriggerLog(ctx context.Context, log *TriggerLog) error {
	return insertTriggerLog(ctx, s.db, log)
}

func insertTriggerLog(ctx context.Context, db execer, log *TriggerLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.ReceivedAt = timeOrNow(log.ReceivedAt)
	_, err := db.ExecContext(ctx,
		`INSERT INTO trigger_logs (`+triggerLogColumns+`, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM trigger_logs))`,
		log.ID, log.OrganizationID, log.WfDefinitionID, nullStr(log.WfExecutionID),
		string(log.TriggerType), string(log.Status), nullStr(log.IdempotencyKey), nullStr(log.Reason),
		log.ReceivedAt,
	)
	return err
}

// FindAcceptedTrigger returns the accepted entry carrying idempotencyKey for any
// version of the definition's workflow, or nil.
func (s *LibSQLStore) FindAcceptedTrigger(ctx context.Context, definitionID, idempotencyKey string) (*TriggerLog, error) {
	log, err := scanTriggerLog(s.db.QueryRowContext(ctx,
		`SELECT `+triggerLogColumns+` FROM trigger_logs
		 WHERE `+workflowScope+` AND idempotency_key = ? AND status = 'accepted'
		 ORDER BY seq ASC LIMIT 1`,
		definitionID, definitionID, idempotencyKey,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return log, err
}

// LastAcceptedTrigger returns the most recent accepted entry across the
// definition's workflow versions, optionally restricted to the given trigger
// types, or nil.
func (s *LibSQLStore) LastAcceptedTrigger(ctx context.Context, definitionID string, triggerTypes ...schema.TriggerType) (*TriggerLog, error) {
	query := `SELECT ` + triggerLogColumns + ` FROM trigger_logs WHERE ` + workflowScope + ` AND status = 'accepted'`
	args := []any{definitionID, definitionID}
	if len(triggerTypes) > 0 {
		marks := make([]string, len(triggerTypes))
		for i, tt := range triggerTypes {
			marks[i] = "?"
			args = append(args, string(tt))
		}
		query += " AND trigger_type IN (" + strings.Join(marks, ", ") + ")"
	}
	query += " ORDER BY seq DESC LIMIT 1"

	log, err := scanTriggerLog(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return log, err
}

func (s *LibSQLStore) ListTriggerLogs(ctx context.Context, filter TriggerLogFilter) ([]*TriggerLog, error) {
	var where []string
	var args []any

	if filter.WfDefinitionID != "" {
		where = append(where, "wf_definition_id = ?")
		args = append(args, filter.WfDefinitionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.IdempotencyKey != "" {
		where = append(where, "idempotency_key = ?")
		args = append(args, filter.IdempotencyKey)
	}

	query := `SELECT ` + triggerLogColumns + ` FROM trigger_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TriggerLog
	for rows.Next() {
		log, err := scanTriggerLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

func scanTriggerLog(row rowScanner) (*TriggerLog, error) {
	l := &TriggerLog{}
	var execID, key, reason sql.NullString
	var triggerType, status string
	if err := row.Scan(&l.ID, &l.OrganizationID, &l.WfDefinitionID, &execID, &triggerType, &status,
		&key, &reason, &l.ReceivedAt); err != nil {
		return nil, err
	}
	l.WfExecutionID = execID.String
	l.TriggerType = schema.TriggerType(triggerType)
	l.Status = schema.TriggerStatus(status)
	l.IdempotencyKey = key.String
	l.Reason = reason.String
	return l, nil
}
