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

// --- Processing ledger ---

func (s *LibSQLStore) GetProcessingRecord(ctx context.Context, tableName, recordID, definitionID string) (*ProcessingRecord, error) {
	r := &ProcessingRecord{}
	var execID sql.NullString
	var created, processed int64
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, table_name, record_id, wf_definition_id, wf_execution_id, record_creation_time, processed_at, status
		 FROM processing_records WHERE table_name = ? AND record_id = ? AND wf_definition_id = ?`,
		tableName, recordID, definitionID,
	).Scan(&r.ID, &r.TableName, &r.RecordID, &r.WfDefinitionID, &execID, &created, &processed, &status)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("processing record", tableName+"/"+recordID+"/"+definitionID)
	}
	if err != nil {
		return nil, err
	}
	r.WfExecutionID = execID.String
	r.RecordCreationTime = fromUnixMs(created)
	r.ProcessedAt = fromUnixMs(processed)
	r.Status = schema.ProcessingStatus(status)
	return r, nil
}

// ClaimProcessingRecord marks rec in_progress in a single conditional upsert.
// An existing entry is taken over only when its processed_at is older than
// cutoff. It reports false when another claim holds the record.
func (s *LibSQLStore) ClaimProcessingRecord(ctx context.Context, rec *ProcessingRecord, cutoff time.Time) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.ProcessedAt = timeOrNow(rec.ProcessedAt)
	rec.Status = schema.ProcessingInProgress

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_records (id, table_name, record_id, wf_definition_id, wf_execution_id, record_creation_time, processed_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'in_progress')
		 ON CONFLICT (table_name, record_id, wf_definition_id) DO UPDATE SET
		   processed_at = excluded.processed_at,
		   wf_execution_id = excluded.wf_execution_id,
		   status = 'in_progress'
		 WHERE processing_records.processed_at < ?`,
		rec.ID, rec.TableName, rec.RecordID, rec.WfDefinitionID, nullStr(rec.WfExecutionID),
		unixMs(rec.RecordCreationTime), unixMs(rec.ProcessedAt), unixMs(cutoff),
	)
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", rec.TableName, rec.RecordID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) CompleteProcessingRecord(ctx context.Context, tableName, recordID, definitionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_records SET status = 'completed', processed_at = ?
		 WHERE table_name = ? AND record_id = ? AND wf_definition_id = ?`,
		unixMs(time.Now()), tableName, recordID, definitionID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "processing record", tableName+"/"+recordID+"/"+definitionID)
}

// --- Record sources ---

func (s *LibSQLStore) UpsertRecord(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreationTime = timeOrNow(rec.CreationTime)
	if orgID, ok := rec.Fields["organizationId"].(string); ok && rec.OrganizationID == "" {
		rec.OrganizationID = orgID
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal record fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (table_name, id, organization_id, fields, creation_time) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (table_name, id) DO UPDATE SET organization_id = excluded.organization_id, fields = excluded.fields`,
		rec.Table, rec.ID, rec.OrganizationID, string(fields), unixMs(rec.CreationTime),
	)
	return err
}

// QueryRecords returns rows of q.Table matching every equality, ordered by
// creation time. organizationId is served by its column; other fields go
// through json_extract.
func (s *LibSQLStore) QueryRecords(ctx context.Context, q RecordQuery) ([]*Record, error) {
	where := []string{"table_name = ?"}
	args := []any{q.Table}

	for _, eq := range q.Equals {
		if eq.Field == "organizationId" {
			where = append(where, "organization_id = ?")
			args = append(args, eq.Value)
			continue
		}
		if strings.ContainsAny(eq.Field, `"\`) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid record field name %q", eq.Field)
		}
		where = append(where, "json_extract(fields, ?) = ?")
		args = append(args, `$."`+eq.Field+`"`, sqlValue(eq.Value))
	}
	if q.After != nil {
		ms := unixMs(q.After.CreationTime)
		where = append(where, "(creation_time > ? OR (creation_time = ? AND id > ?))")
		args = append(args, ms, ms, q.After.ID)
	}

	query := `SELECT table_name, id, organization_id, fields, creation_time FROM records WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY creation_time ASC, id ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r := &Record{}
		var fields string
		var created int64
		if err := rows.Scan(&r.Table, &r.ID, &r.OrganizationID, &fields, &created); err != nil {
			return nil, err
		}
		r.CreationTime = fromUnixMs(created)
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal record %s/%s: %w", r.Table, r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// sqlValue maps a filter value to what json_extract yields for the same JSON value.
func sqlValue(v any) any {
	switch t := v.(type) {
	case bool:
		if t {
			return 1
		}
		return 0
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	}
	return v
}
