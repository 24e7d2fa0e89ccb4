package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/automata/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes every writer; the trigger guard and the
	// ledger claim rely on it.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

const definitionColumns = `id, organization_id, name, status, root_version_id, version_number, created_at, updated_at`

func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.Status == "" {
		def.Status = schema.DefinitionDraft
	}
	def.CreatedAt = timeOrNow(def.CreatedAt)
	def.UpdatedAt = timeOrNow(def.UpdatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if def.VersionNumber == 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version_number), 0) + 1 FROM workflow_definitions WHERE organization_id = ? AND name = ?`,
			def.OrganizationID, def.Name,
		).Scan(&def.VersionNumber); err != nil {
			return fmt.Errorf("next version number: %w", err)
		}
	}
	if def.RootVersionID == "" {
		var root sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT root_version_id FROM workflow_definitions WHERE organization_id = ? AND name = ? ORDER BY version_number ASC LIMIT 1`,
			def.OrganizationID, def.Name,
		).Scan(&root)
		switch {
		case err == sql.ErrNoRows:
			def.RootVersionID = def.ID
		case err != nil:
			return fmt.Errorf("lookup root version: %w", err)
		default:
			def.RootVersionID = root.String
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_definitions (`+definitionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.OrganizationID, def.Name, string(def.Status), nullStr(def.RootVersionID),
		def.VersionNumber, def.CreatedAt, def.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	if err := insertSteps(ctx, tx, def.ID, def.Steps); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	def, err := scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow definition", id)
	}
	if err != nil {
		return nil, err
	}
	if def.Steps, err = loadSteps(ctx, s.db, id); err != nil {
		return nil, err
	}
	return def, nil
}

func (s *LibSQLStore) GetActiveDefinition(ctx context.Context, organizationID, name string) (*schema.WorkflowDefinition, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM workflow_definitions WHERE organization_id = ? AND name = ? AND status = 'active'`,
		organizationID, name,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("active workflow definition", organizationID+"/"+name)
	}
	if err != nil {
		return nil, err
	}
	return s.GetDefinition(ctx, id)
}

// ReplaceSteps swaps the step list of a draft definition.
func (s *LibSQLStore) ReplaceSteps(ctx context.Context, definitionID string, steps []schema.StepDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM workflow_definitions WHERE id = ?`, definitionID).Scan(&status)
	if err == sql.ErrNoRows {
		return storeNotFound("workflow definition", definitionID)
	}
	if err != nil {
		return err
	}
	if schema.DefinitionStatus(status) != schema.DefinitionDraft {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow definition %q is %s; only drafts can be edited", definitionID, status)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_definitions WHERE wf_definition_id = ?`, definitionID); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	if err := insertSteps(ctx, tx, definitionID, steps); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_definitions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), definitionID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	var where []string
	var args []any

	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY organization_id, name, version_number DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Steps are loaded after the cursor is released: the pool holds one connection.
	for _, def := range defs {
		if def.Steps, err = loadSteps(ctx, s.db, def.ID); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

// PublishDefinition activates a draft and archives the previously active version
// of the same (organization, name) in one transaction.
func (s *LibSQLStore) PublishDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var orgID, name, status string
	err = tx.QueryRowContext(ctx,
		`SELECT organization_id, name, status FROM workflow_definitions WHERE id = ?`, id,
	).Scan(&orgID, &name, &status)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow definition", id)
	}
	if err != nil {
		return nil, err
	}

	switch schema.DefinitionStatus(status) {
	case schema.DefinitionActive:
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return s.GetDefinition(ctx, id)
	case schema.DefinitionArchived:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "workflow definition %q is archived", id)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_definitions SET status = 'archived', updated_at = ?
		 WHERE organization_id = ? AND name = ? AND status = 'active' AND id != ?`,
		now, orgID, name, id,
	); err != nil {
		return nil, fmt.Errorf("archive previous version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_definitions SET status = 'active', updated_at = ? WHERE id = ?`, now, id,
	); err != nil {
		return nil, fmt.Errorf("activate definition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit publish: %w", err)
	}
	return s.GetDefinition(ctx, id)
}

func (s *LibSQLStore) ArchiveDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_definitions SET status = 'archived', updated_at = ? WHERE id = ?`, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow definition", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	var status string
	var root sql.NullString
	if err := row.Scan(&def.ID, &def.OrganizationID, &def.Name, &status, &root,
		&def.VersionNumber, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	def.Status = schema.DefinitionStatus(status)
	def.RootVersionID = root.String
	return def, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func insertSteps(ctx context.Context, tx execer, definitionID string, steps []schema.StepDefinition) error {
	for i := range steps {
		st := &steps[i]
		if st.ID == "" {
			st.ID = uuid.New().String()
		}
		st.WfDefinitionID = definitionID
		cfg, err := json.Marshal(st.Config)
		if err != nil {
			return fmt.Errorf("marshal config of step %s: %w", st.StepSlug, err)
		}
		next, err := json.Marshal(st.NextSteps)
		if err != nil {
			return fmt.Errorf("marshal next steps of step %s: %w", st.StepSlug, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step_definitions (id, wf_definition_id, step_slug, name, step_type, step_order, config, next_steps)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, definitionID, st.StepSlug, nullStr(st.Name), string(st.StepType), st.Order, string(cfg), string(next),
		); err != nil {
			return fmt.Errorf("insert step %s: %w", st.StepSlug, err)
		}
	}
	return nil
}

func loadSteps(ctx context.Context, q querier, definitionID string) ([]schema.StepDefinition, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, wf_definition_id, step_slug, name, step_type, step_order, config, next_steps
		 FROM step_definitions WHERE wf_definition_id = ? ORDER BY step_order ASC`, definitionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []schema.StepDefinition
	for rows.Next() {
		var (
			st                  schema.StepDefinition
			name                sql.NullString
			stepType, cfg, next string
		)
		if err := rows.Scan(&st.ID, &st.WfDefinitionID, &st.StepSlug, &name, &stepType, &st.Order, &cfg, &next); err != nil {
			return nil, err
		}
		st.Name = name.String
		st.StepType = schema.StepType(stepType)
		if st.Config, err = schema.DecodeStepConfig(st.StepType, json.RawMessage(cfg)); err != nil {
			return nil, fmt.Errorf("decode config of step %s: %w", st.StepSlug, err)
		}
		if next != "" && next != "null" {
			if err := json.Unmarshal([]byte(next), &st.NextSteps); err != nil {
				return nil, fmt.Errorf("decode next steps of step %s: %w", st.StepSlug, err)
			}
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.AutomataError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unixMs(t time.Time) int64 { return t.UnixMilli() }

func fromUnixMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
