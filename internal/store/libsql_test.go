package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/automata/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func sampleSteps() []schema.StepDefinition {
	return []schema.StepDefinition{
		{StepSlug: "start", StepType: schema.StepTypeTrigger, Order: 0,
			Config: schema.TriggerConfig{Type: schema.TriggerManual}, NextSteps: map[string]string{"default": "check"}},
		{StepSlug: "check", StepType: schema.StepTypeCondition, Order: 1,
			Config: schema.ConditionConfig{Expression: "steps.start.type == 'manual'"}},
	}
}

func seedDefinition(t *testing.T, s *LibSQLStore, org, name string) *schema.WorkflowDefinition {
	t.Helper()
	def := &schema.WorkflowDefinition{OrganizationID: org, Name: name, Steps: sampleSteps()}
	require.NoError(t, s.CreateDefinition(context.Background(), def))
	return def
}

func assertNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound), "want NOT_FOUND, got %v", err)
}

// --- Definitions ---

func TestCreateAndGetDefinition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s, "org-1", "onboarding")

	got, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DefinitionDraft, got.Status)
	assert.Equal(t, 1, got.VersionNumber)
	assert.Equal(t, def.ID, got.RootVersionID)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "start", got.Steps[0].StepSlug)
	assert.Equal(t, "check", got.Steps[0].Next("default"))
	assert.Equal(t, schema.TriggerConfig{Type: schema.TriggerManual}, got.Steps[0].Config)
	cond, err := schema.ConfigAs[schema.ConditionConfig](&got.Steps[1])
	require.NoError(t, err)
	assert.Equal(t, "steps.start.type == 'manual'", cond.Expression)
}

func TestGetDefinition_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDefinition(context.Background(), "missing")
	assertNotFound(t, err)
}

func TestCreateDefinition_VersionsShareRoot(t *testing.T) {
	s := newTestStore(t)
	v1 := seedDefinition(t, s, "org-1", "onboarding")
	v2 := seedDefinition(t, s, "org-1", "onboarding")
	other := seedDefinition(t, s, "org-2", "onboarding")

	assert.Equal(t, 2, v2.VersionNumber)
	assert.Equal(t, v1.ID, v2.RootVersionID)
	assert.Equal(t, 1, other.VersionNumber)
	assert.Equal(t, other.ID, other.RootVersionID)
}

func TestPublishDefinition_ArchivesPreviousActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v1 := seedDefinition(t, s, "org-1", "onboarding")
	v2 := seedDefinition(t, s, "org-1", "onboarding")
	otherOrg := seedDefinition(t, s, "org-2", "onboarding")

	_, err := s.PublishDefinition(ctx, v1.ID)
	require.NoError(t, err)
	_, err = s.PublishDefinition(ctx, otherOrg.ID)
	require.NoError(t, err)

	published, err := s.PublishDefinition(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DefinitionActive, published.Status)

	old, err := s.GetDefinition(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DefinitionArchived, old.Status)

	active := schema.DefinitionActive
	defs, err := s.ListDefinitions(ctx, DefinitionFilter{Status: &active})
	require.NoError(t, err)
	perKey := map[string]int{}
	for _, d := range defs {
		perKey[d.OrganizationID+"/"+d.Name]++
	}
	assert.Equal(t, map[string]int{"org-1/onboarding": 1, "org-2/onboarding": 1}, perKey)

	got, err := s.GetActiveDefinition(ctx, "org-1", "onboarding")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, got.ID)
	assert.Len(t, got.Steps, 2)

	// Archived versions cannot be re-published.
	_, err = s.PublishDefinition(ctx, v1.ID)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestReplaceSteps_DraftOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s, "org-1", "onboarding")

	steps := sampleSteps()[:1]
	steps[0].NextSteps = nil
	require.NoError(t, s.ReplaceSteps(ctx, def.ID, steps))
	got, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Len(t, got.Steps, 1)

	_, err = s.PublishDefinition(ctx, def.ID)
	require.NoError(t, err)
	err = s.ReplaceSteps(ctx, def.ID, sampleSteps())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	assertNotFound(t, s.ReplaceSteps(ctx, "missing", nil))
}

func TestArchiveDefinition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s, "org-1", "onboarding")
	require.NoError(t, s.ArchiveDefinition(ctx, def.ID))
	got, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DefinitionArchived, got.Status)
	assertNotFound(t, s.ArchiveDefinition(ctx, "missing"))
}

// --- Executions ---

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s, "org-1", "onboarding")

	exec := &Execution{WfDefinitionID: def.ID, OrganizationID: "org-1", TriggerType: schema.TriggerManual,
		Variables: json.RawMessage(`{"steps":{}}`)}
	require.NoError(t, s.CreateExecution(ctx, exec))
	require.NotEmpty(t, exec.ID)

	running, err := s.HasRunningExecution(ctx, def.ID)
	require.NoError(t, err)
	assert.True(t, running, "pending counts as in flight")

	waiting := schema.ExecutionWaiting
	step := "check"
	require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{
		Status:      &waiting,
		CurrentStep: &step,
		WaitingFor:  &WaitingFor{StepSlug: "check", Kind: "human_input", Prompt: "ok?", RequestedAt: time.Now().UTC()},
	}))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionWaiting, got.Status)
	assert.Equal(t, "check", got.CurrentStep)
	require.NotNil(t, got.WaitingFor)
	assert.Equal(t, "human_input", got.WaitingFor.Kind)

	running, err = s.HasRunningExecution(ctx, def.ID)
	require.NoError(t, err)
	assert.False(t, running, "waiting does not block new triggers")

	done := schema.ExecutionCompleted
	now := time.Now().UTC()
	ref := "blob-1"
	require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{
		Status:              &done,
		ClearWaitingFor:     true,
		VariablesStorageRef: &ref,
		Output:              json.RawMessage(`{"ok":true}`),
		CompletedAt:         &now,
	}))
	got, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, got.WaitingFor)
	assert.Equal(t, "blob-1", got.VariablesStorageRef)
	assert.JSONEq(t, `{"ok":true}`, string(got.Output))
	require.NotNil(t, got.CompletedAt)

	cleared := ""
	require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{VariablesStorageRef: &cleared}))
	got, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.VariablesStorageRef)

	assertNotFound(t, s.UpdateExecution(ctx, "missing", ExecutionUpdate{Status: &done}))
	_, err = s.GetExecution(ctx, "missing")
	assertNotFound(t, err)
}

func TestListExecutions_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s, "org-1", "onboarding")

	for _, st := range []schema.ExecutionStatus{schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCompleted} {
		require.NoError(t, s.CreateExecution(ctx, &Execution{WfDefinitionID: def.ID, OrganizationID: "org-1",
			TriggerType: schema.TriggerAPI, Status: st}))
	}
	all, err := s.ListExecutions(ctx, ExecutionFilter{WfDefinitionID: def.ID})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	failed, err := s.ListExecutions(ctx, ExecutionFilter{WfDefinitionID: def.ID, Statuses: []schema.ExecutionStatus{schema.ExecutionFailed}})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

// --- Trigger log ---

func TestTriggerLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []*TriggerLog{
		{OrganizationID: "o", WfDefinitionID: "d", TriggerType: schema.TriggerAPI, Status: schema.TriggerAccepted, IdempotencyKey: "k1"},
		{OrganizationID: "o", WfDefinitionID: "d", TriggerType: schema.TriggerAPI, Status: schema.TriggerDuplicate, IdempotencyKey: "k1"},
		{OrganizationID: "o", WfDefinitionID: "d", TriggerType: schema.TriggerSchedule, Status: schema.TriggerAccepted},
		{OrganizationID: "o", WfDefinitionID: "d", TriggerType: schema.TriggerWebhook, Status: schema.TriggerRateLimited},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendTriggerLog(ctx, e))
	}

	found, err := s.FindAcceptedTrigger(ctx, "d", "k1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, entries[0].ID, found.ID)

	none, err := s.FindAcceptedTrigger(ctx, "d", "k2")
	require.NoError(t, err)
	assert.Nil(t, none)

	last, err := s.LastAcceptedTrigger(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, entries[2].ID, last.ID)

	lastAPI, err := s.LastAcceptedTrigger(ctx, "d", schema.TriggerAPI)
	require.NoError(t, err)
	assert.Equal(t, entries[0].ID, lastAPI.ID)

	all, err := s.ListTriggerLogs(ctx, TriggerLogFilter{WfDefinitionID: "d"})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := range entries {
		assert.Equal(t, entries[i].ID, all[i].ID, "arrival order")
	}
}

func TestTriggerLookupsSpanWorkflowVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v1 := seedDefinition(t, s, "org-1", "billing")
	_, err := s.PublishDefinition(ctx, v1.ID)
	require.NoError(t, err)

	exec := &Execution{WfDefinitionID: v1.ID, OrganizationID: "org-1", TriggerType: schema.TriggerWebhook}
	require.NoError(t, s.CreateTriggeredExecution(ctx, exec, &TriggerLog{OrganizationID: "org-1", WfDefinitionID: v1.ID,
		TriggerType: schema.TriggerWebhook, Status: schema.TriggerAccepted, IdempotencyKey: "evt-1"}))

	v2 := seedDefinition(t, s, "org-1", "billing")
	require.Equal(t, v1.ID, v2.RootVersionID)
	_, err = s.PublishDefinition(ctx, v2.ID)
	require.NoError(t, err)
	other := seedDefinition(t, s, "org-1", "payroll")

	running, err := s.HasRunningExecution(ctx, v2.ID)
	require.NoError(t, err)
	assert.True(t, running)
	running, err = s.HasRunningExecution(ctx, other.ID)
	require.NoError(t, err)
	assert.False(t, running)

	found, err := s.FindAcceptedTrigger(ctx, v2.ID, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, exec.ID, found.WfExecutionID)
	none, err := s.FindAcceptedTrigger(ctx, other.ID, "evt-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	last, err := s.LastAcceptedTrigger(ctx, v2.ID, schema.TriggerWebhook)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, v1.ID, last.WfDefinitionID)
}

func TestCreateTriggeredExecution_RollsBackOnLogFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s, "org-1", "onboarding")

	taken := &TriggerLog{OrganizationID: "org-1", WfDefinitionID: def.ID, TriggerType: schema.TriggerAPI, Status: schema.TriggerRejected}
	require.NoError(t, s.AppendTriggerLog(ctx, taken))

	exec := &Execution{WfDefinitionID: def.ID, OrganizationID: "org-1", TriggerType: schema.TriggerAPI}
	err := s.CreateTriggeredExecution(ctx, exec, &TriggerLog{ID: taken.ID, OrganizationID: "org-1", WfDefinitionID: def.ID,
		TriggerType: schema.TriggerAPI, Status: schema.TriggerAccepted})
	require.Error(t, err)

	_, err = s.GetExecution(ctx, exec.ID)
	assertNotFound(t, err)
	running, err := s.HasRunningExecution(ctx, def.ID)
	require.NoError(t, err)
	assert.False(t, running)
}

// --- Processing ledger ---

func TestClaimProcessingRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	cutoff := now.Add(-24 * time.Hour)

	rec := &ProcessingRecord{TableName: "customers", RecordID: "c1", WfDefinitionID: "d", RecordCreationTime: now}
	ok, err := s.ClaimProcessingRecord(ctx, rec, cutoff)
	require.NoError(t, err)
	assert.True(t, ok)

	// A fresh entry blocks a second claim.
	ok, err = s.ClaimProcessingRecord(ctx, &ProcessingRecord{TableName: "customers", RecordID: "c1", WfDefinitionID: "d"}, cutoff)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different definition has its own ledger.
	ok, err = s.ClaimProcessingRecord(ctx, &ProcessingRecord{TableName: "customers", RecordID: "c1", WfDefinitionID: "other"}, cutoff)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.CompleteProcessingRecord(ctx, "customers", "c1", "d"))
	got, err := s.GetProcessingRecord(ctx, "customers", "c1", "d")
	require.NoError(t, err)
	assert.Equal(t, schema.ProcessingCompleted, got.Status)

	// Once the cutoff moves past processed_at the record may be claimed again.
	ok, err = s.ClaimProcessingRecord(ctx, &ProcessingRecord{TableName: "customers", RecordID: "c1", WfDefinitionID: "d"}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = s.GetProcessingRecord(ctx, "customers", "c1", "d")
	require.NoError(t, err)
	assert.Equal(t, schema.ProcessingInProgress, got.Status)

	// The epoch cutoff never reclaims.
	ok, err = s.ClaimProcessingRecord(ctx, &ProcessingRecord{TableName: "customers", RecordID: "c1", WfDefinitionID: "d"}, time.Unix(0, 0))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetProcessingRecord(ctx, "customers", "nope", "d")
	assertNotFound(t, err)
	assertNotFound(t, s.CompleteProcessingRecord(ctx, "customers", "nope", "d"))
}

// --- Records ---

func TestQueryRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	rows := []*Record{
		{Table: "customers", ID: "a", Fields: map[string]any{"organizationId": "o1", "status": "lead", "vip": true}, CreationTime: base},
		{Table: "customers", ID: "b", Fields: map[string]any{"organizationId": "o1", "status": "active", "tier": 2}, CreationTime: base.Add(time.Minute)},
		{Table: "customers", ID: "c", Fields: map[string]any{"organizationId": "o2", "status": "lead"}, CreationTime: base.Add(2 * time.Minute)},
		{Table: "products", ID: "p", Fields: map[string]any{"organizationId": "o1"}, CreationTime: base},
	}
	for _, r := range rows {
		require.NoError(t, s.UpsertRecord(ctx, r))
	}

	got, err := s.QueryRecords(ctx, RecordQuery{Table: "customers", Equals: []FieldEquals{{Field: "organizationId", Value: "o1"}}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	got, err = s.QueryRecords(ctx, RecordQuery{Table: "customers", Equals: []FieldEquals{{Field: "status", Value: "lead"}}})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.QueryRecords(ctx, RecordQuery{Table: "customers", Equals: []FieldEquals{{Field: "vip", Value: true}}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	got, err = s.QueryRecords(ctx, RecordQuery{Table: "customers", Equals: []FieldEquals{{Field: "tier", Value: 2}}})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.QueryRecords(ctx, RecordQuery{Table: "customers",
		After: &RecordCursor{CreationTime: base, ID: "a"}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	_, err = s.QueryRecords(ctx, RecordQuery{Table: "customers", Equals: []FieldEquals{{Field: `x"y`, Value: 1}}})
	require.Error(t, err)
}

// --- Blobs ---

func TestBlobStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	blobs := NewLibSQLBlobStore(s, "https://blobs.example.com")

	ref, err := blobs.Store(ctx, []byte(`{"big":true}`))
	require.NoError(t, err)

	data, err := blobs.Get(ctx, ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"big":true}`, string(data))

	url, err := blobs.GetURL(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "https://blobs.example.com/"+ref, url)

	require.NoError(t, blobs.Delete(ctx, ref))
	_, err = blobs.Get(ctx, ref)
	assertNotFound(t, err)
	_, err = blobs.GetURL(ctx, ref)
	assertNotFound(t, err)
	assertNotFound(t, blobs.Delete(ctx, ref))
}

// --- Schedules ---

func TestSchedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	next := time.Now().UTC().Add(time.Minute).Truncate(time.Second)

	require.NoError(t, s.UpsertSchedule(ctx, &Schedule{WfDefinitionID: "d", OrganizationID: "o",
		CronExpression: "*/5 * * * *", Enabled: true, NextRunAt: &next}))

	got, err := s.GetSchedule(ctx, "d")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, next.Equal(*got.NextRunAt))

	disabled := false
	require.NoError(t, s.UpdateSchedule(ctx, "d", ScheduleUpdate{Enabled: &disabled, LastRunStatus: "accepted"}))
	enabled := true
	list, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.DeleteSchedule(ctx, "d"))
	_, err = s.GetSchedule(ctx, "d")
	assertNotFound(t, err)
}

// --- Events ---

func TestEventsAndReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	events := []*Event{
		{ExecutionID: "e", Type: schema.EventExecutionStarted, Timestamp: t0},
		{ExecutionID: "e", StepSlug: "a", Type: schema.EventStepStarted, Timestamp: t0},
		{ExecutionID: "e", StepSlug: "a", Type: schema.EventStepRetrying, Timestamp: t0.Add(5 * time.Millisecond)},
		{ExecutionID: "e", StepSlug: "a", Type: schema.EventStepCompleted, Timestamp: t0.Add(20 * time.Millisecond)},
		{ExecutionID: "e", StepSlug: "b", Type: schema.EventStepStarted, Timestamp: t0.Add(30 * time.Millisecond)},
		{ExecutionID: "e", StepSlug: "b", Type: schema.EventStepFailed, Timestamp: t0.Add(40 * time.Millisecond)},
	}
	for _, e := range events {
		require.NoError(t, s.AppendEvent(ctx, e))
	}
	assert.Equal(t, int64(6), events[5].Sequence)

	got, err := s.GetEvents(ctx, "e", 0)
	require.NoError(t, err)
	require.Len(t, got, 6)

	traces, err := ReplayEvents(got)
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, "a", traces[0].StepSlug)
	assert.Equal(t, "completed", traces[0].Status)
	assert.Equal(t, 1, traces[0].Retries)
	assert.Equal(t, "failed", traces[1].Status)

	tail, err := s.GetEvents(ctx, "e", 4)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestReplayEvents_SequenceGap(t *testing.T) {
	_, err := ReplayEvents([]*Event{{ExecutionID: "e", Sequence: 1}, {ExecutionID: "e", Sequence: 3}})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

// --- Migrations ---

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(`
-- leading comment; with a semicolon
CREATE TABLE a (x INTEGER); -- trailing
CREATE TABLE b (y TEXT DEFAULT '{}');
`)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE TABLE b")
}
