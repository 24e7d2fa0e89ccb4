package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/automata/internal/logging"
	"github.com/rendis/automata/internal/planner"
	"github.com/rendis/automata/internal/store"
)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedCustomers inserts customers c1..cN one second apart.
func seedCustomers(t *testing.T, s *store.LibSQLStore, org string, statuses ...string) {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range statuses {
		require.NoError(t, s.UpsertRecord(context.Background(), &store.Record{
			Table: string(planner.TableCustomers),
			ID:    "c" + string(rune('1'+i)),
			Fields: map[string]any{
				"organizationId": org,
				"status":         status,
				"score":          i * 10,
			},
			CreationTime: base.Add(time.Duration(i) * time.Second),
		}))
	}
}

func newTestLedger(s Store, cfg Config) *Ledger {
	cfg.Logger = logging.Discard()
	return New(s, cfg)
}

func TestCutoffTime(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Unix(0, 0).UTC(), CutoffTime(now, NeverReprocess))
	assert.Equal(t, now.Add(-24*time.Hour), CutoffTime(now, 24))
	assert.Equal(t, now.Add(-90*time.Minute), CutoffTime(now, 1.5))
	assert.Equal(t, now, CutoffTime(now, 0))
}

func TestCalculateCutoffTimestamp(t *testing.T) {
	assert.Equal(t, "1970-01-01T00:00:00Z", CalculateCutoffTimestamp(NeverReprocess))

	got, err := time.Parse(time.RFC3339, CalculateCutoffTimestamp(24))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), got, 2*time.Second)
}

func TestIsRecordProcessed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	l := newTestLedger(s, Config{})

	cutoff := time.Now().Add(-time.Hour)
	processed, err := l.IsRecordProcessed(ctx, "customers", "c1", "wf-1", cutoff)
	require.NoError(t, err)
	assert.False(t, processed, "no entry")

	ok, err := s.ClaimProcessingRecord(ctx, &store.ProcessingRecord{
		TableName: "customers", RecordID: "c1", WfDefinitionID: "wf-1", ProcessedAt: time.Now(),
	}, cutoff)
	require.NoError(t, err)
	require.True(t, ok)

	processed, err = l.IsRecordProcessed(ctx, "customers", "c1", "wf-1", cutoff)
	require.NoError(t, err)
	assert.True(t, processed, "in_progress entry inside the window counts")

	processed, err = l.IsRecordProcessed(ctx, "customers", "c1", "wf-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, processed, "entry older than cutoff")

	processed, err = l.IsRecordProcessed(ctx, "customers", "c1", "wf-2", cutoff)
	require.NoError(t, err)
	assert.False(t, processed, "ledger is per definition")

	processed, err = l.IsRecordProcessed(ctx, "customers", "c1", "wf-1", CutoffTime(time.Now(), NeverReprocess))
	require.NoError(t, err)
	assert.True(t, processed, "epoch cutoff never reprocesses")
}

func TestIsProcessedAt_Boundary(t *testing.T) {
	cutoff := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, IsProcessedAt(cutoff, cutoff))
	assert.True(t, IsProcessedAt(cutoff.Add(time.Millisecond), cutoff))
	assert.False(t, IsProcessedAt(cutoff.Add(-time.Millisecond), cutoff))
}

func TestFindAndClaimUnprocessed_CreationOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedCustomers(t, s, "org-1", "active", "inactive", "active")
	require.NoError(t, s.UpsertRecord(ctx, &store.Record{
		Table:  string(planner.TableCustomers),
		ID:     "other-org",
		Fields: map[string]any{"organizationId": "org-2", "status": "active"},
	}))
	l := newTestLedger(s, Config{})

	req := ClaimRequest{
		Table:          planner.TableCustomers,
		Filters:        map[string]any{"organizationId": "org-1", "status": "active"},
		WfDefinitionID: "wf-1",
		WfExecutionID:  "exec-1",
		BackoffHours:   24,
	}

	rec, err := l.FindAndClaimUnprocessed(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "c1", rec.ID)

	rec, err = l.FindAndClaimUnprocessed(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "c3", rec.ID)

	rec, err = l.FindAndClaimUnprocessed(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, rec, "batch exhausted")

	entry, err := s.GetProcessingRecord(ctx, "customers", "c1", "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", entry.WfExecutionID)
	assert.Equal(t, "in_progress", string(entry.Status))
}

func TestFindAndClaimUnprocessed_PostFilterAndWhere(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedCustomers(t, s, "org-1", "active", "active", "active")
	l := newTestLedger(s, Config{})

	rec, err := l.FindAndClaimUnprocessed(ctx, ClaimRequest{
		Table:          planner.TableCustomers,
		Filters:        map[string]any{"organizationId": "org-1", "score": 20},
		WfDefinitionID: "wf-1",
		BackoffHours:   NeverReprocess,
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "c3", rec.ID)

	rec, err = l.FindAndClaimUnprocessed(ctx, ClaimRequest{
		Table:          planner.TableCustomers,
		Filters:        map[string]any{"organizationId": "org-1"},
		Where:          `score >= 10 && status == "active"`,
		WfDefinitionID: "wf-1",
		BackoffHours:   NeverReprocess,
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "c2", rec.ID)

	_, err = l.FindAndClaimUnprocessed(ctx, ClaimRequest{
		Table:          planner.TableCustomers,
		Where:          "score >=",
		WfDefinitionID: "wf-1",
	})
	assert.Error(t, err)
}

func TestFindAndClaimUnprocessed_BackoffWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedCustomers(t, s, "org-1", "active")
	l := newTestLedger(s, Config{})

	req := ClaimRequest{
		Table:          planner.TableCustomers,
		Filters:        map[string]any{"organizationId": "org-1"},
		WfDefinitionID: "wf-1",
		BackoffHours:   24,
	}
	rec, err := l.FindAndClaimUnprocessed(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NoError(t, l.RecordProcessed(ctx, "customers", rec.ID, "wf-1"))

	l.now = func() time.Time { return time.Now().Add(12 * time.Hour) }
	rec, err = l.FindAndClaimUnprocessed(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, rec, "still inside the window")

	l.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	rec, err = l.FindAndClaimUnprocessed(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, rec, "window elapsed")
	assert.Equal(t, "c1", rec.ID)

	req.BackoffHours = NeverReprocess
	l.now = func() time.Time { return time.Now().Add(24 * 365 * time.Hour) }
	rec, err = l.FindAndClaimUnprocessed(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, rec, "never reprocess")
}

func TestFindAndClaimUnprocessed_Paging(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedCustomers(t, s, "org-1", "a", "b", "c", "d", "e")
	l := newTestLedger(s, Config{PageSize: 2})

	req := ClaimRequest{
		Table:          planner.TableCustomers,
		Filters:        map[string]any{"organizationId": "org-1"},
		WfDefinitionID: "wf-1",
		BackoffHours:   NeverReprocess,
	}
	var got []string
	for {
		rec, err := l.FindAndClaimUnprocessed(ctx, req)
		require.NoError(t, err)
		if rec == nil {
			break
		}
		got = append(got, rec.ID)
	}
	assert.Equal(t, []string{"c1", "c2", "c3", "c4", "c5"}, got)
}

func TestFindAndClaimUnprocessed_ScanLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedCustomers(t, s, "org-1", "a", "b", "c")
	l := newTestLedger(s, Config{ScanLimit: 2, PageSize: 1})

	req := ClaimRequest{
		Table:          planner.TableCustomers,
		Filters:        map[string]any{"organizationId": "org-1", "score": 20},
		WfDefinitionID: "wf-1",
	}
	rec, err := l.FindAndClaimUnprocessed(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, rec, "c3 lies beyond the scan limit")

	l.scanLimit = 3
	rec, err = l.FindAndClaimUnprocessed(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "c3", rec.ID)
}

// losingStore reports every claim as taken by someone else.
type losingStore struct {
	Store
}

func (losingStore) ClaimProcessingRecord(context.Context, *store.ProcessingRecord, time.Time) (bool, error) {
	return false, nil
}

func TestFindAndClaimUnprocessed_LostRaceIsNotAnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedCustomers(t, s, "org-1", "active")
	l := newTestLedger(losingStore{Store: s}, Config{})

	rec, err := l.FindAndClaimUnprocessed(ctx, ClaimRequest{
		Table:          planner.TableCustomers,
		WfDefinitionID: "wf-1",
	})
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

// recordingStore keeps every record query it serves.
type recordingStore struct {
	Store
	mu      sync.Mutex
	queries []store.RecordQuery
}

func (r *recordingStore) QueryRecords(ctx context.Context, q store.RecordQuery) ([]*store.Record, error) {
	r.mu.Lock()
	r.queries = append(r.queries, q)
	r.mu.Unlock()
	return r.Store.QueryRecords(ctx, q)
}

func TestFindAndClaimUnprocessed_PassesChosenIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedCustomers(t, s, "org-1", "inactive", "active")
	rs := &recordingStore{Store: s}
	l := newTestLedger(rs, Config{})

	rec, err := l.FindAndClaimUnprocessed(ctx, ClaimRequest{
		Table:          planner.TableCustomers,
		Filters:        map[string]any{"organizationId": "org-1", "status": "active"},
		WfDefinitionID: "wf-1",
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "c2", rec.ID)

	require.NotEmpty(t, rs.queries)
	q := rs.queries[0]
	assert.Equal(t, string(planner.IndexByOrganizationStatus), q.Index)
	assert.Equal(t, []store.FieldEquals{
		{Field: "organizationId", Value: "org-1"},
		{Field: "status", Value: "active"},
	}, q.Equals)
}

func TestFindAndClaimUnprocessed_ConcurrentClaimersNeverShare(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedCustomers(t, s, "org-1", "a", "b", "c", "d")
	l := newTestLedger(s, Config{})

	req := ClaimRequest{
		Table:          planner.TableCustomers,
		Filters:        map[string]any{"organizationId": "org-1"},
		WfDefinitionID: "wf-1",
		BackoffHours:   NeverReprocess,
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		claimed = map[string]int{}
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := l.FindAndClaimUnprocessed(ctx, req)
			assert.NoError(t, err)
			if rec != nil {
				mu.Lock()
				claimed[rec.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for id, n := range claimed {
		assert.Equal(t, 1, n, "record %s claimed more than once", id)
	}
	assert.LessOrEqual(t, len(claimed), 4)
	assert.NotEmpty(t, claimed)
}

func TestFindAndClaimUnprocessed_Validation(t *testing.T) {
	l := newTestLedger(newTestStore(t), Config{})
	_, err := l.FindAndClaimUnprocessed(context.Background(), ClaimRequest{Table: planner.TableCustomers})
	assert.Error(t, err, "definition id required")

	_, err = l.FindAndClaimUnprocessed(context.Background(), ClaimRequest{Table: "invoices", WfDefinitionID: "wf-1"})
	assert.Error(t, err, "table without declared indexes")
}

func TestRecordProcessed_Missing(t *testing.T) {
	l := newTestLedger(newTestStore(t), Config{})
	err := l.RecordProcessed(context.Background(), "customers", "nope", "wf-1")
	assert.Error(t, err)
}
