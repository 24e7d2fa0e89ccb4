// Package ledger lets action steps consume an external record source at most
// once per backoff window, across retries and re-triggers of a workflow.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/automata/internal/expressions"
	"github.com/rendis/automata/internal/logging"
	"github.com/rendis/automata/internal/planner"
	"github.com/rendis/automata/internal/store"
	"github.com/rendis/automata/pkg/schema"
)

// NeverReprocess is the backoff sentinel meaning a record touched once is
// skipped forever.
const NeverReprocess = -1

const (
	defaultScanLimit = 1000
	defaultPageSize  = 100
)

// Store is the slice of the store the ledger needs.
type Store interface {
	GetProcessingRecord(ctx context.Context, tableName, recordID, definitionID string) (*store.ProcessingRecord, error)
	ClaimProcessingRecord(ctx context.Context, rec *store.ProcessingRecord, cutoff time.Time) (bool, error)
	CompleteProcessingRecord(ctx context.Context, tableName, recordID, definitionID string) error
	QueryRecords(ctx context.Context, q store.RecordQuery) ([]*store.Record, error)
}

// Config tunes a Ledger.
type Config struct {
	// ScanLimit caps the rows examined by one FindAndClaimUnprocessed call.
	ScanLimit int
	// PageSize is the number of rows fetched per store round trip.
	PageSize int
	Catalog  planner.Catalog
	Logger   *slog.Logger
}

// Ledger tracks per-record processing for workflow definitions.
type Ledger struct {
	store     Store
	catalog   planner.Catalog
	filters   *expressions.ExprEngine
	scanLimit int
	pageSize  int
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Ledger.
func New(s Store, cfg Config) *Ledger {
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = defaultScanLimit
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Catalog == nil {
		cfg.Catalog = planner.DefaultCatalog
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		store:     s,
		catalog:   cfg.Catalog,
		filters:   expressions.NewExprEngine(),
		scanLimit: cfg.ScanLimit,
		pageSize:  cfg.PageSize,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// CutoffTime returns now minus backoffHours. NeverReprocess (or any negative
// value) returns the Unix epoch.
func CutoffTime(now time.Time, backoffHours float64) time.Time {
	if backoffHours < 0 {
		return time.Unix(0, 0).UTC()
	}
	return now.Add(-time.Duration(backoffHours * float64(time.Hour))).UTC()
}

// CalculateCutoffTimestamp is CutoffTime relative to the wall clock, as RFC 3339.
func CalculateCutoffTimestamp(backoffHours float64) string {
	return CutoffTime(time.Now(), backoffHours).Format(time.RFC3339)
}

// IsProcessedAt reports whether a ledger entry processed at processedAt
// still blocks reprocessing under cutoff. Comparison is at millisecond
// precision, matching the stored column.
func IsProcessedAt(processedAt, cutoff time.Time) bool {
	return processedAt.UnixMilli() >= cutoff.UnixMilli()
}

// IsRecordProcessed reports whether the record has a ledger entry for the
// definition with processedAt >= cutoff. in_progress entries count.
func (l *Ledger) IsRecordProcessed(ctx context.Context, tableName, recordID, wfDefinitionID string, cutoff time.Time) (bool, error) {
	rec, err := l.store.GetProcessingRecord(ctx, tableName, recordID, wfDefinitionID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("lookup ledger entry: %w", err)
	}
	return IsProcessedAt(rec.ProcessedAt, cutoff), nil
}

// ClaimRequest selects the records a workflow wants to consume.
type ClaimRequest struct {
	Table          planner.Table
	Filters        map[string]any
	WfDefinitionID string
	WfExecutionID  string
	BackoffHours   float64
	// Where is an optional expr-lang predicate over the record fields.
	Where string
}

// FindAndClaimUnprocessed scans req.Table in creation order under req.Filters
// and claims the first record not processed within the backoff window. It
// returns nil when nothing is left, including when a concurrent claim won the
// race for the candidate.
func (l *Ledger) FindAndClaimUnprocessed(ctx context.Context, req ClaimRequest) (*store.Record, error) {
	if req.WfDefinitionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "wfDefinitionId is required to claim records")
	}
	plan, err := l.catalog.Plan(req.Table, req.Filters)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	if req.Where != "" {
		if err := l.filters.Check(req.Where); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid where expression: %s", err).WithCause(err)
		}
	}

	now := l.now()
	cutoff := CutoffTime(now, req.BackoffHours)
	log := logging.LogWith(ctx, l.logger).With(
		slog.String("table", string(req.Table)),
		slog.String("index", string(plan.Index.Key)),
	)

	q := store.RecordQuery{Table: string(req.Table), Index: string(plan.Index.Key), Limit: l.pageSize}
	for _, c := range plan.IndexableConditions {
		q.Equals = append(q.Equals, store.FieldEquals{Field: c.Field, Value: c.Value})
	}

	examined := 0
	for examined < l.scanLimit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := l.store.QueryRecords(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", req.Table, err)
		}
		for _, rec := range page {
			if examined >= l.scanLimit {
				break
			}
			examined++

			row := recordRow(rec)
			if !plan.Matches(row) {
				continue
			}
			if req.Where != "" {
				ok, err := expressions.EvaluateBool(ctx, l.filters, req.Where, row)
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeValidation, "where expression on record %s: %s", rec.ID, err).WithCause(err)
				}
				if !ok {
					continue
				}
			}

			processed, err := l.IsRecordProcessed(ctx, string(req.Table), rec.ID, req.WfDefinitionID, cutoff)
			if err != nil {
				return nil, err
			}
			if processed {
				continue
			}

			claimed, err := l.store.ClaimProcessingRecord(ctx, &store.ProcessingRecord{
				TableName:          string(req.Table),
				RecordID:           rec.ID,
				WfDefinitionID:     req.WfDefinitionID,
				WfExecutionID:      req.WfExecutionID,
				RecordCreationTime: rec.CreationTime,
				ProcessedAt:        now,
			}, cutoff)
			if err != nil {
				return nil, err
			}
			if !claimed {
				log.Debug("claim lost to a concurrent consumer", slog.String("record_id", rec.ID))
				return nil, nil
			}
			log.Debug("record claimed", slog.String("record_id", rec.ID), slog.Int("examined", examined))
			return rec, nil
		}
		if len(page) < q.Limit {
			return nil, nil
		}
		last := page[len(page)-1]
		q.After = &store.RecordCursor{CreationTime: last.CreationTime, ID: last.ID}
	}
	log.Info("scan limit reached without an unprocessed record", slog.Int("scan_limit", l.scanLimit))
	return nil, nil
}

// RecordProcessed marks a claimed record completed.
func (l *Ledger) RecordProcessed(ctx context.Context, tableName, recordID, wfDefinitionID string) error {
	if err := l.store.CompleteProcessingRecord(ctx, tableName, recordID, wfDefinitionID); err != nil {
		return fmt.Errorf("complete ledger entry: %w", err)
	}
	return nil
}

// recordRow is the view of a record seen by filters: its fields plus id and organizationId.
func recordRow(rec *store.Record) map[string]any {
	row := make(map[string]any, len(rec.Fields)+2)
	for k, v := range rec.Fields {
		row[k] = v
	}
	if _, ok := row["id"]; !ok {
		row["id"] = rec.ID
	}
	if _, ok := row["organizationId"]; !ok && rec.OrganizationID != "" {
		row["organizationId"] = rec.OrganizationID
	}
	return row
}
