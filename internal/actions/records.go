package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/automata/internal/ledger"
	"github.com/rendis/automata/internal/planner"
	"github.com/rendis/automata/internal/stepschema"
	"github.com/rendis/automata/internal/store"
)

// RecordLedger is the processing ledger as seen by the records actions.
type RecordLedger interface {
	FindAndClaimUnprocessed(ctx context.Context, req ledger.ClaimRequest) (*store.Record, error)
	RecordProcessed(ctx context.Context, tableName, recordID, wfDefinitionID string) error
}

// RecordActions returns the ledger-backed record processing actions.
func RecordActions(l RecordLedger) []Action {
	return []Action{
		&claimNextAction{ledger: l},
		&markProcessedAction{ledger: l},
	}
}

const claimNextInputSchema = `{
  "type": "object",
  "properties": {
    "table": {"type": "string", "minLength": 1},
    "filters": {"type": "object"},
    "where": {"type": "string"},
    "backoffHours": {"type": "number"}
  },
  "required": ["table"]
}`

var claimedRecordShape = stepschema.Object(map[string]*stepschema.Shape{
	"id":           stepschema.String(),
	"table":        stepschema.String(),
	"creationTime": stepschema.String(),
	"fields":       stepschema.Object(nil),
})

// --- records.claim_next ---

type claimNextAction struct {
	ledger RecordLedger
}

func (a *claimNextAction) Name() string { return "records.claim_next" }

func (a *claimNextAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Claim the next record of a table not yet processed by this workflow within the backoff window.",
		InputSchema: json.RawMessage(claimNextInputSchema),
		Output: stepschema.Object(map[string]*stepschema.Shape{
			"found":  stepschema.Boolean(),
			"record": stepschema.Null(claimedRecordShape),
		}),
	}
}

func (a *claimNextAction) Validate(params map[string]any) error {
	table := stringParam(params, "table", "")
	if table == "" {
		return validationErrorf(a.Name(), "missing required param 'table'")
	}
	if _, err := planner.DefaultCatalog.Indexes(planner.Table(table)); err != nil {
		return validationErrorf(a.Name(), "%v", err)
	}
	return nil
}

func (a *claimNextAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	p := input.Params
	if p == nil {
		p = map[string]any{}
	}
	if err := a.Validate(p); err != nil {
		return nil, err
	}
	filters := make(map[string]any)
	for k, v := range mapParam(p, "filters") {
		filters[k] = v
	}
	if _, scoped := filters["organizationId"]; !scoped && input.Execution.OrganizationID != "" {
		filters["organizationId"] = input.Execution.OrganizationID
	}

	rec, err := a.ledger.FindAndClaimUnprocessed(ctx, ledger.ClaimRequest{
		Table:          planner.Table(stringParam(p, "table", "")),
		Filters:        filters,
		Where:          stringParam(p, "where", ""),
		BackoffHours:   floatParam(p, "backoffHours", ledger.NeverReprocess),
		WfDefinitionID: input.Execution.WfDefinitionID,
		WfExecutionID:  input.Execution.ExecutionID,
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return marshalOutput(a.Name(), map[string]any{"found": false, "record": nil})
	}
	return marshalOutput(a.Name(), map[string]any{
		"found": true,
		"record": map[string]any{
			"id":           rec.ID,
			"table":        rec.Table,
			"creationTime": rec.CreationTime.UTC().Format(time.RFC3339Nano),
			"fields":       rec.Fields,
		},
	})
}

// --- records.mark_processed ---

type markProcessedAction struct {
	ledger RecordLedger
}

func (a *markProcessedAction) Name() string { return "records.mark_processed" }

func (a *markProcessedAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Mark a claimed record as completed for this workflow.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "table": {"type": "string", "minLength": 1},
    "recordId": {"type": "string", "minLength": 1}
  },
  "required": ["table", "recordId"]
}`),
		Output: stepschema.Object(map[string]*stepschema.Shape{
			"table":    stepschema.String(),
			"recordId": stepschema.String(),
			"status":   stepschema.String(),
		}),
	}
}

func (a *markProcessedAction) Validate(params map[string]any) error {
	if stringParam(params, "table", "") == "" || stringParam(params, "recordId", "") == "" {
		return validationErrorf(a.Name(), "requires 'table' and 'recordId'")
	}
	return nil
}

func (a *markProcessedAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	table := stringParam(input.Params, "table", "")
	recordID := stringParam(input.Params, "recordId", "")
	if err := a.ledger.RecordProcessed(ctx, table, recordID, input.Execution.WfDefinitionID); err != nil {
		return nil, err
	}
	return marshalOutput(a.Name(), map[string]any{
		"table":    table,
		"recordId": recordID,
		"status":   "completed",
	})
}
