// Package planner picks the compound index that covers the longest equality
// prefix of a filter set. It is not a query planner: there are no statistics
// and no cost model beyond prefix length.
package planner

import (
	"fmt"
	"sort"
)

// Table names a record source with declared indexes.
type Table string

const (
	TableCustomers     Table = "customers"
	TableProducts      Table = "products"
	TableDocuments     Table = "documents"
	TableConversations Table = "conversations"
	TableProcessing    Table = "processing_records"
)

// IndexKey identifies a declared index. Indexes are chosen from the catalog by
// key, never by building a name at runtime.
type IndexKey string

const (
	IndexByOrganization       IndexKey = "by_organization"
	IndexByOrganizationStatus IndexKey = "by_organization_status"
	IndexByOrganizationEmail  IndexKey = "by_organization_email"
	IndexByOrganizationSKU    IndexKey = "by_organization_sku"
	IndexByOrganizationKind   IndexKey = "by_organization_kind"
	IndexByOrganizationOwner  IndexKey = "by_organization_owner"
	IndexByOrganizationChan   IndexKey = "by_organization_channel_status"
	IndexLedgerUnique         IndexKey = "by_table_record_definition"
	IndexLedgerDefinition     IndexKey = "by_definition_status"
)

// IndexDescriptor is a compound index: an ordered list of fields.
type IndexDescriptor struct {
	Key    IndexKey
	Fields []string
}

// Catalog maps each table to its declared indexes, in declaration order.
type Catalog map[Table][]IndexDescriptor

// DefaultCatalog is the static index declaration for the record sources the
// engine can iterate.
var DefaultCatalog = Catalog{
	TableCustomers: {
		{Key: IndexByOrganization, Fields: []string{"organizationId"}},
		{Key: IndexByOrganizationStatus, Fields: []string{"organizationId", "status"}},
		{Key: IndexByOrganizationEmail, Fields: []string{"organizationId", "email"}},
	},
	TableProducts: {
		{Key: IndexByOrganization, Fields: []string{"organizationId"}},
		{Key: IndexByOrganizationSKU, Fields: []string{"organizationId", "sku"}},
		{Key: IndexByOrganizationStatus, Fields: []string{"organizationId", "status"}},
	},
	TableDocuments: {
		{Key: IndexByOrganization, Fields: []string{"organizationId"}},
		{Key: IndexByOrganizationKind, Fields: []string{"organizationId", "kind", "status"}},
		{Key: IndexByOrganizationOwner, Fields: []string{"organizationId", "ownerId"}},
	},
	TableConversations: {
		{Key: IndexByOrganization, Fields: []string{"organizationId"}},
		{Key: IndexByOrganizationChan, Fields: []string{"organizationId", "channel", "status"}},
	},
	TableProcessing: {
		{Key: IndexLedgerUnique, Fields: []string{"tableName", "recordId", "wfDefinitionId"}},
		{Key: IndexLedgerDefinition, Fields: []string{"wfDefinitionId", "status"}},
	},
}

// Condition is one equality filter.
type Condition struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Plan is the chosen index and the split of the filter set.
type Plan struct {
	Index IndexDescriptor `json:"index"`
	// IndexValues holds the values of the matched prefix, in index order.
	IndexValues []any `json:"indexValues"`
	// IndexableConditions are served by the index prefix.
	IndexableConditions []Condition `json:"indexableConditions"`
	// PostFilterConditions must be applied in memory over fetched rows.
	PostFilterConditions []Condition `json:"postFilterConditions"`
}

// Covered returns the number of index fields matched.
func (p *Plan) Covered() int { return len(p.IndexableConditions) }

// Indexes returns the declared indexes of a table.
func (c Catalog) Indexes(table Table) ([]IndexDescriptor, error) {
	idx, ok := c[table]
	if !ok || len(idx) == 0 {
		return nil, fmt.Errorf("no indexes declared for table %q", table)
	}
	return idx, nil
}

// Lookup returns the descriptor with the given key on a table.
func (c Catalog) Lookup(table Table, key IndexKey) (IndexDescriptor, bool) {
	for _, d := range c[table] {
		if d.Key == key {
			return d, true
		}
	}
	return IndexDescriptor{}, false
}

// Plan selects the best index of table for filters.
func (c Catalog) Plan(table Table, filters map[string]any) (*Plan, error) {
	idx, err := c.Indexes(table)
	if err != nil {
		return nil, err
	}
	return Select(idx, filters), nil
}

// PrefixLength counts the leading index fields present in filters. The count
// stops at the first field the filter set does not supply.
func PrefixLength(index IndexDescriptor, filters map[string]any) int {
	n := 0
	for _, f := range index.Fields {
		if _, ok := filters[f]; !ok {
			break
		}
		n++
	}
	return n
}

// Select picks the index with the longest prefix match. Ties go to the index
// declared first. indexes must be non-empty.
func Select(indexes []IndexDescriptor, filters map[string]any) *Plan {
	best, bestLen := 0, -1
	for i, idx := range indexes {
		if n := PrefixLength(idx, filters); n > bestLen {
			best, bestLen = i, n
		}
	}
	chosen := indexes[best]

	plan := &Plan{
		Index:                chosen,
		IndexValues:          make([]any, 0, bestLen),
		IndexableConditions:  make([]Condition, 0, bestLen),
		PostFilterConditions: []Condition{},
	}
	covered := make(map[string]bool, bestLen)
	for _, f := range chosen.Fields[:bestLen] {
		covered[f] = true
		plan.IndexValues = append(plan.IndexValues, filters[f])
		plan.IndexableConditions = append(plan.IndexableConditions, Condition{Field: f, Value: filters[f]})
	}

	rest := make([]string, 0, len(filters))
	for f := range filters {
		if !covered[f] {
			rest = append(rest, f)
		}
	}
	sort.Strings(rest)
	for _, f := range rest {
		plan.PostFilterConditions = append(plan.PostFilterConditions, Condition{Field: f, Value: filters[f]})
	}
	return plan
}

// Matches reports whether a row satisfies every post-filter condition.
// Values are compared after numeric normalization so JSON-decoded numbers
// match Go integer literals.
func (p *Plan) Matches(row map[string]any) bool {
	for _, c := range p.PostFilterConditions {
		v, ok := row[c.Field]
		if !ok || !equal(v, c.Value) {
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	switch av := a.(type) {
	case string, bool, nil:
		return a == b
	default:
		return fmt.Sprint(av) == fmt.Sprint(b)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
