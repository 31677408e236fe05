package rates

import (
	"context"
	"fmt"

	"github.com/tributary-ai/shipping-assistant/internal/types"
)

type rateKey struct {
	zone   int
	weight int
}

// StaticTable is an immutable in-memory rate table. Safe for concurrent reads.
type StaticTable struct {
	rows map[rateKey]types.RateRow
}

// NewStaticTable indexes rows by (zone, weight). Every row must validate and
// each pair may appear only once.
func NewStaticTable(rows []types.RateRow) (*StaticTable, error) {
	table := &StaticTable{rows: make(map[rateKey]types.RateRow, len(rows))}
	for _, row := range rows {
		if err := row.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rate row: %w", err)
		}
		key := rateKey{row.Zone, row.Weight}
		if _, dup := table.rows[key]; dup {
			return nil, fmt.Errorf("duplicate rate row for zone %d weight %d", row.Zone, row.Weight)
		}
		table.rows[key] = row
	}
	return table, nil
}

// NewDefaultTable builds a StaticTable over the generated schedule
func NewDefaultTable() *StaticTable {
	table, err := NewStaticTable(Schedule())
	if err != nil {
		panic(fmt.Sprintf("generated rate schedule is invalid: %v", err))
	}
	return table
}

// Lookup implements Repository
func (t *StaticTable) Lookup(ctx context.Context, zone int, weightLbs float64) (types.RateRow, bool, error) {
	weight := RoundWeight(weightLbs)
	if !InDomain(zone, weight) {
		return types.RateRow{}, false, nil
	}
	row, ok := t.rows[rateKey{zone, weight}]
	return row, ok, nil
}

// Len returns the number of rows in the table
func (t *StaticTable) Len() int {
	return len(t.rows)
}

// Close implements Repository
func (t *StaticTable) Close() error {
	return nil
}

var _ Repository = (*StaticTable)(nil)
