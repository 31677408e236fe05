// Package rates provides exact-match lookups over the (zone, weight) rate table.
package rates

import (
	"context"
	"errors"
	"math"

	"github.com/tributary-ai/shipping-assistant/internal/types"
)

// ErrRateStore wraps failures of the underlying rate store
var ErrRateStore = errors.New("rate store unavailable")

// Repository looks up the rate row for a zone and weight.
// found is false when the pair is outside the table domain.
type Repository interface {
	Lookup(ctx context.Context, zone int, weightLbs float64) (row types.RateRow, found bool, err error)
	Close() error
}

// RoundWeight converts a weight to the whole-pound table key, rounding half up
func RoundWeight(weightLbs float64) int {
	return int(math.Floor(weightLbs + 0.5))
}

// InDomain reports whether a zone and rounded weight can exist in the table
func InDomain(zone, weight int) bool {
	return zone >= types.MinZone && zone <= types.MaxZone &&
		weight >= types.MinWeight && weight <= types.MaxWeight
}
