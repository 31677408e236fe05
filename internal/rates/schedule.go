package rates

import (
	"math"

	"github.com/tributary-ai/shipping-assistant/internal/types"
)

// Express Saver base price and per-pound increment by zone
var zoneBase = map[int]struct{ base, perLb float64 }{
	2: {24.50, 0.90},
	3: {27.10, 1.15},
	4: {30.85, 1.40},
	5: {33.40, 1.65},
	6: {36.95, 1.90},
	7: {39.20, 2.15},
	8: {42.60, 2.40},
}

// Tier multipliers over the Express Saver price, in ServiceTiers order
var tierMultipliers = []float64{1.00, 1.18, 1.38, 1.90, 2.15, 2.75}

// Schedule generates the full rate table: one row per zone and whole pound
func Schedule() []types.RateRow {
	rows := make([]types.RateRow, 0, (types.MaxZone-types.MinZone+1)*types.MaxWeight)
	for zone := types.MinZone; zone <= types.MaxZone; zone++ {
		for weight := types.MinWeight; weight <= types.MaxWeight; weight++ {
			rows = append(rows, scheduleRow(zone, weight))
		}
	}
	return rows
}

func scheduleRow(zone, weight int) types.RateRow {
	zb := zoneBase[zone]
	saver := zb.base + zb.perLb*float64(weight-1)

	price := func(i int) float64 {
		return math.Round(saver*tierMultipliers[i]*100) / 100
	}

	return types.RateRow{
		Zone:              zone,
		Weight:            weight,
		ExpressSaver:      price(0),
		TwoDay:            price(1),
		TwoDayAM:          price(2),
		StandardOvernight: price(3),
		PriorityOvernight: price(4),
		FirstOvernight:    price(5),
	}
}
