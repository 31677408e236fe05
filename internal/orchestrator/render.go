package orchestrator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tributary-ai/shipping-assistant/internal/types"
)

// renderMessage builds the plain-text reply for a result. Rich formatting is
// left to the caller.
func renderMessage(outcome types.Outcome, s types.ShippingRequestState) string {
	switch outcome {
	case types.OutcomeBlocked:
		return s.BlockMessage
	case types.OutcomeClarification:
		return s.ClarificationMessage
	case types.OutcomeNoRates:
		return fmt.Sprintf("No rates found for zone %d and %s lbs. Rates are available for zones %d-%d and %d-%d lbs.",
			s.Zone, formatWeight(s.WeightLbs), types.MinZone, types.MaxZone, types.MinWeight, types.MaxWeight)
	case types.OutcomeReflection:
		var b strings.Builder
		if s.Reflection != nil {
			b.WriteString(*s.Reflection)
		}
		writeSupervisor(&b, s)
		return b.String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Shipping %s lbs from %s to %s (Zone %d):\n",
		formatWeight(s.WeightLbs), s.Origin, s.Destination, s.Zone)

	for i, rec := range s.Recommendations {
		fmt.Fprintf(&b, "\n%d. %s - $%.2f (%s)\n   %s", i+1, rec.ServiceName, rec.Price, rec.DeliveryWindow, rec.Explanation)
	}

	if ba := s.BudgetAnalysis; ba != nil {
		total := ba.WithinBudget + ba.OverBudget
		fmt.Fprintf(&b, "\n\n%d of %d options fit your $%.2f budget.", ba.WithinBudget, total, ba.Budget)
	}
	if s.WeightSource == types.WeightSourceDefault {
		fmt.Fprintf(&b, "\n\nNo weight was given, so %s lbs was assumed.", formatWeight(s.WeightLbs))
	}
	if s.Reflection != nil {
		fmt.Fprintf(&b, "\n\n%s", *s.Reflection)
	}
	writeSupervisor(&b, s)
	return b.String()
}

func writeSupervisor(b *strings.Builder, s types.ShippingRequestState) {
	if s.Supervisor == nil {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(b, "Supervisor review (%s): %s %s", s.Supervisor.ReviewedBy, s.Supervisor.Reasoning, s.Supervisor.FinalMessage)
}

func formatWeight(lbs float64) string {
	return strconv.FormatFloat(lbs, 'f', -1, 64)
}
