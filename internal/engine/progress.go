package engine

import "stageline/internal/domain"

// PercentComplete is approved rows over materialized rows. The denominator
// grows as rows are created, so the figure can drop after an approval.
func PercentComplete(ledger []domain.StageTransaction) int {
	if len(ledger) == 0 {
		return 0
	}
	return 100 * countApproved(ledger) / len(ledger)
}

// PlannedPercent is approved rows over the full eleven-stage plan.
func PlannedPercent(ledger []domain.StageTransaction) int {
	return 100 * countApproved(ledger) / domain.FinalStage
}

func ComputeProgress(initiativeID string, ledger []domain.StageTransaction) domain.Progress {
	return domain.Progress{
		InitiativeID:   initiativeID,
		Approved:       countApproved(ledger),
		Materialized:   len(ledger),
		Percent:        PercentComplete(ledger),
		PlannedPercent: PlannedPercent(ledger),
	}
}

func countApproved(ledger []domain.StageTransaction) int {
	n := 0
	for _, row := range ledger {
		if row.Status == domain.StageApproved {
			n++
		}
	}
	return n
}
