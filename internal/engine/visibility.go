package engine

import "stageline/internal/domain"

// IsVisible reports whether row should be shown given the rest of its ledger.
// Stage 1 always is. A later row is visible once its predecessor is Approved or
// while it is itself Pending or Approved; NotStarted lead rows stay hidden.
func IsVisible(row domain.StageTransaction, ledger []domain.StageTransaction) bool {
	if row.StageNumber <= domain.FirstStage {
		return true
	}
	if row.Status == domain.StagePending || row.Status == domain.StageApproved {
		return true
	}
	for _, other := range ledger {
		if other.InitiativeID == row.InitiativeID && other.StageNumber == row.StageNumber-1 {
			return other.Status == domain.StageApproved
		}
	}
	return false
}

// VisibleLedger filters a single initiative's ledger, keeping order.
func VisibleLedger(ledger []domain.StageTransaction) []domain.StageTransaction {
	out := make([]domain.StageTransaction, 0, len(ledger))
	for _, row := range ledger {
		if IsVisible(row, ledger) {
			out = append(out, row)
		}
	}
	return out
}
