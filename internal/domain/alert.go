package domain

import "time"

// Reason identifies which heuristic fired for a transaction.
type Reason string

// Reason codes, one per heuristic. Downstream consumers deduplicate on
// (userId, reason, transaction.id), so codes must be stable.
const (
	ReasonLargeAmount     Reason = "LargeAmount"
	ReasonRapidSuccession Reason = "RapidSuccession"
	ReasonLocationChange  Reason = "LocationChange"
)

// Alert is a derived fact emitted to the alerts topic when a heuristic fires.
// The originating transaction is embedded verbatim. DetectedAt is the instant
// of evaluation, not the transaction's own timestamp.
type Alert struct {
	UserID      string       `json:"userId"`
	Reason      Reason       `json:"reason"`
	Transaction *Transaction `json:"transaction"`
	DetectedAt  time.Time    `json:"timestamp"`
}

// NewAlert builds an alert for one verdict against one transaction.
func NewAlert(reason Reason, tx *Transaction, detectedAt time.Time) *Alert {
	return &Alert{
		UserID:      tx.UserID,
		Reason:      reason,
		Transaction: tx,
		DetectedAt:  detectedAt.UTC(),
	}
}
