package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/goyaoxiang/lib-return-backend/internal/gateway"
)

// Outcome classifies what reconciliation decided for one scanned tag.
type Outcome string

const (
	// OutcomeAccepted: loan closed, item recorded, box may keep it.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeUnknownTag: tag not in the catalog; reject physically.
	OutcomeUnknownTag Outcome = "unknown_tag"
	// OutcomeNoActiveLoan: copy has no open loan; reject, no mutation.
	OutcomeNoActiveLoan Outcome = "no_active_loan"
	// OutcomeAlreadyClosed: a concurrent closer won the race. Benign;
	// the device sees it as no_active_loan.
	OutcomeAlreadyClosed Outcome = "already_closed"
	// OutcomeTransientError: infrastructure failure after bounded
	// retries; the box holds the item for a physical retry.
	OutcomeTransientError Outcome = "transient_error"
)

// Decision maps the outcome to the physical device instruction.
func (o Outcome) Decision() string {
	if o == OutcomeAccepted {
		return gateway.DecisionAccept
	}
	return gateway.DecisionReject
}

// ReasonCode is the wire-level reason sent with the decision.
func (o Outcome) ReasonCode() string {
	switch o {
	case OutcomeAccepted:
		return "ok"
	case OutcomeAlreadyClosed:
		// Indistinguishable from no_active_loan for the device.
		return "no_active_loan"
	case OutcomeTransientError:
		return "transient"
	default:
		return string(o)
	}
}

// TagResult is the per-tag reconciliation verdict.
type TagResult struct {
	Tag     string          `json:"tag"`
	Outcome Outcome         `json:"outcome"`
	LoanID  int64           `json:"loanId,omitempty"`
	Fine    decimal.Decimal `json:"fine"`
}

// SessionResult aggregates one finalized session.
type SessionResult struct {
	DeviceID  string          `json:"deviceId"`
	ReturnID  int64           `json:"returnId,omitempty"`
	ItemCount int             `json:"itemCount"`
	TotalFine decimal.Decimal `json:"totalFine"`
	Results   []TagResult     `json:"results"`
}
