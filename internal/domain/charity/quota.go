package charity

import "context"

// DefaultQuotaLimit is the number of events admitted per sold-to party
const DefaultQuotaLimit = 10

// Admission is the decision of the quota gate for one key
type Admission struct {
	Allowed bool
	// Count is the number of admissions recorded for the key after this
	// decision
	Count int
	// Repeat is set when the sales order already held a slot; nothing was
	// recorded by this call
	Repeat bool
}

// QuotaGate admits at most a fixed number of sales orders per sold-to party.
// Admit is atomic per key across processes and idempotent per sales order:
// admitting an order that already holds a slot reports the earlier admission
// without consuming another. A failing store yields an error wrapping
// ErrStore and never an admission.
type QuotaGate interface {
	Admit(ctx context.Context, soldToParty, salesOrder string) (Admission, error)
}
