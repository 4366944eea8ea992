package charity

import (
	"errors"

	"github.com/erp/charityfund/internal/domain/shared"
)

// Pipeline error taxonomy. Adapters wrap these sentinels with %w so callers
// classify failures with errors.Is.
var (
	ErrMalformedInput        = shared.NewDomainError("MALFORMED_INPUT", "inbound event is malformed")
	ErrDetailUnavailable     = shared.NewDomainError("DETAIL_UNAVAILABLE", "sales order detail unavailable")
	ErrOrderNotFound         = shared.NewDomainError("ORDER_NOT_FOUND", "sales order not found")
	ErrConversionUnavailable = shared.NewDomainError("CONVERSION_UNAVAILABLE", "amount conversion unavailable")
	ErrStore                 = shared.NewDomainError("STORE_ERROR", "quota store failure")
	ErrPublish               = shared.NewDomainError("PUBLISH_ERROR", "outbound event publish failure")
)

// IsRetryable reports whether err should be handed back to the transport for
// redelivery. Only store and publish failures qualify; every other abort is
// terminal for the message.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStore) || errors.Is(err, ErrPublish)
}
