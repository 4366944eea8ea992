package charity

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SalesOrderDetail holds the attributes resolved for an order. It is built
// per invocation and never persisted.
type SalesOrderDetail struct {
	SalesOrder        string          `json:"SalesOrder"`
	CreationDate      string          `json:"CreationDate"`
	SoldToParty       string          `json:"SoldToParty"`
	TotalNetAmount    decimal.Decimal `json:"TotalNetAmount"`
	SalesOrganization string          `json:"SalesOrganization"`
}

// Validate checks that every attribute the pipeline relies on is present
func (d *SalesOrderDetail) Validate() error {
	var missing []string
	if d.SalesOrder == "" {
		missing = append(missing, "SalesOrder")
	}
	if d.CreationDate == "" {
		missing = append(missing, "CreationDate")
	}
	if d.SoldToParty == "" {
		missing = append(missing, "SoldToParty")
	}
	if d.SalesOrganization == "" {
		missing = append(missing, "SalesOrganization")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrDetailUnavailable, strings.Join(missing, ", "))
	}
	return nil
}

// OrderDetailFetcher resolves sales order attributes from the order system.
// A missing order is reported as ErrOrderNotFound wrapped in
// ErrDetailUnavailable; transport failures wrap ErrDetailUnavailable only.
type OrderDetailFetcher interface {
	Fetch(ctx context.Context, salesOrder string) (*SalesOrderDetail, error)
}

// ConversionResult is the credit amount derived from a sales amount
type ConversionResult struct {
	Credits decimal.Decimal `json:"Credits"`
}

// AmountConverter derives credits from a sales amount. Failures wrap
// ErrConversionUnavailable.
type AmountConverter interface {
	Convert(ctx context.Context, amount decimal.Decimal) (*ConversionResult, error)
}

// EventEgress hands an outbound event to the transport. Implementations
// join the transaction carried by ctx. Failures wrap ErrPublish.
type EventEgress interface {
	Publish(ctx context.Context, event *CharityFundIncreased) error
}
