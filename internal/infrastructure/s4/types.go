package s4

import (
	"github.com/erp/charityfund/internal/domain/charity"
	"github.com/shopspring/decimal"
)

// selectFields are the A_SalesOrder properties the pipeline needs
const selectFields = "SalesOrder,CreationDate,SoldToParty,TotalNetAmount,SalesOrganization"

// salesOrderEnvelope is the OData v2 single-entity response: {"d": {...}}
type salesOrderEnvelope struct {
	D *salesOrderRecord `json:"d"`
}

// salesOrderRecord is the selected A_SalesOrder projection. TotalNetAmount
// is a pointer so an absent amount is told apart from zero.
type salesOrderRecord struct {
	SalesOrder        string           `json:"SalesOrder" validate:"required"`
	CreationDate      string           `json:"CreationDate" validate:"required"`
	SoldToParty       string           `json:"SoldToParty" validate:"required"`
	TotalNetAmount    *decimal.Decimal `json:"TotalNetAmount" validate:"required"`
	SalesOrganization string           `json:"SalesOrganization" validate:"required"`
}

func (r *salesOrderRecord) detail() *charity.SalesOrderDetail {
	return &charity.SalesOrderDetail{
		SalesOrder:        r.SalesOrder,
		CreationDate:      r.CreationDate,
		SoldToParty:       r.SoldToParty,
		TotalNetAmount:    *r.TotalNetAmount,
		SalesOrganization: r.SalesOrganization,
	}
}

// odataError is the OData v2 error body
type odataError struct {
	Error struct {
		Code    string `json:"code"`
		Message struct {
			Value string `json:"value"`
		} `json:"message"`
	} `json:"error"`
}
