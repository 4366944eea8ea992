package charity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/erp/charityfund/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event and aggregate type names
const (
	EventTypeSalesOrderCreated    = "SalesOrderCreated"
	EventTypeCharityFundIncreased = "CharityFundIncreased"
	AggregateTypeSalesOrder       = "SalesOrder"
)

// Default topic names
const (
	DefaultInboundTopic  = "salesorder/created"
	DefaultOutboundTopic = "Internal/Charityfund/Increased"
)

// eventNamespace scopes the deterministic ids of outbound events
var eventNamespace = uuid.MustParse("6f1c2a52-3f0e-4d5c-9a57-0c7f6a1b8e21")

// SalesOrderCreated is an inbound "sales order created" message as delivered
// by the transport. The body is kept raw and decoded by the pipeline, so a
// malformed body is reported as an outcome rather than a transport error.
type SalesOrderCreated struct {
	shared.BaseDomainEvent
	Body []byte
}

// NewSalesOrderCreated wraps a delivered message body
func NewSalesOrderCreated(messageID string, body []byte, receivedAt time.Time) *SalesOrderCreated {
	return &SalesOrderCreated{
		BaseDomainEvent: shared.NewBaseDomainEvent(messageID, EventTypeSalesOrderCreated, AggregateTypeSalesOrder, "", receivedAt),
		Body:            body,
	}
}

// InboundOrderEvent is the decoded body: { "data": { "SalesOrder": "..." } }.
// Additional CloudEvents attributes are ignored.
type InboundOrderEvent struct {
	Data OrderReference `json:"data" validate:"required"`
}

// OrderReference carries the id of the created sales order
type OrderReference struct {
	SalesOrder string `json:"SalesOrder" validate:"required"`
}

// Decode parses the message body. Structural validation is left to the
// caller; only unparseable JSON is rejected here.
func (e *SalesOrderCreated) Decode() (*InboundOrderEvent, error) {
	var in InboundOrderEvent
	if err := json.Unmarshal(e.Body, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	in.Data.SalesOrder = strings.TrimSpace(in.Data.SalesOrder)
	return &in, nil
}

// CharityPayload is the body of the outbound event's payload attribute
type CharityPayload struct {
	SalesOrder   string `json:"salesorder"`
	CustID       string `json:"custid"`
	CreationDate string `json:"creationdate"`
	Credits      string `json:"credits"`
	SalesOrg     string `json:"salesorg"`
}

// CharityFundIncreased is the outbound event. Only Source and Payload are
// serialized; the body is a pure function of its inputs.
type CharityFundIncreased struct {
	shared.BaseDomainEvent
	topic   string
	Source  string         `json:"source"`
	Payload CharityPayload `json:"payload"`
}

// Topic implements shared.RoutedEvent
func (e *CharityFundIncreased) Topic() string {
	return e.topic
}

// NewCharityFundIncreased assembles the outbound event from an enriched
// order. The event id is derived from the sales order so that republishing
// the same order yields the same id.
func NewCharityFundIncreased(topic, source string, detail *SalesOrderDetail, credits decimal.Decimal) (*CharityFundIncreased, error) {
	date, err := NormalizeCreationDate(detail.CreationDate)
	if err != nil {
		return nil, err
	}

	id := uuid.NewSHA1(eventNamespace, []byte(detail.SalesOrder)).String()
	return &CharityFundIncreased{
		BaseDomainEvent: shared.NewBaseDomainEvent(id, EventTypeCharityFundIncreased, AggregateTypeSalesOrder, detail.SalesOrder, time.Now()),
		topic:           topic,
		Source:          source,
		Payload: CharityPayload{
			SalesOrder:   detail.SalesOrder,
			CustID:       detail.SoldToParty,
			CreationDate: date,
			Credits:      credits.String(),
			SalesOrg:     detail.SalesOrganization,
		},
	}, nil
}

var (
	_ shared.DomainEvent = (*SalesOrderCreated)(nil)
	_ shared.RoutedEvent = (*CharityFundIncreased)(nil)
)
