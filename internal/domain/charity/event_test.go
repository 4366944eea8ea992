package charity

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDetail() *SalesOrderDetail {
	return &SalesOrderDetail{
		SalesOrder:        "4500001",
		CreationDate:      "/Date(1700000000000)/",
		SoldToParty:       "1000",
		TotalNetAmount:    decimal.RequireFromString("100.00"),
		SalesOrganization: "1010",
	}
}

func TestSalesOrderCreated_Decode(t *testing.T) {
	t.Run("extracts sales order", func(t *testing.T) {
		evt := NewSalesOrderCreated("1-0", []byte(`{"id":"abc","type":"sap.s4.beh.salesorder.v1.SalesOrder.Created.v1","data":{"SalesOrder":" 4500001 "}}`), time.Now())

		in, err := evt.Decode()
		require.NoError(t, err)
		assert.Equal(t, "4500001", in.Data.SalesOrder)
		assert.Equal(t, "1-0", evt.EventID())
		assert.Equal(t, EventTypeSalesOrderCreated, evt.EventType())
	})

	t.Run("missing data decodes to empty reference", func(t *testing.T) {
		evt := NewSalesOrderCreated("1-0", []byte(`{}`), time.Now())

		in, err := evt.Decode()
		require.NoError(t, err)
		assert.Empty(t, in.Data.SalesOrder)
	})

	t.Run("invalid json is malformed input", func(t *testing.T) {
		evt := NewSalesOrderCreated("1-0", []byte(`{"data":`), time.Now())

		_, err := evt.Decode()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMalformedInput))
	})
}

func TestNewCharityFundIncreased(t *testing.T) {
	evt, err := NewCharityFundIncreased(DefaultOutboundTopic, "/default/cap.brain/host-1", sampleDetail(), decimal.NewFromInt(42))
	require.NoError(t, err)

	assert.Equal(t, DefaultOutboundTopic, evt.Topic())
	assert.Equal(t, EventTypeCharityFundIncreased, evt.EventType())
	assert.Equal(t, "4500001", evt.AggregateID())
	assert.Equal(t, CharityPayload{
		SalesOrder:   "4500001",
		CustID:       "1000",
		CreationDate: "2023-11-14",
		Credits:      "42",
		SalesOrg:     "1010",
	}, evt.Payload)

	body, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.Equal(t,
		`{"source":"/default/cap.brain/host-1","payload":{"salesorder":"4500001","custid":"1000","creationdate":"2023-11-14","credits":"42","salesorg":"1010"}}`,
		string(body))
}

func TestNewCharityFundIncreased_Deterministic(t *testing.T) {
	first, err := NewCharityFundIncreased(DefaultOutboundTopic, "src", sampleDetail(), decimal.RequireFromString("42.50"))
	require.NoError(t, err)
	second, err := NewCharityFundIncreased(DefaultOutboundTopic, "src", sampleDetail(), decimal.RequireFromString("42.50"))
	require.NoError(t, err)

	firstBody, err := json.Marshal(first)
	require.NoError(t, err)
	secondBody, err := json.Marshal(second)
	require.NoError(t, err)

	assert.Equal(t, firstBody, secondBody)
	assert.Equal(t, first.EventID(), second.EventID())
	assert.Equal(t, "42.5", first.Payload.Credits)
}

func TestNewCharityFundIncreased_InvalidDate(t *testing.T) {
	detail := sampleDetail()
	detail.CreationDate = "/Date()/"

	_, err := NewCharityFundIncreased(DefaultOutboundTopic, "src", detail, decimal.NewFromInt(1))
	assert.True(t, errors.Is(err, ErrDetailUnavailable))
}

func TestSalesOrderDetail_Validate(t *testing.T) {
	require.NoError(t, sampleDetail().Validate())

	detail := sampleDetail()
	detail.SoldToParty = ""
	detail.SalesOrganization = ""

	err := detail.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDetailUnavailable))
	assert.Contains(t, err.Error(), "SoldToParty, SalesOrganization")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrStore))
	assert.True(t, IsRetryable(ErrPublish))
	assert.False(t, IsRetryable(ErrMalformedInput))
	assert.False(t, IsRetryable(ErrDetailUnavailable))
	assert.False(t, IsRetryable(ErrConversionUnavailable))
	assert.False(t, IsRetryable(nil))
}
