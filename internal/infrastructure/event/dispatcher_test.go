package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erp/charityfund/internal/domain/charity"
	"github.com/erp/charityfund/internal/domain/shared"
	"github.com/erp/charityfund/internal/infrastructure/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func redisMessage(id string, values map[string]any) redis.XMessage {
	return redis.XMessage{ID: id, Values: values}
}

func salesOrderFactory(id string, body []byte, at time.Time) shared.DomainEvent {
	return charity.NewSalesOrderCreated(id, body, at)
}

// ctxCapturingHandler records the context and event it was called with
type ctxCapturingHandler struct {
	testHandler
	messageID string
}

func (h *ctxCapturingHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	h.messageID = logger.GetMessageID(ctx)
	return h.testHandler.Handle(ctx, event)
}

func TestDispatcher_Handle(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes the event built from the message", func(t *testing.T) {
		bus := NewInMemoryEventBus(zaptest.NewLogger(t))
		h := &ctxCapturingHandler{}
		bus.Subscribe(h, charity.EventTypeSalesOrderCreated)
		d := NewDispatcher(bus, salesOrderFactory, zaptest.NewLogger(t))

		err := d.Handle(ctx, Message{ID: "7-0", Topic: charity.DefaultInboundTopic, Body: []byte(`{"data":{"SalesOrder":"4500001"}}`), Deliveries: 1})
		require.NoError(t, err)

		require.Equal(t, 1, h.count())
		evt, ok := h.handled[0].(*charity.SalesOrderCreated)
		require.True(t, ok)
		assert.Equal(t, "7-0", evt.EventID())
		assert.JSONEq(t, `{"data":{"SalesOrder":"4500001"}}`, string(evt.Body))
		assert.Equal(t, "7-0", h.messageID)
	})

	t.Run("returns handler errors for redelivery", func(t *testing.T) {
		bus := NewInMemoryEventBus(zaptest.NewLogger(t))
		boom := errors.New("publish failed")
		bus.Subscribe(&testHandler{err: boom}, charity.EventTypeSalesOrderCreated)
		d := NewDispatcher(bus, salesOrderFactory, zaptest.NewLogger(t))

		err := d.Handle(ctx, Message{ID: "8-0", Topic: charity.DefaultInboundTopic, Body: []byte(`{}`)})
		assert.ErrorIs(t, err, boom)
	})
}
