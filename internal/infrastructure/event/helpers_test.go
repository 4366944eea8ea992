package event

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/erp/charityfund/internal/domain/charity"
	"github.com/erp/charityfund/internal/domain/shared"
	"github.com/erp/charityfund/internal/infrastructure/persistence/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupOutboxDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.OutboxEntryModel{}))
	return db
}

func newCharityEvent(t *testing.T, salesOrder string) *charity.CharityFundIncreased {
	t.Helper()
	evt, err := charity.NewCharityFundIncreased(charity.DefaultOutboundTopic, "/default/cap.brain/test",
		&charity.SalesOrderDetail{
			SalesOrder:        salesOrder,
			CreationDate:      "/Date(1700000000000)/",
			SoldToParty:       "1000",
			TotalNetAmount:    decimal.RequireFromString("100.00"),
			SalesOrganization: "1010",
		}, decimal.NewFromInt(42))
	require.NoError(t, err)
	return evt
}

// testEvent implements DomainEvent for bus tests
type testEvent struct {
	shared.BaseDomainEvent
}

func newTestEvent(id, eventType string) *testEvent {
	return &testEvent{BaseDomainEvent: shared.NewBaseDomainEvent(id, eventType, "Test", "agg-1", time.Now())}
}

// testHandler records handled events and returns err
type testHandler struct {
	eventTypes []string
	err        error
	panicWith  any

	mu      sync.Mutex
	handled []shared.DomainEvent
}

func (h *testHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	h.mu.Lock()
	h.handled = append(h.handled, event)
	h.mu.Unlock()
	if h.panicWith != nil {
		panic(h.panicWith)
	}
	return h.err
}

func (h *testHandler) EventTypes() []string {
	return h.eventTypes
}

func (h *testHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

// recordingPublisher captures relayed messages and fails while failures > 0
type recordingPublisher struct {
	mu       sync.Mutex
	failures int
	messages []Message
}

func (p *recordingPublisher) PublishMessage(ctx context.Context, topic string, body []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return "", errors.New("broker unavailable")
	}
	id := fmt.Sprintf("%d-0", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Body: body})
	return id, nil
}

func (p *recordingPublisher) published() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}
