package event

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/erp/charityfund/internal/domain/charity"
	"github.com/erp/charityfund/internal/domain/shared"
	"github.com/erp/charityfund/internal/infrastructure/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// flakyRepo fails the first failures Save calls
type flakyRepo struct {
	shared.OutboxRepository
	failures atomic.Int64
	saves    atomic.Int64
}

func (r *flakyRepo) Save(ctx context.Context, entries ...*shared.OutboxEntry) error {
	r.saves.Add(1)
	if r.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return r.OutboxRepository.Save(ctx, entries...)
}

// passthroughTx runs fn without a transaction
type passthroughTx struct{}

func (passthroughTx) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func TestOutboxEgress_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("stores the serialized event with its topic", func(t *testing.T) {
		db := setupOutboxDB(t)
		repo := NewGormOutboxRepository(db)
		egress := NewOutboxEgress(repo, persistence.NewGormTxManager(db), DefaultOutboxEgressConfig(), zaptest.NewLogger(t))
		evt := newCharityEvent(t, "4500001")

		require.NoError(t, egress.Publish(ctx, evt))

		pending, err := repo.FindPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		want, err := json.Marshal(evt)
		require.NoError(t, err)
		assert.Equal(t, want, pending[0].Payload)
		assert.Equal(t, charity.DefaultOutboundTopic, pending[0].Topic)
		assert.Equal(t, evt.EventID(), pending[0].EventID)
		assert.Equal(t, charity.EventTypeCharityFundIncreased, pending[0].EventType)
		assert.Equal(t, shared.DefaultMaxRetries, pending[0].MaxRetries)
	})

	t.Run("joins the transaction carried by the context", func(t *testing.T) {
		db := setupOutboxDB(t)
		repo := NewGormOutboxRepository(db)
		tm := persistence.NewGormTxManager(db)
		egress := NewOutboxEgress(repo, tm, DefaultOutboxEgressConfig(), zaptest.NewLogger(t))

		rollback := errors.New("scope aborted")
		err := tm.Transaction(ctx, func(ctx context.Context) error {
			require.NoError(t, egress.Publish(ctx, newCharityEvent(t, "4500001")))
			return rollback
		})
		require.ErrorIs(t, err, rollback)

		pending, err := repo.FindPending(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("a failed write is not retried and wraps ErrPublish", func(t *testing.T) {
		db := setupOutboxDB(t)
		repo := &flakyRepo{OutboxRepository: NewGormOutboxRepository(db)}
		repo.failures.Store(1)
		egress := NewOutboxEgress(repo, passthroughTx{}, DefaultOutboxEgressConfig(), zaptest.NewLogger(t))

		err := egress.Publish(ctx, newCharityEvent(t, "4500001"))
		require.Error(t, err)
		assert.ErrorIs(t, err, charity.ErrPublish)
		assert.True(t, charity.IsRetryable(err))
		assert.Equal(t, int64(1), repo.saves.Load())
	})
}
