package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erp/charityfund/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeOutboxRepo is an in-memory OutboxRepository for service tests
type fakeOutboxRepo struct {
	entries   map[uuid.UUID]*shared.OutboxEntry
	countErr  error
	updateErr error
}

func newFakeOutboxRepo() *fakeOutboxRepo {
	return &fakeOutboxRepo{entries: make(map[uuid.UUID]*shared.OutboxEntry)}
}

func (r *fakeOutboxRepo) add(status shared.OutboxStatus) *shared.OutboxEntry {
	now := time.Now()
	entry := &shared.OutboxEntry{
		ID:            uuid.New(),
		EventID:       uuid.NewString(),
		EventType:     "CharityFundIncreased",
		Topic:         "Internal/Charityfund/Increased",
		AggregateID:   "4500001",
		AggregateType: "SalesOrder",
		Payload:       []byte(`{}`),
		Status:        status,
		MaxRetries:    5,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if status == shared.OutboxStatusDead {
		entry.RetryCount = 5
		entry.LastError = "broker unavailable"
	}
	r.entries[entry.ID] = entry
	return entry
}

func (r *fakeOutboxRepo) Save(ctx context.Context, entries ...*shared.OutboxEntry) error {
	for _, e := range entries {
		r.entries[e.ID] = e
	}
	return nil
}

func (r *fakeOutboxRepo) FindPending(ctx context.Context, limit int) ([]*shared.OutboxEntry, error) {
	return nil, nil
}

func (r *fakeOutboxRepo) FindRetryable(ctx context.Context, before time.Time, limit int) ([]*shared.OutboxEntry, error) {
	return nil, nil
}

func (r *fakeOutboxRepo) FindDead(ctx context.Context, page, pageSize int) ([]*shared.OutboxEntry, int64, error) {
	var result []*shared.OutboxEntry
	for _, e := range r.entries {
		if e.Status == shared.OutboxStatusDead {
			result = append(result, e)
		}
	}
	total := int64(len(result))

	start := (page - 1) * pageSize
	if start >= len(result) {
		return nil, total, nil
	}
	end := min(start+pageSize, len(result))
	return result[start:end], total, nil
}

func (r *fakeOutboxRepo) FindByID(ctx context.Context, id uuid.UUID) (*shared.OutboxEntry, error) {
	if e, ok := r.entries[id]; ok {
		return e, nil
	}
	return nil, shared.ErrNotFound
}

func (r *fakeOutboxRepo) MarkProcessing(ctx context.Context, ids []uuid.UUID) ([]*shared.OutboxEntry, error) {
	return nil, nil
}

func (r *fakeOutboxRepo) Update(ctx context.Context, entry *shared.OutboxEntry) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.entries[entry.ID] = entry
	return nil
}

func (r *fakeOutboxRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeOutboxRepo) CountByStatus(ctx context.Context) (map[shared.OutboxStatus]int64, error) {
	if r.countErr != nil {
		return nil, r.countErr
	}
	counts := make(map[shared.OutboxStatus]int64)
	for _, e := range r.entries {
		counts[e.Status]++
	}
	return counts, nil
}

func TestOutboxService_GetDeadLetterEntries(t *testing.T) {
	repo := newFakeOutboxRepo()
	service := NewOutboxService(repo, zap.NewNop())

	for i := 0; i < 5; i++ {
		repo.add(shared.OutboxStatusDead)
	}
	repo.add(shared.OutboxStatusPending)

	t.Run("first page", func(t *testing.T) {
		result, err := service.GetDeadLetterEntries(context.Background(), OutboxFilter{Page: 1, PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(5), result.Total)
		assert.Len(t, result.Entries, 2)
		assert.Equal(t, 3, result.TotalPages)
		for _, entry := range result.Entries {
			assert.Equal(t, "DEAD", entry.Status)
			assert.Equal(t, "Internal/Charityfund/Increased", entry.Topic)
		}
	})

	t.Run("defaults and clamps paging", func(t *testing.T) {
		result, err := service.GetDeadLetterEntries(context.Background(), OutboxFilter{PageSize: 1000})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Page)
		assert.Equal(t, 100, result.PageSize)
		assert.Len(t, result.Entries, 5)
	})
}

func TestOutboxService_GetEntry(t *testing.T) {
	repo := newFakeOutboxRepo()
	service := NewOutboxService(repo, zap.NewNop())
	entry := repo.add(shared.OutboxStatusSent)

	dto, err := service.GetEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.EventID, dto.EventID)
	assert.Equal(t, "4500001", dto.AggregateID)

	_, err = service.GetEntry(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, shared.ErrNotFound))
}

func TestOutboxService_RetryDeadEntry(t *testing.T) {
	t.Run("resets dead entry", func(t *testing.T) {
		repo := newFakeOutboxRepo()
		service := NewOutboxService(repo, zap.NewNop())
		dead := repo.add(shared.OutboxStatusDead)

		result, err := service.RetryDeadEntry(context.Background(), dead.ID)
		require.NoError(t, err)
		assert.Equal(t, "PENDING", result.Status)
		assert.Equal(t, 0, result.RetryCount)
		assert.Empty(t, result.LastError)
		assert.Equal(t, shared.OutboxStatusPending, repo.entries[dead.ID].Status)
	})

	t.Run("not found", func(t *testing.T) {
		service := NewOutboxService(newFakeOutboxRepo(), zap.NewNop())

		_, err := service.RetryDeadEntry(context.Background(), uuid.New())
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("entry is not dead", func(t *testing.T) {
		repo := newFakeOutboxRepo()
		service := NewOutboxService(repo, zap.NewNop())
		pending := repo.add(shared.OutboxStatusPending)

		_, err := service.RetryDeadEntry(context.Background(), pending.ID)
		assert.ErrorIs(t, err, shared.ErrInvalidState)
	})

	t.Run("update failure", func(t *testing.T) {
		repo := newFakeOutboxRepo()
		repo.updateErr = errors.New("connection reset")
		service := NewOutboxService(repo, zap.NewNop())
		dead := repo.add(shared.OutboxStatusDead)

		_, err := service.RetryDeadEntry(context.Background(), dead.ID)
		require.Error(t, err)
		assert.NotErrorIs(t, err, shared.ErrNotFound)
	})
}

func TestOutboxService_GetStats(t *testing.T) {
	repo := newFakeOutboxRepo()
	service := NewOutboxService(repo, zap.NewNop())

	for _, status := range []shared.OutboxStatus{
		shared.OutboxStatusPending,
		shared.OutboxStatusPending,
		shared.OutboxStatusProcessing,
		shared.OutboxStatusSent,
		shared.OutboxStatusSent,
		shared.OutboxStatusSent,
		shared.OutboxStatusFailed,
		shared.OutboxStatusDead,
	} {
		repo.add(status)
	}

	stats, err := service.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)
	assert.Equal(t, int64(1), stats.Processing)
	assert.Equal(t, int64(3), stats.Sent)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Dead)
	assert.Equal(t, int64(8), stats.Total)

	repo.countErr = errors.New("db down")
	_, err = service.GetStats(context.Background())
	assert.Error(t, err)
}

func TestOutboxService_RetryAllDeadEntries(t *testing.T) {
	repo := newFakeOutboxRepo()
	service := NewOutboxService(repo, zap.NewNop())

	for i := 0; i < 3; i++ {
		repo.add(shared.OutboxStatusDead)
	}
	pending := repo.add(shared.OutboxStatusPending)

	count, err := service.RetryAllDeadEntries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	for id, entry := range repo.entries {
		if id != pending.ID {
			assert.Equal(t, shared.OutboxStatusPending, entry.Status)
			assert.Equal(t, 0, entry.RetryCount)
		}
	}
}
