package db

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/config"
	"github.com/patrickwarner/openadbuyer/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleFlow(id string, updated time.Time) *models.FlowState {
	s := models.NewFlowState(id, t0)
	s.UpdatedAt = updated
	s.CampaignBrief.Name = "Spring " + id
	s.ExecutionStatus = models.StatusAwaitingApproval
	s.BudgetAllocations["ctv"] = models.ChannelAllocation{Channel: "ctv", Budget: 5000, Percentage: 50}
	s.BudgetAllocations["mobile_app"] = models.ChannelAllocation{Channel: "mobile_app"}
	s.ChannelOutcomes["ctv"] = models.ChannelSuccess
	return s
}

func TestMemoryFlowStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryFlowStore()

	_, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrFlowNotFound)

	f := sampleFlow("a", t0)
	require.NoError(t, s.Save(ctx, f))
	require.NoError(t, s.Save(ctx, sampleFlow("b", t0.Add(time.Minute))))
	require.NoError(t, s.Save(ctx, sampleFlow("c", t0.Add(-time.Minute))))

	// later mutations of the caller's copy are not visible
	f.ExecutionStatus = models.StatusFailed
	got, err := s.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingApproval, got.ExecutionStatus)
	assert.Equal(t, 5000.0, got.BudgetAllocations["ctv"].Budget)

	list, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.NoError(t, s.Close())
}

func newTestRedis(t *testing.T) (*RedisFlowStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisFlowStore(client, time.Hour, zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisFlowStoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedis(t)

	require.NoError(t, store.Save(ctx, sampleFlow("a", t0)))
	assert.True(t, mr.Exists("flow:a"))
	assert.Equal(t, time.Hour, mr.TTL("flow:a"))

	got, err := store.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Spring a", got.CampaignBrief.Name)
	assert.Equal(t, models.ChannelSuccess, got.ChannelOutcomes["ctv"])

	_, err = store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestRedisFlowStoreListPrunesExpired(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedis(t)

	require.NoError(t, store.Save(ctx, sampleFlow("old", t0)))
	require.NoError(t, store.Save(ctx, sampleFlow("new", t0.Add(time.Hour))))
	require.NoError(t, store.Save(ctx, sampleFlow("gone", t0.Add(2*time.Hour))))
	mr.Del("flow:gone")

	list, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)

	members, err := mr.ZMembers("flows")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old", "new"}, members)

	limited, err := store.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "new", limited[0].ID)
}

func TestRedisFlowStoreExpires(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedis(t)
	require.NoError(t, store.Save(ctx, sampleFlow("a", t0)))
	mr.FastForward(2 * time.Hour)
	_, err := store.Load(ctx, "a")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestPostgresFlowStoreSave(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := NewPostgresFlowStore(sqlDB, zap.NewNop())

	f := sampleFlow("a", t0)
	mock.ExpectExec("INSERT INTO booking_flows").
		WithArgs("a", "Spring a", "awaiting_approval", pq.Array([]string{"ctv"}), sqlmock.AnyArg(), t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	require.NoError(t, store.Save(context.Background(), f))
	require.NoError(t, store.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFlowStoreLoad(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	store := NewPostgresFlowStore(sqlDB, nil)

	snap, err := json.Marshal(sampleFlow("a", t0))
	require.NoError(t, err)
	mock.ExpectQuery("SELECT snapshot FROM booking_flows WHERE id").
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(snap))
	mock.ExpectQuery("SELECT snapshot FROM booking_flows WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}))

	got, err := store.Load(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingApproval, got.ExecutionStatus)

	_, err = store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrFlowNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFlowStoreList(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	store := NewPostgresFlowStore(sqlDB, nil)

	a, _ := json.Marshal(sampleFlow("a", t0.Add(time.Minute)))
	b, _ := json.Marshal(sampleFlow("b", t0))
	mock.ExpectQuery("SELECT snapshot FROM booking_flows ORDER BY updated_at DESC LIMIT").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(a).AddRow(b))

	list, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnsureSchema(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS booking_flows").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewPostgresFlowStore(sqlDB, nil).EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenSelectsBackend(t *testing.T) {
	s, err := Open(context.Background(), config.Config{StateBackend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryFlowStore{}, s)

	_, err = Open(context.Background(), config.Config{StateBackend: "etcd"}, nil)
	assert.Error(t, err)
}
