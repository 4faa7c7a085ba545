// 文件: pkg/position/repo_test.go
// 持仓状态机与乐观锁单元测试

package position

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newPos(accountID int64, qty int64) *Position {
	return &Position{
		AccountID:  accountID,
		Symbol:     "BTCUSD",
		CurrentQty: qty,
		EntryPrice: d("10000"),
		EntryValue: d("-0.09"),
		Leverage:   10,
		IsCross:    true,
	}
}

// =============================================================================
// 状态机
// =============================================================================

func TestProgress_CanAdvance(t *testing.T) {
	cases := []struct {
		from, to Progress
		want     bool
	}{
		{ProgressNone, ProgressStarted, true},
		{ProgressStarted, ProgressClosing, true},
		{ProgressClosing, ProgressNone, true},
		{ProgressNone, ProgressClosing, false},
		{ProgressStarted, ProgressNone, false},
		{ProgressClosing, ProgressStarted, false},
		{ProgressNone, ProgressNone, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.from.CanAdvance(c.to),
			"%s → %s", c.from, c.to)
	}
}

func TestAdvanceProgress_RejectsSkip(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPositionRepository()

	pos := newPos(1, 100)
	require.NoError(t, repo.Save(ctx, pos))

	// NONE 不能直接跳到 CLOSING
	err := repo.AdvanceProgress(ctx, pos, ProgressClosing)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, repo.AdvanceProgress(ctx, pos, ProgressStarted))
	require.NoError(t, repo.AdvanceProgress(ctx, pos, ProgressClosing))
}

// 不变式: 清零仓位必须回到 NONE
func TestSave_ZeroQtyRequiresNone(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPositionRepository()

	pos := newPos(1, 100)
	require.NoError(t, repo.Save(ctx, pos))
	require.NoError(t, repo.AdvanceProgress(ctx, pos, ProgressStarted))

	pos.CurrentQty = 0
	err := repo.Save(ctx, pos)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	pos.Progress = ProgressNone
	assert.NoError(t, repo.Save(ctx, pos))
}

// =============================================================================
// 乐观锁
// =============================================================================

// 读-改-写竞争: 后写的一方拿到 ErrStaleState
func TestSave_StaleVersionRejected(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPositionRepository()

	pos := newPos(1, 100)
	require.NoError(t, repo.Save(ctx, pos))

	snapshotA, err := repo.GetByAccountAndSymbol(ctx, 1, "BTCUSD")
	require.NoError(t, err)
	snapshotB, err := repo.GetByAccountAndSymbol(ctx, 1, "BTCUSD")
	require.NoError(t, err)

	snapshotA.CurrentQty = 80
	require.NoError(t, repo.Save(ctx, snapshotA))

	snapshotB.CurrentQty = 50
	err = repo.Save(ctx, snapshotB)
	assert.ErrorIs(t, err, ErrStaleState)

	// 存储里是先写方的值
	got, err := repo.GetByAccountAndSymbol(ctx, 1, "BTCUSD")
	require.NoError(t, err)
	assert.Equal(t, int64(80), got.CurrentQty)
}

// =============================================================================
// 归档与查询
// =============================================================================

func TestArchive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPositionRepository()

	pos := newPos(1, 100)
	require.NoError(t, repo.Save(ctx, pos))

	// 未清零不能归档
	err := repo.Archive(ctx, pos)
	assert.Error(t, err)

	pos.CurrentQty = 0
	require.NoError(t, repo.Save(ctx, pos))
	require.NoError(t, repo.Archive(ctx, pos))
	assert.Equal(t, 1, repo.ArchivedCount())

	got, err := repo.GetByAccountAndSymbol(ctx, 1, "BTCUSD")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListBySymbol_Paged(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPositionRepository()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, repo.Save(ctx, newPos(i, 100)))
	}

	page1, err := repo.ListBySymbol(ctx, "BTCUSD", 2, 0)
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := repo.ListBySymbol(ctx, "BTCUSD", 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)

	page3, err := repo.ListBySymbol(ctx, "BTCUSD", 2, 4)
	require.NoError(t, err)
	require.Len(t, page3, 1)

	// 页间无重叠
	seen := map[int64]bool{}
	for _, p := range append(append(page1, page2...), page3...) {
		assert.False(t, seen[p.AccountID])
		seen[p.AccountID] = true
	}
}

func TestListLiquidating(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPositionRepository()

	normal := newPos(1, 100)
	require.NoError(t, repo.Save(ctx, normal))

	started := newPos(2, 100)
	require.NoError(t, repo.Save(ctx, started))
	require.NoError(t, repo.AdvanceProgress(ctx, started, ProgressStarted))

	liquidating, err := repo.ListLiquidating(ctx, "BTCUSD")
	require.NoError(t, err)
	require.Len(t, liquidating, 1)
	assert.Equal(t, int64(2), liquidating[0].AccountID)
}
