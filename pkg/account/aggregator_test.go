// 文件: pkg/account/aggregator_test.go
// 账户保证金聚合单元测试

package account

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mex.com/pkg/contract"
	"mex.com/pkg/feed"
	"mex.com/pkg/position"
)

// =============================================================================
// 测试辅助
// =============================================================================

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type stubSpecs struct {
	specs map[string]*contract.ContractSpec
}

func (s *stubSpecs) GetContract(ctx context.Context, symbol string) (*contract.ContractSpec, error) {
	return s.specs[symbol], nil
}

type fixedOrderMargin struct {
	amount decimal.Decimal
}

func (m fixedOrderMargin) OrderMargin(ctx context.Context, accountID int64, asset string) (decimal.Decimal, error) {
	return m.amount, nil
}

func usdtSpec(symbol string) *contract.ContractSpec {
	return &contract.ContractSpec{
		Symbol:         symbol,
		SettleCurrency: "USDT",
		Family:         contract.FamilyLinear,
		Multiplier:     d("1"),
		TickSize:       d("0.5"),
		TakerFeeRate:   d("0.00075"),
		MaintTiers: []contract.MaintTier{
			{NotionalCap: decimal.Zero, Rate: d("0.005")},
		},
	}
}

// =============================================================================
// Snapshot
// =============================================================================

// 可用余额 = 余额 − 逐仓占用 − 全仓保证金 − 挂单冻结 + 全仓浮动盈亏
func TestSnapshot_Formula(t *testing.T) {
	ctx := context.Background()

	balances := NewMemoryBalanceRepo()
	positions := position.NewMemoryPositionRepository()
	prices := feed.NewPriceService()
	specs := &stubSpecs{specs: map[string]*contract.ContractSpec{
		"BTCUSDT": usdtSpec("BTCUSDT"),
		"ETHUSDT": usdtSpec("ETHUSDT"),
	}}
	agg := NewAggregator(balances, positions, specs, prices, fixedOrderMargin{d("100")})

	balances.SetBalance(5, "USDT", d("10000"))

	// 全仓: 1 张 @50000, 10x; 51000 时保证金 5100, 浮盈 1000
	cross := &position.Position{
		AccountID:  5,
		Symbol:     "BTCUSDT",
		CurrentQty: 1,
		EntryPrice: d("50000"),
		EntryValue: d("-50000"),
		Leverage:   10,
		IsCross:    true,
	}
	require.NoError(t, positions.Save(ctx, cross))

	// 逐仓: 预留 1500 + 追加 500
	isolated := &position.Position{
		AccountID:      5,
		Symbol:         "ETHUSDT",
		CurrentQty:     10,
		EntryPrice:     d("3000"),
		EntryValue:     d("-30000"),
		Leverage:       10,
		IsCross:        false,
		PositionMargin: d("1500"),
		AdjustMargin:   d("500"),
	}
	require.NoError(t, positions.Save(ctx, isolated))

	prices.Update("BTCUSDT", d("51000"), d("51000"))
	prices.Update("ETHUSDT", d("3000"), d("3000"))

	snapshot, err := agg.Snapshot(ctx, 5, "USDT")
	require.NoError(t, err)

	assert.True(t, snapshot.CrossMargin.Equal(d("5100")), snapshot.CrossMargin.String())
	assert.True(t, snapshot.CrossUnrealizedPnl.Equal(d("1000")), snapshot.CrossUnrealizedPnl.String())
	assert.True(t, snapshot.IsolatedMargin.Equal(d("2000")), snapshot.IsolatedMargin.String())
	assert.True(t, snapshot.OrderMargin.Equal(d("100")))

	// 10000 − 2000 − 5100 − 100 + 1000 = 3800
	assert.True(t, snapshot.AvailableBalance.Equal(d("3800")), snapshot.AvailableBalance.String())
	// 10000 − 100 + 1000 = 10900
	assert.True(t, snapshot.CrossEquity.Equal(d("10900")), snapshot.CrossEquity.String())
}

// 同一状态下重复读取结果一致 (纯重算, 无累计值)
func TestSnapshot_Idempotent(t *testing.T) {
	ctx := context.Background()

	balances := NewMemoryBalanceRepo()
	positions := position.NewMemoryPositionRepository()
	prices := feed.NewPriceService()
	specs := &stubSpecs{specs: map[string]*contract.ContractSpec{"BTCUSDT": usdtSpec("BTCUSDT")}}
	agg := NewAggregator(balances, positions, specs, prices, fixedOrderMargin{decimal.Zero})

	balances.SetBalance(5, "USDT", d("10000"))
	pos := &position.Position{
		AccountID:  5,
		Symbol:     "BTCUSDT",
		CurrentQty: 1,
		EntryPrice: d("50000"),
		EntryValue: d("-50000"),
		Leverage:   10,
		IsCross:    true,
	}
	require.NoError(t, positions.Save(ctx, pos))
	prices.Update("BTCUSDT", d("51000"), d("51000"))

	first, err := agg.Snapshot(ctx, 5, "USDT")
	require.NoError(t, err)
	second, err := agg.Snapshot(ctx, 5, "USDT")
	require.NoError(t, err)

	assert.True(t, first.AvailableBalance.Equal(second.AvailableBalance))
	assert.True(t, first.CrossEquity.Equal(second.CrossEquity))
}

// 缺价格的合约跳过, 不拖垮整个账户读取
func TestSnapshot_MissingPriceSkipped(t *testing.T) {
	ctx := context.Background()

	balances := NewMemoryBalanceRepo()
	positions := position.NewMemoryPositionRepository()
	prices := feed.NewPriceService()
	specs := &stubSpecs{specs: map[string]*contract.ContractSpec{"BTCUSDT": usdtSpec("BTCUSDT")}}
	agg := NewAggregator(balances, positions, specs, prices, fixedOrderMargin{decimal.Zero})

	balances.SetBalance(5, "USDT", d("10000"))
	pos := &position.Position{
		AccountID:  5,
		Symbol:     "BTCUSDT",
		CurrentQty: 1,
		EntryPrice: d("50000"),
		EntryValue: d("-50000"),
		Leverage:   10,
		IsCross:    true,
	}
	require.NoError(t, positions.Save(ctx, pos))

	snapshot, err := agg.Snapshot(ctx, 5, "USDT")
	require.NoError(t, err)
	assert.True(t, snapshot.AvailableBalance.Equal(d("10000")))
}

// 无余额行的账户返回全零快照
func TestSnapshot_NoBalanceRow(t *testing.T) {
	ctx := context.Background()

	balances := NewMemoryBalanceRepo()
	positions := position.NewMemoryPositionRepository()
	prices := feed.NewPriceService()
	specs := &stubSpecs{specs: map[string]*contract.ContractSpec{}}
	agg := NewAggregator(balances, positions, specs, prices, fixedOrderMargin{decimal.Zero})

	snapshot, err := agg.Snapshot(ctx, 404, "USDT")
	require.NoError(t, err)
	assert.True(t, snapshot.AvailableBalance.IsZero())
	assert.True(t, snapshot.CrossEquity.IsZero())
}

// =============================================================================
// 余额变更
// =============================================================================

func TestApplyChange_NegativeRejected(t *testing.T) {
	ctx := context.Background()
	balances := NewMemoryBalanceRepo()
	balances.SetBalance(5, "USDT", d("100"))

	_, err := balances.ApplyChange(ctx, &BalanceChange{
		AccountID:  5,
		Asset:      "USDT",
		Amount:     d("-200"),
		ChangeType: "WITHDRAW",
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// 强平结算路径允许变负
	after, err := balances.ApplyChange(ctx, &BalanceChange{
		AccountID:     5,
		Asset:         "USDT",
		Amount:        d("-200"),
		ChangeType:    "LIQUIDATION",
		AllowNegative: true,
	})
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(d("-100")))

	// 每笔变更都有流水
	journals := balances.Journals()
	require.Len(t, journals, 1)
	assert.Equal(t, "LIQUIDATION", journals[0].ChangeType)
}
