// 文件: pkg/insurance/insurance_test.go
// 保险基金与自动减仓单元测试

package insurance

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mex.com/pkg/account"
	"mex.com/pkg/contract"
	"mex.com/pkg/event"
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

func linearSpec() *contract.ContractSpec {
	return &contract.ContractSpec{
		Symbol:         "BTCUSDT",
		SettleCurrency: "USDT",
		Family:         contract.FamilyLinear,
		Multiplier:     d("1"),
		TickSize:       d("1"),
		TakerFeeRate:   decimal.Zero,
		MaintTiers: []contract.MaintTier{
			{NotionalCap: decimal.Zero, Rate: d("0.005")},
		},
	}
}

type fixture struct {
	positions  *position.MemoryPositionRepository
	balances   *account.MemoryBalanceRepo
	prices     *feed.PriceService
	losses     *MemoryMarginLossRepository
	fund       *Fund
	publisher  *event.MemoryPublisher
	controller *Controller
}

func newFixture(spec *contract.ContractSpec) *fixture {
	positions := position.NewMemoryPositionRepository()
	balances := account.NewMemoryBalanceRepo()
	prices := feed.NewPriceService()
	specs := &stubSpecs{specs: map[string]*contract.ContractSpec{spec.Symbol: spec}}
	losses := NewMemoryMarginLossRepository()
	fund := NewFund(balances)
	publisher := event.NewMemoryPublisher()

	return &fixture{
		positions:  positions,
		balances:   balances,
		prices:     prices,
		losses:     losses,
		fund:       fund,
		publisher:  publisher,
		controller: NewController(fund, losses, positions, balances, specs, prices, publisher),
	}
}

// =============================================================================
// 基金兜底
// =============================================================================

// 基金余额足够时直接兜底, 记录转 processed
func TestProcessPending_FundAbsorbs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(linearSpec())

	f.balances.SetBalance(account.InsuranceFundAccountID, "USDT", d("100"))
	loss := &MarginLoss{Symbol: "BTCUSDT", AccountID: 9, Loss: d("-50"), BankruptcyPrice: d("10000")}
	require.NoError(t, f.losses.Create(ctx, loss))

	require.NoError(t, f.controller.ProcessPending(ctx, "BTCUSDT"))

	pending, err := f.losses.ListPending(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, pending)

	bal, err := f.fund.Balance(ctx, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("50")), bal.String())

	// 出资走流水
	var covered bool
	for _, j := range f.balances.Journals() {
		if j.ChangeType == ChangeTypeLossCover && j.Amount.Equal(d("-50")) {
			covered = true
		}
	}
	assert.True(t, covered)
}

// =============================================================================
// 自动减仓
// =============================================================================

// 基金余额 1, 穿仓 303: 兜不住 → ADL,
// 减仓后记录 processed 且基金继承仓位清零
func TestProcessPending_DeleverageUnwindsFund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(linearSpec())
	f.prices.Update("BTCUSDT", d("9999"), d("9999"))

	f.balances.SetBalance(account.InsuranceFundAccountID, "USDT", d("1"))

	// 基金继承的 303 张多头 @破产价 10000
	fundPos := &position.Position{
		AccountID:  account.InsuranceFundAccountID,
		Symbol:     "BTCUSDT",
		CurrentQty: 303,
		EntryPrice: d("10000"),
		EntryValue: d("-3030000"),
		Leverage:   1,
		IsCross:    true,
	}
	require.NoError(t, f.positions.Save(ctx, fundPos))

	// 对手方: 两个空头, 杠杆越高收益率越高的越先被减
	c1 := &position.Position{
		AccountID:      11,
		Symbol:         "BTCUSDT",
		CurrentQty:     -200,
		EntryPrice:     d("10100"),
		EntryValue:     d("2020000"),
		Leverage:       20,
		IsCross:        false,
		PositionMargin: d("101000"),
	}
	require.NoError(t, f.positions.Save(ctx, c1))
	c2 := &position.Position{
		AccountID:      12,
		Symbol:         "BTCUSDT",
		CurrentQty:     -150,
		EntryPrice:     d("10100"),
		EntryValue:     d("1515000"),
		Leverage:       5,
		IsCross:        false,
		PositionMargin: d("303000"),
	}
	require.NoError(t, f.positions.Save(ctx, c2))

	loss := &MarginLoss{
		Symbol:          "BTCUSDT",
		AccountID:       9,
		Loss:            d("-303"),
		BankruptcyPrice: d("10000"),
		InheritedQty:    303,
	}
	require.NoError(t, f.losses.Create(ctx, loss))

	require.NoError(t, f.controller.ProcessPending(ctx, "BTCUSDT"))

	// 记录已处理
	got, err := f.losses.Get(ctx, loss.ID)
	require.NoError(t, err)
	assert.Equal(t, LossProcessed, got.Status)

	// 基金继承仓位清零 (已归档)
	gotFund, err := f.positions.GetByAccountAndSymbol(ctx, account.InsuranceFundAccountID, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, gotFund)

	// 减仓次序: 得分 4 的 c1 (200 张) 先平, 再平 c2 的 103 张
	var adls []*event.ADLEvent
	for _, msg := range f.publisher.Messages() {
		if ev, ok := msg.(*event.ADLEvent); ok {
			adls = append(adls, ev)
		}
	}
	require.Len(t, adls, 2)
	assert.Equal(t, int64(11), adls[0].AccountID)
	assert.Equal(t, int64(-200), adls[0].ClosedQty)
	assert.Equal(t, int64(12), adls[1].AccountID)
	assert.Equal(t, int64(-103), adls[1].ClosedQty)
	// 成交价是破产价, 不是市场价
	assert.True(t, adls[0].ClosePrice.Equal(d("10000")))
	assert.True(t, adls[1].ClosePrice.Equal(d("10000")))

	// c1 全平归档; c2 剩 −47 张
	gotC1, err := f.positions.GetByAccountAndSymbol(ctx, 11, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, gotC1)
	gotC2, err := f.positions.GetByAccountAndSymbol(ctx, 12, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, gotC2)
	assert.Equal(t, int64(-47), gotC2.CurrentQty)

	// c1 结算: 破产价盈亏 20000 + 释放逐仓保证金 101000
	balC1, err := f.balances.GetBalance(ctx, 11, "USDT")
	require.NoError(t, err)
	assert.True(t, balC1.Balance.Equal(d("121000")), balC1.Balance.String())

	// 基金余额未动 (走的是减仓, 不是兜底)
	fundBal, err := f.fund.Balance(ctx, "USDT")
	require.NoError(t, err)
	assert.True(t, fundBal.Equal(d("1")), fundBal.String())
}

// 对手方耗尽: 记录转 HALTED 挂起, 告警一次, 此后轮次不再自动重试
func TestProcessPending_NoCounterparty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(linearSpec())
	f.prices.Update("BTCUSDT", d("9999"), d("9999"))

	fundPos := &position.Position{
		AccountID:  account.InsuranceFundAccountID,
		Symbol:     "BTCUSDT",
		CurrentQty: 303,
		EntryPrice: d("10000"),
		EntryValue: d("-3030000"),
		Leverage:   1,
		IsCross:    true,
	}
	require.NoError(t, f.positions.Save(ctx, fundPos))

	loss := &MarginLoss{Symbol: "BTCUSDT", AccountID: 9, Loss: d("-303"), BankruptcyPrice: d("10000"), InheritedQty: 303}
	require.NoError(t, f.losses.Create(ctx, loss))

	// 连跑三轮: 第一轮挂起, 后两轮不再碰该记录
	require.NoError(t, f.controller.ProcessPending(ctx, "BTCUSDT"))
	require.NoError(t, f.controller.ProcessPending(ctx, "BTCUSDT"))
	require.NoError(t, f.controller.ProcessPending(ctx, "BTCUSDT"))

	got, err := f.losses.Get(ctx, loss.ID)
	require.NoError(t, err)
	assert.Equal(t, LossHalted, got.Status)

	pending, err := f.losses.ListPending(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// 告警事件只发一次
	halted := 0
	for _, msg := range f.publisher.Messages() {
		if ev, ok := msg.(*event.MarginLossEvent); ok && ev.Status == "HALTED" {
			halted++
		}
	}
	assert.Equal(t, 1, halted)
}

// 挂起的记录不阻塞队列: 排在它后面、基金可兜底的记录照常处理
func TestProcessPending_HaltedDoesNotStarveQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(linearSpec())
	f.prices.Update("BTCUSDT", d("9999"), d("9999"))

	// 基金余额 50: 兜不住 303, 兜得住 50
	f.balances.SetBalance(account.InsuranceFundAccountID, "USDT", d("50"))

	fundPos := &position.Position{
		AccountID:  account.InsuranceFundAccountID,
		Symbol:     "BTCUSDT",
		CurrentQty: 303,
		EntryPrice: d("10000"),
		EntryValue: d("-3030000"),
		Leverage:   1,
		IsCross:    true,
	}
	require.NoError(t, f.positions.Save(ctx, fundPos))

	big := &MarginLoss{Symbol: "BTCUSDT", AccountID: 9, Loss: d("-303"), BankruptcyPrice: d("10000"), InheritedQty: 303}
	require.NoError(t, f.losses.Create(ctx, big))
	small := &MarginLoss{Symbol: "BTCUSDT", AccountID: 10, Loss: d("-50"), BankruptcyPrice: d("10000")}
	require.NoError(t, f.losses.Create(ctx, small))

	require.NoError(t, f.controller.ProcessPending(ctx, "BTCUSDT"))

	gotBig, err := f.losses.Get(ctx, big.ID)
	require.NoError(t, err)
	assert.Equal(t, LossHalted, gotBig.Status)

	gotSmall, err := f.losses.Get(ctx, small.ID)
	require.NoError(t, err)
	assert.Equal(t, LossProcessed, gotSmall.Status)

	bal, err := f.fund.Balance(ctx, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), bal.String())
}

// 同方向与强平流程中的仓位不参与减仓
func TestDeleverage_CandidateEligibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(linearSpec())
	f.prices.Update("BTCUSDT", d("9999"), d("9999"))

	fundPos := &position.Position{
		AccountID:  account.InsuranceFundAccountID,
		Symbol:     "BTCUSDT",
		CurrentQty: 100,
		EntryPrice: d("10000"),
		EntryValue: d("-1000000"),
		Leverage:   1,
		IsCross:    true,
	}
	require.NoError(t, f.positions.Save(ctx, fundPos))

	// 强平流程中的空头: 排除
	liquidating := &position.Position{
		AccountID:      21,
		Symbol:         "BTCUSDT",
		CurrentQty:     -100,
		EntryPrice:     d("10100"),
		EntryValue:     d("1010000"),
		Leverage:       10,
		PositionMargin: d("101000"),
		Progress:       position.ProgressStarted,
	}
	require.NoError(t, f.positions.Save(ctx, liquidating))

	// 同方向多头: 排除
	sameSide := &position.Position{
		AccountID:      22,
		Symbol:         "BTCUSDT",
		CurrentQty:     100,
		EntryPrice:     d("9900"),
		EntryValue:     d("-990000"),
		Leverage:       10,
		PositionMargin: d("99000"),
	}
	require.NoError(t, f.positions.Save(ctx, sameSide))

	// 合格空头
	eligible := &position.Position{
		AccountID:      23,
		Symbol:         "BTCUSDT",
		CurrentQty:     -100,
		EntryPrice:     d("10100"),
		EntryValue:     d("1010000"),
		Leverage:       10,
		PositionMargin: d("101000"),
	}
	require.NoError(t, f.positions.Save(ctx, eligible))

	loss := &MarginLoss{Symbol: "BTCUSDT", AccountID: 9, Loss: d("-100"), BankruptcyPrice: d("10000"), InheritedQty: 100}
	require.NoError(t, f.losses.Create(ctx, loss))

	require.NoError(t, f.controller.ProcessPending(ctx, "BTCUSDT"))

	gotLiq, err := f.positions.GetByAccountAndSymbol(ctx, 21, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, gotLiq)
	assert.Equal(t, int64(-100), gotLiq.CurrentQty)

	gotSame, err := f.positions.GetByAccountAndSymbol(ctx, 22, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, gotSame)
	assert.Equal(t, int64(100), gotSame.CurrentQty)

	// 只有合格空头被平
	gotEligible, err := f.positions.GetByAccountAndSymbol(ctx, 23, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, gotEligible)
}

// =============================================================================
// 基金操作
// =============================================================================

func TestFund_CreditAndDebit(t *testing.T) {
	ctx := context.Background()
	balances := account.NewMemoryBalanceRepo()
	fund := NewFund(balances)

	require.NoError(t, fund.Credit(ctx, "USDT", d("100"), ChangeTypeLiquidationSurplus, "BTCUSDT"))

	bal, err := fund.Balance(ctx, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("100")))

	ok, err := fund.CanAbsorb(ctx, "USDT", d("60"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, fund.Debit(ctx, "USDT", d("60"), "BTCUSDT"))

	// 余额不足出资: 拒绝, 基金永不为负
	err = fund.Debit(ctx, "USDT", d("60"), "BTCUSDT")
	assert.ErrorIs(t, err, account.ErrInsufficientBalance)

	// 非法入参
	assert.Error(t, fund.Credit(ctx, "USDT", d("-1"), ChangeTypeFundDeposit, ""))
	assert.Error(t, fund.Debit(ctx, "USDT", decimal.Zero, ""))
}
