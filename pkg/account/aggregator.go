// 文件: pkg/account/aggregator.go
// 账户保证金聚合 - 可用余额计算
//
// 【设计】
// 读多写少: 余额展示、下单校验、风控扫描都会调它。
// 永远从已提交的持仓/余额/挂单状态重算，不信任任何缓存累计值，
// 因此无需写锁，天然可并发调用 (同一状态下幂等)。
//
// 【口径】
// 可用余额 = 钱包余额 − 逐仓占用 − 全仓保证金 − 挂单冻结 + 全仓未实现盈亏
// 逐仓仓位的盈亏圈在仓位里，不进账户口径

package account

import (
	"context"
	"errors"
	"log"

	"github.com/shopspring/decimal"

	"mex.com/pkg/contract"
	"mex.com/pkg/margin"
	"mex.com/pkg/position"
)

// =============================================================================
// 依赖接口
// =============================================================================

// SpecProvider 合约规格提供者 (contract.ContractManager 即实现)
type SpecProvider interface {
	GetContract(ctx context.Context, symbol string) (*contract.ContractSpec, error)
}

// PriceProvider 价格提供者 (feed.PriceService 即实现)
type PriceProvider interface {
	// MarkPrice 标记价格, 无价格时 ok=false
	MarkPrice(symbol string) (decimal.Decimal, bool)
	// OraclePrice 预言机/指数价格
	OraclePrice(symbol string) (decimal.Decimal, bool)
}

// OrderMarginProvider 挂单冻结保证金提供者
//
// 挂单簿归外部订单系统所有，这里只拿该账户+资产的冻结总额
type OrderMarginProvider interface {
	OrderMargin(ctx context.Context, accountID int64, asset string) (decimal.Decimal, error)
}

// =============================================================================
// Aggregator
// =============================================================================

// Aggregator 账户保证金聚合器
type Aggregator struct {
	balances    BalanceRepository
	positions   position.PositionRepository
	specs       SpecProvider
	prices      PriceProvider
	orderMargin OrderMarginProvider
}

// NewAggregator 创建聚合器
func NewAggregator(
	balances BalanceRepository,
	positions position.PositionRepository,
	specs SpecProvider,
	prices PriceProvider,
	orderMargin OrderMarginProvider,
) *Aggregator {
	return &Aggregator{
		balances:    balances,
		positions:   positions,
		specs:       specs,
		prices:      prices,
		orderMargin: orderMargin,
	}
}

// AvailableBalance 计算可用余额
func (a *Aggregator) AvailableBalance(ctx context.Context, accountID int64, asset string) (decimal.Decimal, error) {
	snapshot, err := a.Snapshot(ctx, accountID, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return snapshot.AvailableBalance, nil
}

// Snapshot 计算账户某资产的完整保证金快照
func (a *Aggregator) Snapshot(ctx context.Context, accountID int64, asset string) (*Snapshot, error) {
	snapshot := &Snapshot{
		AccountID:          accountID,
		Asset:              asset,
		Balance:            decimal.Zero,
		CrossBalance:       decimal.Zero,
		IsolatedMargin:     decimal.Zero,
		CrossMargin:        decimal.Zero,
		OrderMargin:        decimal.Zero,
		CrossUnrealizedPnl: decimal.Zero,
	}

	// 1. 余额行
	balance, err := a.balances.GetBalance(ctx, accountID, asset)
	if err != nil {
		return nil, err
	}
	if balance != nil {
		snapshot.Balance = balance.Balance
		snapshot.CrossBalance = balance.CrossBalance
	}

	// 2. 挂单冻结
	orderMargin, err := a.orderMargin.OrderMargin(ctx, accountID, asset)
	if err != nil {
		return nil, err
	}
	snapshot.OrderMargin = orderMargin

	// 3. 逐个仓位累计
	positions, err := a.positions.GetByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	for _, pos := range positions {
		spec, err := a.specs.GetContract(ctx, pos.Symbol)
		if err != nil {
			return nil, err
		}
		// 只聚合该结算资产下的仓位
		if spec.SettleCurrency != asset {
			continue
		}

		mark, okMark := a.prices.MarkPrice(pos.Symbol)
		oracle, okOracle := a.prices.OraclePrice(pos.Symbol)
		if !okMark || !okOracle {
			// 无价格的合约本轮跳过 (不让单合约缺价拖垮整个账户读取)
			log.Printf("[Aggregator] no price for %s, skipped", pos.Symbol)
			continue
		}

		result, err := margin.Compute(pos.MarginInput(), spec, mark, oracle)
		if err != nil {
			if errors.Is(err, margin.ErrInvalidInput) || errors.Is(err, margin.ErrDivisionByZero) {
				log.Printf("[Aggregator] bad margin input: account=%d symbol=%s err=%v",
					accountID, pos.Symbol, err)
				continue
			}
			return nil, err
		}

		if pos.IsCross {
			snapshot.CrossMargin = snapshot.CrossMargin.Add(result.PositionMargin)
			snapshot.CrossUnrealizedPnl = snapshot.CrossUnrealizedPnl.Add(result.UnrealizedPnl)
		} else {
			snapshot.IsolatedMargin = snapshot.IsolatedMargin.Add(result.AllocatedMargin)
		}
	}

	// 4. 派生值
	snapshot.AvailableBalance = snapshot.Balance.
		Sub(snapshot.IsolatedMargin).
		Sub(snapshot.CrossMargin).
		Sub(snapshot.OrderMargin).
		Add(snapshot.CrossUnrealizedPnl)

	snapshot.CrossEquity = snapshot.CrossBalance.
		Sub(snapshot.OrderMargin).
		Add(snapshot.CrossUnrealizedPnl)

	return snapshot, nil
}
