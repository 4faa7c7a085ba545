// 文件: pkg/margin/calculator.go
// 保证金与未实现盈亏计算
//
// 【公式总表】
// 反向合约 (币本位):
//   全仓保证金   = |qty| × mult / (杠杆 × 预言机价)
//   未实现盈亏   = |qty| × mult × (1/开仓价 − 1/预言机价) × side
//   维持保证金   = |qty| × mult × 维保率 / 标记价
// 正向合约 (USD本位):
//   全仓保证金   = |qty| × mult × 预言机价 / 杠杆
//   未实现盈亏   = |qty| × mult × (预言机价 − 开仓价) × side
//   维持保证金   = |qty| × mult × 标记价 × 维保率
//
// 两个家族的公式分支不允许合并: 反向的价格在分母，
// 合并公式会在数值上静默串台

package margin

import (
	"github.com/shopspring/decimal"

	"mex.com/pkg/contract"
)

var one = decimal.NewFromInt(1)

// Compute 计算仓位保证金与未实现盈亏
//
// 参数:
//   - pos: 持仓快照
//   - spec: 合约规格 (决定家族分支)
//   - markPrice: 标记价格 (维持保证金口径，这里仅做合法性约束)
//   - oraclePrice: 预言机/指数价格 (保证金与盈亏口径)
//
// 空仓返回全零结果
func Compute(
	pos PositionInput,
	spec *contract.ContractSpec,
	markPrice decimal.Decimal,
	oraclePrice decimal.Decimal,
) (Result, error) {
	if pos.Qty == 0 {
		return Result{
			PositionMargin:  decimal.Zero,
			UnrealizedPnl:   decimal.Zero,
			AllocatedMargin: decimal.Zero,
		}, nil
	}

	if markPrice.Sign() <= 0 || oraclePrice.Sign() <= 0 {
		return Result{}, ErrInvalidInput
	}
	if pos.Leverage <= 0 {
		return Result{}, ErrDivisionByZero
	}
	if pos.EntryPrice.Sign() <= 0 {
		return Result{}, ErrDivisionByZero
	}

	absQty := pos.AbsQty().Mul(spec.Multiplier)
	side := decimal.NewFromInt(pos.Side())
	leverage := decimal.NewFromInt(int64(pos.Leverage))

	var positionMargin, pnl decimal.Decimal

	switch spec.Family {
	case contract.FamilyInverse:
		// 保证金 = |qty|×mult / (杠杆 × 预言机价)
		positionMargin = absQty.Div(leverage.Mul(oraclePrice))
		// 盈亏 = |qty|×mult × (1/entry − 1/oracle) × side
		pnl = absQty.Mul(one.Div(pos.EntryPrice).Sub(one.Div(oraclePrice))).Mul(side)

	case contract.FamilyLinear:
		// 保证金 = |qty|×mult × 预言机价 / 杠杆
		positionMargin = absQty.Mul(oraclePrice).Div(leverage)
		// 盈亏 = |qty|×mult × (oracle − entry) × side
		pnl = absQty.Mul(oraclePrice.Sub(pos.EntryPrice)).Mul(side)

	default:
		return Result{}, ErrInvalidInput
	}

	result := Result{
		UnrealizedPnl: pnl,
	}

	if pos.IsCross {
		result.PositionMargin = positionMargin
		result.AllocatedMargin = positionMargin
	} else {
		// 逐仓: 保证金是预留的存储值，不随价格漂移
		result.PositionMargin = pos.PositionMargin
		result.AllocatedMargin = pos.PositionMargin.Add(pos.AdjustMargin)
	}

	return result, nil
}

// MaintenanceRequirement 计算维持保证金需求
//
// 档位率按名义价值查表 (正向: 计价货币口径; 反向: 结算币口径)
func MaintenanceRequirement(
	pos PositionInput,
	spec *contract.ContractSpec,
	markPrice decimal.Decimal,
) (decimal.Decimal, error) {
	if pos.Qty == 0 {
		return decimal.Zero, nil
	}
	if markPrice.Sign() <= 0 {
		return decimal.Zero, ErrInvalidInput
	}

	absQty := pos.AbsQty().Mul(spec.Multiplier)

	var notional decimal.Decimal
	switch spec.Family {
	case contract.FamilyInverse:
		notional = absQty.Div(markPrice)
	case contract.FamilyLinear:
		notional = absQty.Mul(markPrice)
	default:
		return decimal.Zero, ErrInvalidInput
	}

	rate := spec.MaintRate(notional)
	if rate.Sign() <= 0 {
		return decimal.Zero, ErrInvalidInput
	}
	return notional.Mul(rate), nil
}

// Equity 计算仓位口径的权益
//
// 逐仓: 预留保证金 + 追加保证金 + 未实现盈亏
// 全仓: 账户全仓权益 + 该仓位未实现盈亏 (crossEquity 由账户层提供)
func Equity(pos PositionInput, crossEquity, unrealizedPnl decimal.Decimal) decimal.Decimal {
	if pos.IsCross {
		return crossEquity.Add(unrealizedPnl)
	}
	return pos.PositionMargin.Add(pos.AdjustMargin).Add(unrealizedPnl)
}
