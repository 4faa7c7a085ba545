// 文件: pkg/margin/bankruptcy.go
// 破产价格计算
//
// 【什么是破产价格？】
// 仓位的可用保证金恰好亏光的价格。
// 比维持保证金触发价更极端: 触发价决定"何时开始强平"，
// 破产价决定"亏损从哪一点起由保险基金而不是用户承担"。
//
// 【公式推导】
// 破产条件: 预留保证金 + 平仓盈亏 − 平仓手续费 = 0
// 平仓手续费按吃单费率 f 对平仓价值计提 (强平单按吃单对待)。
//
// 反向合约 (币本位), 记 V = |entryValue|, M = 预留保证金总额:
//   多头:  |qty|·mult·(1+f) / B = V + M   →  B = |qty|·mult·(1+f) / (V + M)
//   空头:  |qty|·mult·(1−f) / B = V − M   →  B = |qty|·mult·(1−f) / (V − M)
// 正向合约 (USD本位):
//   多头:  B·|qty|·mult·(1−f) = V − M    →  B = (V − M) / (|qty|·mult·(1−f))
//   空头:  B·|qty|·mult·(1+f) = V + M    →  B = (V + M) / (|qty|·mult·(1+f))
//
// 【取整方向】
// 统一向"开仓价一侧"取整到 TickSize (多头向上、反向空头向下):
// 宁可早一个 tick 宣告破产，也不让亏损越过保证金

package margin

import (
	"github.com/shopspring/decimal"

	"mex.com/pkg/contract"
)

// BankruptcyPrice 计算破产价格
//
// 参数:
//   - spec: 合约规格 (家族、乘数、tick、吃单费率)
//   - pos: 持仓快照 (qty/entryValue)
//   - reservedMargin: 预留保证金
//     逐仓 = positionMargin + adjustMargin; 全仓 = 账户全仓权益
//   - maintMargin: 维持保证金项 (与预留保证金同向计入可亏额度)
//
// 返回:
//
//	破产价格; 保证金覆盖全部不利空间、或负的预留保证金 (全仓权益已亏穿)
//	抵光面值时返回 decimal.Zero (表示不存在有限破产价)
func BankruptcyPrice(
	spec *contract.ContractSpec,
	pos PositionInput,
	reservedMargin decimal.Decimal,
	maintMargin decimal.Decimal,
) (decimal.Decimal, error) {
	if pos.Qty == 0 {
		return decimal.Zero, ErrInvalidInput
	}

	absValue := pos.EntryValue.Abs()
	if absValue.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}

	coverage := reservedMargin.Add(maintMargin)
	fee := spec.TakerFeeRate
	absQty := pos.AbsQty().Mul(spec.Multiplier)
	long := pos.Qty > 0

	switch spec.Family {
	case contract.FamilyInverse:
		if long {
			denom := absValue.Add(coverage)
			if denom.Sign() <= 0 {
				// 负 coverage (全仓权益亏穿) 抵光了面值，不存在有限破产价
				return decimal.Zero, nil
			}
			price := absQty.Mul(one.Add(fee)).Div(denom)
			return spec.RoundUpToTick(price), nil
		}
		denom := absValue.Sub(coverage)
		if denom.Sign() <= 0 {
			// 保证金覆盖了全部上行空间，不存在有限破产价
			return decimal.Zero, nil
		}
		price := absQty.Mul(one.Sub(fee)).Div(denom)
		return spec.RoundDownToTick(price), nil

	case contract.FamilyLinear:
		if long {
			numer := absValue.Sub(coverage)
			if numer.Sign() <= 0 {
				// 价格跌到 0 也亏不光保证金
				return decimal.Zero, nil
			}
			price := numer.Div(absQty.Mul(one.Sub(fee)))
			return spec.RoundUpToTick(price), nil
		}
		numer := absValue.Add(coverage)
		if numer.Sign() <= 0 {
			// 同上: 负 coverage 抵光面值
			return decimal.Zero, nil
		}
		price := numer.Div(absQty.Mul(one.Add(fee)))
		return spec.RoundDownToTick(price), nil

	default:
		return decimal.Zero, ErrInvalidInput
	}
}
