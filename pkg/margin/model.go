// 文件: pkg/margin/model.go
// 保证金计算 - 输入输出结构与错误定义
//
// 【设计】
// 本包是纯计算层: 无 I/O、无状态、无全局缓存
// 输入输出全部值传递，金额一律 decimal，禁止 float64 中转

package margin

import (
	"errors"

	"github.com/shopspring/decimal"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	// ErrInvalidInput 非法输入 (零/负杠杆、负价格等)
	// 【处理策略】只跳过该持仓本轮计算，不中断整轮扫描
	ErrInvalidInput = errors.New("invalid margin input")

	// ErrDivisionByZero 除零 (杠杆或开仓价为 0)
	// 显式报错，绝不允许静默产生 NaN/Inf
	ErrDivisionByZero = errors.New("division by zero in margin formula")
)

// =============================================================================
// 输入
// =============================================================================

// PositionInput 保证金计算的持仓快照
//
// 从 position.Position 投影而来，本包不依赖存储层结构
type PositionInput struct {
	// Qty 签名持仓量 (+多, -空)，单位: 张
	Qty int64

	// EntryPrice 开仓均价
	EntryPrice decimal.Decimal

	// EntryValue 累计开仓成本
	// 反向合约: 多头为负 (付出币)，空头为正
	EntryValue decimal.Decimal

	// Leverage 杠杆倍数
	Leverage int

	// IsCross 全仓/逐仓
	IsCross bool

	// PositionMargin 逐仓预留保证金 (存储值)
	PositionMargin decimal.Decimal

	// AdjustMargin 手动追加/提取的保证金
	AdjustMargin decimal.Decimal
}

// Side 持仓方向: +1 多, -1 空, 0 无仓
func (p PositionInput) Side() int64 {
	switch {
	case p.Qty > 0:
		return 1
	case p.Qty < 0:
		return -1
	default:
		return 0
	}
}

// AbsQty 持仓量绝对值 (decimal)
func (p PositionInput) AbsQty() decimal.Decimal {
	q := p.Qty
	if q < 0 {
		q = -q
	}
	return decimal.NewFromInt(q)
}

// =============================================================================
// 输出
// =============================================================================

// Result 保证金计算结果
type Result struct {
	// PositionMargin 仓位保证金
	// 全仓: 按公式实时计算; 逐仓: 即存储的预留值
	PositionMargin decimal.Decimal

	// UnrealizedPnl 未实现盈亏
	UnrealizedPnl decimal.Decimal

	// AllocatedMargin 占用保证金
	// 逐仓 = PositionMargin + AdjustMargin; 全仓 = PositionMargin
	AllocatedMargin decimal.Decimal
}
