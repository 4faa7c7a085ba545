// 文件: pkg/executor/matching.go
// 撮合引擎网关接口
//
// 撮合是外部系统,风控核心只通过这个窄接口提交强平单、撤单,
// 成交回报经回调异步送回 (至少一次投递,执行器负责幂等)

package executor

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrMatchingEngineUnavailable 撮合网关超时/不可达
//
// 强平单视为未成交,下一轮监控扫描重新提交,绝不假设已成交
var ErrMatchingEngineUnavailable = errors.New("matching engine unavailable")

// =============================================================================
// 订单/成交类型
// =============================================================================

// OrderSide 买卖方向
type OrderSide int8

const (
	SideBuy  OrderSide = 1
	SideSell OrderSide = -1
)

func (s OrderSide) String() string {
	if s == SideBuy {
		return "BUY"
	}
	return "SELL"
}

// ForcedOrder 强平委托
//
// 限价挂在破产价: 任何成交都不劣于破产价,用户保证金刚好覆盖
type ForcedOrder struct {
	ID        int64           `json:"id"` // snowflake
	AccountID int64           `json:"accountId"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Qty       int64           `json:"qty"` // 张数, 恒正

	// RestUnfilled 吃完盘口后剩余部分是否留在盘口等待
	// false = IOC, 剩余立即回报并转保险基金
	RestUnfilled bool `json:"restUnfilled"`
}

// Fill 成交回报
type Fill struct {
	OrderID int64           `json:"orderId"`
	Price   decimal.Decimal `json:"price"`
	Qty     int64           `json:"qty"` // 张数, 恒正
	TradeAt int64           `json:"tradeAt"`
}

// OrderDone 订单终结回报 (IOC 撤销 / 手动撤单 / 全部成交)
type OrderDone struct {
	OrderID     int64 `json:"orderId"`
	UnfilledQty int64 `json:"unfilledQty"`
}

// =============================================================================
// 网关接口
// =============================================================================

// MatchingEngine 撮合网关
type MatchingEngine interface {
	// SubmitOrder 提交强平单,超时返回 ErrMatchingEngineUnavailable
	SubmitOrder(ctx context.Context, order *ForcedOrder) error

	// CancelAccountOrders 撤掉该账户在该合约上的加风险挂单
	// (强平前先撤单,释放挂单冻结、防止成交加仓)
	CancelAccountOrders(ctx context.Context, symbol string, accountID int64) error
}
