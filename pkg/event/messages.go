// 文件: pkg/event/messages.go
// 风控核心对外发布的事件类型
//
// 【消费方】
// - 实时推送服务 (用户持仓/强平通知)
// - 合规审计日志
// 各事件实现 Message 接口，按 AccountID 分区保证单账户顺序

package event

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Topic 定义
const (
	TopicLiquidation = "risk.liquidation" // 强平进度事件
	TopicADL         = "risk.adl"         // 自动减仓事件
	TopicMarginLoss  = "risk.marginloss"  // 穿仓损失生命周期
)

// =============================================================================
// LiquidationEvent - 强平进度事件
// =============================================================================

// LiquidationEvent 仓位强平进度变更
type LiquidationEvent struct {
	AccountID int64  `json:"accountId"`
	Symbol    string `json:"symbol"`
	Progress  string `json:"progress"` // STARTED / CLOSING / NONE

	CurrentQty      int64           `json:"currentQty"`
	MarkPrice       decimal.Decimal `json:"markPrice"`
	BankruptcyPrice decimal.Decimal `json:"bankruptcyPrice"`

	Timestamp int64 `json:"timestamp"`
}

func (e *LiquidationEvent) Topic() string { return TopicLiquidation }
func (e *LiquidationEvent) Key() string   { return fmt.Sprintf("%d", e.AccountID) }
func (e *LiquidationEvent) Value() ([]byte, error) {
	return json.Marshal(e)
}

// =============================================================================
// ADLEvent - 自动减仓事件
// =============================================================================

// ADLEvent 被减仓方的通知事件
type ADLEvent struct {
	AccountID int64  `json:"accountId"` // 被减仓账户
	Symbol    string `json:"symbol"`

	ClosedQty  int64           `json:"closedQty"`
	ClosePrice decimal.Decimal `json:"closePrice"` // 破产价，不是市场价
	RankScore  decimal.Decimal `json:"rankScore"`

	Timestamp int64 `json:"timestamp"`
}

func (e *ADLEvent) Topic() string { return TopicADL }
func (e *ADLEvent) Key() string   { return fmt.Sprintf("%d", e.AccountID) }
func (e *ADLEvent) Value() ([]byte, error) {
	return json.Marshal(e)
}

// =============================================================================
// MarginLossEvent - 穿仓损失生命周期事件
// =============================================================================

// MarginLossEvent 穿仓损失记录创建/处理完成
type MarginLossEvent struct {
	LossID     uint            `json:"lossId"`
	AccountID  int64           `json:"accountId"`
	Symbol     string          `json:"symbol"`
	PositionID uint            `json:"positionId"`
	Loss       decimal.Decimal `json:"loss"`
	Status     string          `json:"status"` // COVERED / DELEVERAGED / HALTED

	Timestamp int64 `json:"timestamp"`
}

func (e *MarginLossEvent) Topic() string { return TopicMarginLoss }
func (e *MarginLossEvent) Key() string   { return e.Symbol }
func (e *MarginLossEvent) Value() ([]byte, error) {
	return json.Marshal(e)
}
