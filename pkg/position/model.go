// 文件: pkg/position/model.go
// 合约持仓数据结构
//
// 【存储策略】
// - 主存储: MySQL (持久化)
// - 缓存: Redis (查询加速)
// - 强平监控: 通过事件通知重算风险
//
// 【写入方】
// - 撮合成交回调: 数量/开仓均价/开仓成本
// - 风控核心: 强平进度、保证金字段
// 彼此通过 Version 乐观锁隔离，过期写返回 ErrStaleState

package position

import (
	"github.com/shopspring/decimal"

	"mex.com/pkg/margin"
)

// =============================================================================
// 强平进度状态机
// =============================================================================

// Progress 强平进度
//
// 状态机: NONE → STARTED → CLOSING → NONE (仓位清零)
// - NONE:    正常仓位
// - STARTED: 维持保证金击穿，等待执行器接管
// - CLOSING: 强平单已提交，禁止该账户在此合约上的普通委托
//
// 【不变式】CurrentQty == 0 ⇒ Progress == NONE
type Progress int8

const (
	ProgressNone Progress = iota
	ProgressStarted
	ProgressClosing
)

func (p Progress) String() string {
	switch p {
	case ProgressNone:
		return "NONE"
	case ProgressStarted:
		return "STARTED"
	case ProgressClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// CanAdvance 状态机只允许 NONE→STARTED→CLOSING→NONE 单向流转
func (p Progress) CanAdvance(to Progress) bool {
	switch p {
	case ProgressNone:
		return to == ProgressStarted
	case ProgressStarted:
		return to == ProgressClosing
	case ProgressClosing:
		return to == ProgressNone
	default:
		return false
	}
}

// =============================================================================
// 持仓方向
// =============================================================================

type Side int8

const (
	SideLong  Side = 1  // 多头
	SideShort Side = -1 // 空头
)

func (s Side) String() string {
	if s == SideLong {
		return "LONG"
	}
	return "SHORT"
}

// =============================================================================
// Position - 用户持仓
// =============================================================================

// Position 用户在某合约上的持仓
//
// 【关键概念区分】
// - 未实现盈亏: 随价格实时变化，由 pkg/margin 计算，不存 DB
// - EntryValue: 累计开仓成本 (反向合约多头为负)，撮合回调维护
type Position struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	AccountID int64  `gorm:"column:account_id;index:idx_account_symbol,unique"`
	Symbol    string `gorm:"column:symbol;type:varchar(32);index:idx_account_symbol,unique;index"`

	// ===== 持仓状态 =====
	// CurrentQty > 0: 多头; < 0: 空头; = 0: 已平仓
	CurrentQty int64           `gorm:"column:current_qty"`
	EntryPrice decimal.Decimal `gorm:"column:entry_price;type:decimal(32,16)"`
	EntryValue decimal.Decimal `gorm:"column:entry_value;type:decimal(32,16)"`
	Leverage   int             `gorm:"column:leverage"`

	// ===== 保证金模式 =====
	IsCross        bool            `gorm:"column:is_cross"`
	PositionMargin decimal.Decimal `gorm:"column:position_margin;type:decimal(32,16)"` // 逐仓预留
	AdjustMargin   decimal.Decimal `gorm:"column:adjust_margin;type:decimal(32,16)"`   // 手动追加/提取

	// ===== 强平进度 =====
	Progress Progress `gorm:"column:liquidation_progress;index"`

	// ===== 乐观锁 =====
	// 读-改-写之间行被修改过则 Save 失败 (ErrStaleState)
	Version int64 `gorm:"column:version"`

	CreatedAt int64 `gorm:"column:created_at"`
	UpdatedAt int64 `gorm:"column:updated_at"`
}

// TableName GORM 表名
func (Position) TableName() string {
	return "positions"
}

// Side 获取方向
func (p *Position) Side() Side {
	if p.CurrentQty > 0 {
		return SideLong
	}
	return SideShort
}

// AbsQty 绝对值
func (p *Position) AbsQty() int64 {
	if p.CurrentQty < 0 {
		return -p.CurrentQty
	}
	return p.CurrentQty
}

// IsEmpty 是否无持仓
func (p *Position) IsEmpty() bool {
	return p.CurrentQty == 0
}

// MarginInput 投影为保证金计算输入
func (p *Position) MarginInput() margin.PositionInput {
	return margin.PositionInput{
		Qty:            p.CurrentQty,
		EntryPrice:     p.EntryPrice,
		EntryValue:     p.EntryValue,
		Leverage:       p.Leverage,
		IsCross:        p.IsCross,
		PositionMargin: p.PositionMargin,
		AdjustMargin:   p.AdjustMargin,
	}
}

// =============================================================================
// 归档
// =============================================================================

// ArchivedPosition 已清零仓位的归档行
//
// 仓位回到 0 时从 positions 表删除并写入归档 (审计/合规查询)
type ArchivedPosition struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	AccountID  int64           `gorm:"column:account_id;index"`
	Symbol     string          `gorm:"column:symbol;type:varchar(32);index"`
	EntryPrice decimal.Decimal `gorm:"column:entry_price;type:decimal(32,16)"`
	EntryValue decimal.Decimal `gorm:"column:entry_value;type:decimal(32,16)"`
	Leverage   int             `gorm:"column:leverage"`
	IsCross    bool            `gorm:"column:is_cross"`
	ClosedAt   int64           `gorm:"column:closed_at;index"`
}

// TableName GORM 表名
func (ArchivedPosition) TableName() string {
	return "position_archives"
}

// =============================================================================
// 持仓变更事件 (通知强平监控)
// =============================================================================

type ChangeType int8

const (
	ChangeOpen   ChangeType = iota // 新开仓
	ChangeAdd                      // 加仓
	ChangeReduce                   // 减仓
	ChangeClose                    // 平仓
)

func (t ChangeType) String() string {
	switch t {
	case ChangeOpen:
		return "OPEN"
	case ChangeAdd:
		return "ADD"
	case ChangeReduce:
		return "REDUCE"
	case ChangeClose:
		return "CLOSE"
	}
	return "UNKNOWN"
}
