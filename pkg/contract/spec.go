// 文件: pkg/contract/spec.go
// 合约规格定义
//
// 设计目标:
// 1. 规格创建后不可变，安全共享 (仅管理通道可更新)
// 2. 金额/费率一律用 decimal，杜绝浮点精度问题
// 3. 正向(USD本位)与反向(币本位)是两套公式，必须显式区分

package contract

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// 合约家族
// =============================================================================

// Family 合约家族
//
// 【核心区分】
// - 反向合约 (币本位): 盈亏公式里价格在分母，保证金用基础货币
// - 正向合约 (USD本位): 盈亏与价格线性相关，保证金用计价货币
//
// 两个分支数值上完全不同，任何计算必须穷举 switch，
// 禁止"统一公式"或隐式兜底到另一个分支
type Family int8

const (
	FamilyInverse Family = iota // 反向合约 (币本位)
	FamilyLinear                // 正向合约 (USD本位)
)

func (f Family) String() string {
	if f == FamilyInverse {
		return "INVERSE"
	}
	return "LINEAR"
}

// =============================================================================
// 合约状态
// =============================================================================

// ContractStatus 合约状态
type ContractStatus int8

const (
	StatusPending  ContractStatus = iota // 待上线
	StatusTrading                        // 交易中
	StatusPaused                         // 暂停 (分片迁移/维护)
	StatusDelisted                       // 已下架
)

func (s ContractStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusTrading:
		return "TRADING"
	case StatusPaused:
		return "PAUSED"
	case StatusDelisted:
		return "DELISTED"
	default:
		return "UNKNOWN"
	}
}

// =============================================================================
// 维持保证金率档位
// =============================================================================

// MaintTier 维持保证金率档位
//
// 按名义价值分档: 仓位越大，维持保证金率越高
// NotionalCap 为该档上限，0 表示无上限 (最后一档)
type MaintTier struct {
	NotionalCap decimal.Decimal `json:"notionalCap"`
	Rate        decimal.Decimal `json:"rate"`
}

// =============================================================================
// ContractSpec - 合约规格 (核心结构)
// =============================================================================

// ContractSpec 合约规格
//
// 决定了:
// - 用户能用多少杠杆
// - 维持保证金如何分档
// - 破产价计算里的手续费系数
type ContractSpec struct {
	// ===== 主键 =====
	ID uint `gorm:"primaryKey;autoIncrement"`

	// ===== 标识 =====
	Symbol         string `gorm:"column:symbol;type:varchar(32);uniqueIndex"`
	BaseCurrency   string `gorm:"column:base_currency;type:varchar(16)"`
	QuoteCurrency  string `gorm:"column:quote_currency;type:varchar(16)"`
	SettleCurrency string `gorm:"column:settle_currency;type:varchar(16)"`

	// ===== 合约参数 =====
	Family     Family          `gorm:"column:family"`
	Multiplier decimal.Decimal `gorm:"column:multiplier;type:decimal(32,16)"`
	TickSize   decimal.Decimal `gorm:"column:tick_size;type:decimal(32,16)"`

	// ===== 杠杆与保证金 =====
	MaxLeverage int `gorm:"column:max_leverage"`

	// MaintTiers 维持保证金率档位表 (按名义价值升序)
	// 单档合约只配一条 NotionalCap=0 的记录
	MaintTiers []MaintTier `gorm:"column:maint_tiers;serializer:json"`

	// TakerFeeRate 吃单手续费率
	// 参与破产价计算: 强平单按吃单费率预留平仓手续费
	TakerFeeRate decimal.Decimal `gorm:"column:taker_fee_rate;type:decimal(16,8)"`

	// ===== 生命周期 =====
	Status    ContractStatus `gorm:"column:status;index"`
	ListedAt  int64          `gorm:"column:listed_at"`
	CreatedAt int64          `gorm:"column:created_at"`
	UpdatedAt int64          `gorm:"column:updated_at"`
}

// TableName GORM 表名
func (ContractSpec) TableName() string {
	return "contract_specs"
}

// =============================================================================
// 便捷方法
// =============================================================================

// IsTrading 是否可交易
func (s *ContractSpec) IsTrading() bool {
	return s.Status == StatusTrading
}

// IsInverse 是否反向合约
func (s *ContractSpec) IsInverse() bool {
	return s.Family == FamilyInverse
}

// MaintRate 按名义价值查维持保证金率
//
// 档位表按 NotionalCap 升序，命中第一个 notional <= cap 的档位
// 最后一档 NotionalCap=0 兜底
func (s *ContractSpec) MaintRate(notional decimal.Decimal) decimal.Decimal {
	for _, tier := range s.MaintTiers {
		if tier.NotionalCap.IsZero() || notional.LessThanOrEqual(tier.NotionalCap) {
			return tier.Rate
		}
	}
	return decimal.Zero
}

// RoundDownToTick 向下取整到 TickSize
func (s *ContractSpec) RoundDownToTick(price decimal.Decimal) decimal.Decimal {
	if s.TickSize.IsZero() {
		return price
	}
	return price.Div(s.TickSize).Floor().Mul(s.TickSize)
}

// RoundUpToTick 向上取整到 TickSize
func (s *ContractSpec) RoundUpToTick(price decimal.Decimal) decimal.Decimal {
	if s.TickSize.IsZero() {
		return price
	}
	return price.Div(s.TickSize).Ceil().Mul(s.TickSize)
}

// ValidatePrice 验证价格是否符合 TickSize
func (s *ContractSpec) ValidatePrice(price decimal.Decimal) bool {
	if price.Sign() <= 0 {
		return false
	}
	if s.TickSize.IsZero() {
		return true
	}
	return price.Mod(s.TickSize).IsZero()
}
