// 文件: pkg/account/model.go
// 账户保证金余额数据结构
//
// 【口径】
// - Balance/CrossBalance: 持久化的资金来源
// - AvailableBalance: 永远是派生值，按需重算，绝不落库
//   (落库的"可用余额"迟早和持仓态漂移)

package account

import (
	"github.com/shopspring/decimal"
)

// InsuranceFundAccountID 保险基金专用账户
//
// 与普通账户共用 Position/MarginBalance 结构，
// 强平无法被盘口吸收的仓位会划转到这个账户名下
const InsuranceFundAccountID int64 = -1

// =============================================================================
// MarginBalance - 账户某资产的保证金余额
// =============================================================================

// MarginBalance (账户, 资产) 余额行
type MarginBalance struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	AccountID int64  `gorm:"column:account_id;index:idx_account_asset,unique"`
	Asset     string `gorm:"column:asset;type:varchar(16);index:idx_account_asset,unique"`

	// Balance 钱包余额 (入金/出金/已实现盈亏的累计)
	Balance decimal.Decimal `gorm:"column:balance;type:decimal(32,16)"`

	// CrossBalance 全仓可用的那部分余额
	CrossBalance decimal.Decimal `gorm:"column:cross_balance;type:decimal(32,16)"`

	UpdatedAt int64 `gorm:"column:updated_at"`
}

// TableName GORM 表名
func (MarginBalance) TableName() string {
	return "margin_balances"
}

// =============================================================================
// BalanceJournal - 余额流水
// =============================================================================

// BalanceJournal 余额变更流水 (审计)
type BalanceJournal struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	AccountID    int64           `gorm:"column:account_id;index"`
	Asset        string          `gorm:"column:asset;type:varchar(16)"`
	ChangeType   string          `gorm:"column:change_type"`                // REALIZED_PNL / LIQUIDATION / ADL / FUND_COVER ...
	Amount       decimal.Decimal `gorm:"column:amount;type:decimal(32,16)"` // 正=增加, 负=减少
	BalanceAfter decimal.Decimal `gorm:"column:balance_after;type:decimal(32,16)"`
	RefSymbol    string          `gorm:"column:ref_symbol;type:varchar(32)"`
	Remark       string          `gorm:"column:remark;type:text"`
	CreatedAt    int64           `gorm:"column:created_at;index"`
}

// TableName GORM 表名
func (BalanceJournal) TableName() string {
	return "balance_journals"
}

// =============================================================================
// Snapshot - 派生的账户保证金快照
// =============================================================================

// Snapshot 账户某资产的保证金快照 (只读派生值)
type Snapshot struct {
	AccountID int64
	Asset     string

	Balance      decimal.Decimal // 钱包余额
	CrossBalance decimal.Decimal // 全仓余额

	IsolatedMargin     decimal.Decimal // 逐仓占用总和 (positionMargin + adjustMargin)
	CrossMargin        decimal.Decimal // 全仓仓位保证金总和
	OrderMargin        decimal.Decimal // 挂单冻结保证金
	CrossUnrealizedPnl decimal.Decimal // 全仓未实现盈亏 (逐仓盈亏不进账户口径)

	// AvailableBalance = Balance − IsolatedMargin − CrossMargin − OrderMargin + CrossUnrealizedPnl
	AvailableBalance decimal.Decimal

	// CrossEquity = CrossBalance − OrderMargin + CrossUnrealizedPnl
	// 全仓强平判定与破产价计算用
	CrossEquity decimal.Decimal
}
