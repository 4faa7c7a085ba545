// 文件: pkg/insurance/fund.go
// 保险基金
//
// 【资金来源】
// 1. 强平平仓后剩余保证金 (盈余注入)
// 2. 运营注资
// 【资金去向】
// 1. 兜底穿仓损失 (余额足够时)
// 余额不足以兜底时走 ADL,基金余额永不为负

package insurance

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"mex.com/pkg/account"
)

// 保险基金流水类型
const (
	ChangeTypeLiquidationSurplus = "LIQUIDATION_SURPLUS" // 强平盈余注入
	ChangeTypeFundDeposit        = "FUND_DEPOSIT"        // 运营注资
	ChangeTypeLossCover          = "LOSS_COVER"          // 兜底穿仓
	ChangeTypeADLSettle          = "ADL_SETTLE"          // ADL 对手方结算
)

// Fund 保险基金账户操作封装
//
// 底层复用 account.BalanceRepository,基金是 AccountID = -1 的特殊账户,
// 每笔变动都落流水
type Fund struct {
	balances account.BalanceRepository
}

func NewFund(balances account.BalanceRepository) *Fund {
	return &Fund{balances: balances}
}

// Balance 查询基金某币种余额
func (f *Fund) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	bal, err := f.balances.GetBalance(ctx, account.InsuranceFundAccountID, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if bal == nil {
		return decimal.Zero, nil
	}
	return bal.Balance, nil
}

// Credit 注入基金 (强平盈余 / 运营注资)
func (f *Fund) Credit(ctx context.Context, asset string, amount decimal.Decimal, changeType, refSymbol string) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("fund credit must be positive, got %s", amount)
	}
	_, err := f.balances.ApplyChange(ctx, &account.BalanceChange{
		AccountID:  account.InsuranceFundAccountID,
		Asset:      asset,
		Amount:     amount,
		ChangeType: changeType,
		RefSymbol:  refSymbol,
	})
	return err
}

// CanAbsorb 基金余额是否足以兜底 shortfall (正数)
func (f *Fund) CanAbsorb(ctx context.Context, asset string, shortfall decimal.Decimal) (bool, error) {
	bal, err := f.Balance(ctx, asset)
	if err != nil {
		return false, err
	}
	return bal.GreaterThanOrEqual(shortfall), nil
}

// Debit 基金出资兜底,余额不足返回 account.ErrInsufficientBalance
func (f *Fund) Debit(ctx context.Context, asset string, amount decimal.Decimal, refSymbol string) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("fund debit must be positive, got %s", amount)
	}
	_, err := f.balances.ApplyChange(ctx, &account.BalanceChange{
		AccountID:  account.InsuranceFundAccountID,
		Asset:      asset,
		Amount:     amount.Neg(),
		ChangeType: ChangeTypeLossCover,
		RefSymbol:  refSymbol,
	})
	return err
}
