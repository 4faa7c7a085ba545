// 文件: pkg/account/balance_repo.go
// 余额仓库 (GORM 实现)
//
// 使用 GORM 简化数据库操作:
// - 链式查询
// - 事务管理 (余额变更与流水同事务)

package account

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrBalanceNotFound     = errors.New("margin balance not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// =============================================================================
// 接口定义
// =============================================================================

// BalanceRepository 余额仓库接口
type BalanceRepository interface {
	// GetBalance 获取余额行，不存在返回 nil
	GetBalance(ctx context.Context, accountID int64, asset string) (*MarginBalance, error)

	// ApplyChange 变更余额并记流水 (同一事务)
	// amount 正=增加，负=减少; 减少导致余额为负时返回 ErrInsufficientBalance
	ApplyChange(ctx context.Context, change *BalanceChange) (*MarginBalance, error)
}

// BalanceChange 余额变更请求
type BalanceChange struct {
	AccountID  int64
	Asset      string
	Amount     decimal.Decimal
	ChangeType string
	RefSymbol  string
	Remark     string

	// AllowNegative 允许余额变负 (仅限强平结算路径)
	AllowNegative bool
}

// =============================================================================
// GORM 实现
// =============================================================================

var _ BalanceRepository = (*BalanceRepo)(nil)

// BalanceRepo 余额仓库
type BalanceRepo struct {
	db *gorm.DB
}

// NewBalanceRepo 创建余额仓库
func NewBalanceRepo(db *gorm.DB) *BalanceRepo {
	return &BalanceRepo{db: db}
}

// GetBalance 获取余额
func (r *BalanceRepo) GetBalance(ctx context.Context, accountID int64, asset string) (*MarginBalance, error) {
	var record MarginBalance
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND asset = ?", accountID, asset).
		First(&record).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ApplyChange 变更余额并记流水
func (r *BalanceRepo) ApplyChange(ctx context.Context, change *BalanceChange) (*MarginBalance, error) {
	var result *MarginBalance

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UnixMilli()

		// 1. 查询或创建余额行 (行锁)
		var balance MarginBalance
		err := tx.Set("gorm:query_option", "FOR UPDATE").
			Where("account_id = ? AND asset = ?", change.AccountID, change.Asset).
			First(&balance).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			balance = MarginBalance{
				AccountID:    change.AccountID,
				Asset:        change.Asset,
				Balance:      decimal.Zero,
				CrossBalance: decimal.Zero,
				UpdatedAt:    now,
			}
			if err := tx.Create(&balance).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		// 2. 变更余额
		newBalance := balance.Balance.Add(change.Amount)
		if newBalance.IsNegative() && !change.AllowNegative {
			return ErrInsufficientBalance
		}
		newCross := balance.CrossBalance.Add(change.Amount)

		err = tx.Model(&balance).Updates(map[string]any{
			"balance":       newBalance,
			"cross_balance": newCross,
			"updated_at":    now,
		}).Error
		if err != nil {
			return err
		}

		// 3. 记录流水
		journal := &BalanceJournal{
			AccountID:    change.AccountID,
			Asset:        change.Asset,
			ChangeType:   change.ChangeType,
			Amount:       change.Amount,
			BalanceAfter: newBalance,
			RefSymbol:    change.RefSymbol,
			Remark:       change.Remark,
			CreatedAt:    now,
		}
		if err := tx.Create(journal).Error; err != nil {
			return err
		}

		balance.Balance = newBalance
		balance.CrossBalance = newCross
		balance.UpdatedAt = now
		result = &balance
		return nil
	})

	return result, err
}

// =============================================================================
// 内存实现 (simulation / 单元测试用)
// =============================================================================

var _ BalanceRepository = (*MemoryBalanceRepo)(nil)

// MemoryBalanceRepo 内存余额仓库
type MemoryBalanceRepo struct {
	mu       sync.Mutex
	balances map[balanceKey]*MarginBalance
	journals []BalanceJournal
}

type balanceKey struct {
	accountID int64
	asset     string
}

func NewMemoryBalanceRepo() *MemoryBalanceRepo {
	return &MemoryBalanceRepo{balances: make(map[balanceKey]*MarginBalance)}
}

// SetBalance 直接设置余额 (测试铺底)
func (r *MemoryBalanceRepo) SetBalance(accountID int64, asset string, amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[balanceKey{accountID, asset}] = &MarginBalance{
		AccountID:    accountID,
		Asset:        asset,
		Balance:      amount,
		CrossBalance: amount,
		UpdatedAt:    time.Now().UnixMilli(),
	}
}

func (r *MemoryBalanceRepo) GetBalance(ctx context.Context, accountID int64, asset string) (*MarginBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.balances[balanceKey{accountID, asset}]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, nil
}

func (r *MemoryBalanceRepo) ApplyChange(ctx context.Context, change *BalanceChange) (*MarginBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := balanceKey{change.AccountID, change.Asset}
	b, ok := r.balances[key]
	if !ok {
		b = &MarginBalance{
			AccountID:    change.AccountID,
			Asset:        change.Asset,
			Balance:      decimal.Zero,
			CrossBalance: decimal.Zero,
		}
		r.balances[key] = b
	}

	newBalance := b.Balance.Add(change.Amount)
	if newBalance.IsNegative() && !change.AllowNegative {
		return nil, ErrInsufficientBalance
	}
	b.Balance = newBalance
	b.CrossBalance = b.CrossBalance.Add(change.Amount)
	b.UpdatedAt = time.Now().UnixMilli()

	r.journals = append(r.journals, BalanceJournal{
		AccountID:    change.AccountID,
		Asset:        change.Asset,
		ChangeType:   change.ChangeType,
		Amount:       change.Amount,
		BalanceAfter: newBalance,
		RefSymbol:    change.RefSymbol,
		Remark:       change.Remark,
		CreatedAt:    time.Now().UnixMilli(),
	})

	cp := *b
	return &cp, nil
}

// Journals 流水副本 (测试断言用)
func (r *MemoryBalanceRepo) Journals() []BalanceJournal {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]BalanceJournal, len(r.journals))
	copy(result, r.journals)
	return result
}
