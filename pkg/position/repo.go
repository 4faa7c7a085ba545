// 文件: pkg/position/repo.go
// 持仓存储层 (Redis 缓存 + MySQL 持久化)
//
// 【一致性】
// Save 使用 Version 乐观锁 CAS:
//   UPDATE ... WHERE id = ? AND version = ?
// 行在读写之间被改过则返回 ErrStaleState，调用方重新评估，
// 绝不允许把过期快照写回

package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	// ErrStaleState 乐观锁冲突: 行已被并发修改
	ErrStaleState = errors.New("position row changed between read and write")

	// ErrInvalidTransition 非法的强平进度流转
	ErrInvalidTransition = errors.New("invalid liquidation progress transition")
)

// =============================================================================
// 接口定义
// =============================================================================

type PositionRepository interface {
	// 查询
	GetByAccountAndSymbol(ctx context.Context, accountID int64, symbol string) (*Position, error)
	GetByAccount(ctx context.Context, accountID int64) ([]*Position, error)
	ListBySymbol(ctx context.Context, symbol string, limit, offset int) ([]*Position, error)
	ListLiquidating(ctx context.Context, symbol string) ([]*Position, error)

	// 保存 (乐观锁 CAS, 写 DB + 更新 Redis)
	Save(ctx context.Context, pos *Position) error

	// AdvanceProgress 推进强平进度 (校验状态机 + CAS)
	AdvanceProgress(ctx context.Context, pos *Position, to Progress) error

	// Archive 归档清零仓位 (事务: 删除 + 写归档)
	Archive(ctx context.Context, pos *Position) error
}

// =============================================================================
// Redis Key
// =============================================================================

const (
	// position:{accountID}:{symbol}
	positionKeyPattern = "position:%d:%s"

	positionCacheTTL = 24 * time.Hour
)

func positionKey(accountID int64, symbol string) string {
	return fmt.Sprintf(positionKeyPattern, accountID, symbol)
}

// =============================================================================
// 实现
// =============================================================================

var _ PositionRepository = (*CachedPositionRepository)(nil)

type CachedPositionRepository struct {
	db    *gorm.DB
	redis *redis.Client
}

func NewCachedPositionRepository(db *gorm.DB, rds *redis.Client) *CachedPositionRepository {
	return &CachedPositionRepository{db: db, redis: rds}
}

// GetByAccountAndSymbol 获取单个持仓
func (r *CachedPositionRepository) GetByAccountAndSymbol(ctx context.Context, accountID int64, symbol string) (*Position, error) {
	key := positionKey(accountID, symbol)

	// 1. 查 Redis
	data, err := r.redis.Get(ctx, key).Bytes()
	if err == nil {
		var pos Position
		if json.Unmarshal(data, &pos) == nil {
			return &pos, nil
		}
	}

	// 2. 查 DB
	var pos Position
	err = r.db.WithContext(ctx).
		Where("account_id = ? AND symbol = ?", accountID, symbol).
		First(&pos).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // 无持仓
		}
		return nil, err
	}

	// 3. 回填 Redis
	r.cachePosition(ctx, &pos)

	return &pos, nil
}

// GetByAccount 获取账户所有未平仓位
func (r *CachedPositionRepository) GetByAccount(ctx context.Context, accountID int64) ([]*Position, error) {
	var positions []*Position
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND current_qty != 0", accountID).
		Find(&positions).Error
	return positions, err
}

// ListBySymbol 按合约分页查询所有未平仓位
//
// 【分页设计】一个合约可能有几万个持仓，必须分页
func (r *CachedPositionRepository) ListBySymbol(ctx context.Context, symbol string, limit, offset int) ([]*Position, error) {
	var positions []*Position
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND current_qty != 0", symbol).
		Limit(limit).
		Offset(offset).
		Find(&positions).Error
	return positions, err
}

// ListLiquidating 查询该合约所有处于强平流程中的仓位
// (监控定时兜底扫描用: 崩溃恢复后重拾 STARTED/CLOSING 的仓位)
func (r *CachedPositionRepository) ListLiquidating(ctx context.Context, symbol string) ([]*Position, error) {
	var positions []*Position
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND liquidation_progress != ?", symbol, ProgressNone).
		Find(&positions).Error
	return positions, err
}

// Save 保存持仓 (乐观锁 CAS)
func (r *CachedPositionRepository) Save(ctx context.Context, pos *Position) error {
	// 不变式: 清零仓位必须回到 NONE
	if pos.CurrentQty == 0 && pos.Progress != ProgressNone {
		return ErrInvalidTransition
	}

	now := time.Now().UnixMilli()

	if pos.ID == 0 {
		pos.CreatedAt = now
		pos.UpdatedAt = now
		pos.Version = 1
		if err := r.db.WithContext(ctx).Create(pos).Error; err != nil {
			return err
		}
		r.cachePosition(ctx, pos)
		return nil
	}

	oldVersion := pos.Version
	pos.UpdatedAt = now
	pos.Version = oldVersion + 1

	result := r.db.WithContext(ctx).
		Model(&Position{}).
		Where("id = ? AND version = ?", pos.ID, oldVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(pos)

	if result.Error != nil {
		pos.Version = oldVersion
		return result.Error
	}
	if result.RowsAffected == 0 {
		pos.Version = oldVersion
		return ErrStaleState
	}

	r.cachePosition(ctx, pos)
	return nil
}

// AdvanceProgress 推进强平进度
func (r *CachedPositionRepository) AdvanceProgress(ctx context.Context, pos *Position, to Progress) error {
	if !pos.Progress.CanAdvance(to) {
		return ErrInvalidTransition
	}
	pos.Progress = to
	return r.Save(ctx, pos)
}

// Archive 归档清零仓位
func (r *CachedPositionRepository) Archive(ctx context.Context, pos *Position) error {
	if pos.CurrentQty != 0 {
		return errors.New("cannot archive open position")
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		archived := &ArchivedPosition{
			AccountID:  pos.AccountID,
			Symbol:     pos.Symbol,
			EntryPrice: pos.EntryPrice,
			EntryValue: pos.EntryValue,
			Leverage:   pos.Leverage,
			IsCross:    pos.IsCross,
			ClosedAt:   time.Now().UnixMilli(),
		}
		if err := tx.Create(archived).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", pos.ID).Delete(&Position{}).Error
	})
	if err != nil {
		return err
	}

	r.redis.Del(ctx, positionKey(pos.AccountID, pos.Symbol))
	return nil
}

func (r *CachedPositionRepository) cachePosition(ctx context.Context, pos *Position) {
	key := positionKey(pos.AccountID, pos.Symbol)
	data, _ := json.Marshal(pos)
	r.redis.Set(ctx, key, data, positionCacheTTL)
}
