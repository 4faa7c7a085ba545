// 文件: pkg/insurance/marginloss.go
// 穿仓损失记录
//
// 【生命周期】
// 强平执行器在盘口吃不下、仓位劣于破产价转入保险基金时创建 (pending)
// → 基金兜底或 ADL 完成后标记 processed
// → 对手方耗尽时标记 halted: 告警一次后自动处理就此停住，
//   必须人工介入，禁止静默重试；挂起的记录不阻塞队列里的其他记录

package insurance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// =============================================================================
// 状态
// =============================================================================

// LossStatus 穿仓损失处理状态
type LossStatus int8

const (
	LossPending   LossStatus = iota // 待处理
	LossProcessed                   // 已处理 (兜底或 ADL 完成)
	LossHalted                      // 对手方耗尽, 挂起等待人工介入
)

func (s LossStatus) String() string {
	switch s {
	case LossProcessed:
		return "PROCESSED"
	case LossHalted:
		return "HALTED"
	}
	return "PENDING"
}

// =============================================================================
// MarginLoss - 穿仓损失记录
// =============================================================================

// MarginLoss 穿仓损失记录
type MarginLoss struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Symbol     string `gorm:"column:symbol;type:varchar(32);index"`
	PositionID uint   `gorm:"column:position_id;index"`
	AccountID  int64  `gorm:"column:account_id"`

	// Loss 穿仓金额 (负数 = 超出用户保证金之外的亏损)
	Loss decimal.Decimal `gorm:"column:loss;type:decimal(32,16)"`

	// BankruptcyPrice 转入基金时的破产价 (ADL 平仓价)
	BankruptcyPrice decimal.Decimal `gorm:"column:bankruptcy_price;type:decimal(32,16)"`

	// InheritedQty 基金继承的签名数量
	InheritedQty int64 `gorm:"column:inherited_qty"`

	Status      LossStatus `gorm:"column:status;index"`
	CreatedAt   int64      `gorm:"column:created_at"`
	ProcessedAt int64      `gorm:"column:processed_at"`
}

// TableName GORM 表名
func (MarginLoss) TableName() string {
	return "margin_losses"
}

// =============================================================================
// 仓库接口
// =============================================================================

// MarginLossRepository 穿仓损失仓库
type MarginLossRepository interface {
	Create(ctx context.Context, loss *MarginLoss) error
	ListPending(ctx context.Context, symbol string) ([]*MarginLoss, error)
	MarkProcessed(ctx context.Context, id uint) error
	// MarkHalted 挂起记录: 不再出现在 ListPending 里, 直到人工恢复
	MarkHalted(ctx context.Context, id uint) error
	Get(ctx context.Context, id uint) (*MarginLoss, error)
}

// =============================================================================
// GORM 实现
// =============================================================================

var _ MarginLossRepository = (*MySQLMarginLossRepository)(nil)

type MySQLMarginLossRepository struct {
	db *gorm.DB
}

func NewMySQLMarginLossRepository(db *gorm.DB) *MySQLMarginLossRepository {
	return &MySQLMarginLossRepository{db: db}
}

func (r *MySQLMarginLossRepository) Create(ctx context.Context, loss *MarginLoss) error {
	loss.Status = LossPending
	loss.CreatedAt = time.Now().UnixMilli()
	return r.db.WithContext(ctx).Create(loss).Error
}

func (r *MySQLMarginLossRepository) ListPending(ctx context.Context, symbol string) ([]*MarginLoss, error) {
	var losses []*MarginLoss
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND status = ?", symbol, LossPending).
		Order("id").
		Find(&losses).Error
	return losses, err
}

func (r *MySQLMarginLossRepository) MarkProcessed(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).
		Model(&MarginLoss{}).
		Where("id = ? AND status = ?", id, LossPending).
		Updates(map[string]any{
			"status":       LossProcessed,
			"processed_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("margin loss not pending")
	}
	return nil
}

func (r *MySQLMarginLossRepository) MarkHalted(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).
		Model(&MarginLoss{}).
		Where("id = ? AND status = ?", id, LossPending).
		Update("status", LossHalted)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("margin loss not pending")
	}
	return nil
}

func (r *MySQLMarginLossRepository) Get(ctx context.Context, id uint) (*MarginLoss, error) {
	var loss MarginLoss
	err := r.db.WithContext(ctx).First(&loss, id).Error
	if err != nil {
		return nil, err
	}
	return &loss, nil
}

// =============================================================================
// 内存实现 (simulation / 测试用)
// =============================================================================

var _ MarginLossRepository = (*MemoryMarginLossRepository)(nil)

type MemoryMarginLossRepository struct {
	mu     sync.Mutex
	nextID uint
	losses map[uint]MarginLoss
}

func NewMemoryMarginLossRepository() *MemoryMarginLossRepository {
	return &MemoryMarginLossRepository{nextID: 1, losses: make(map[uint]MarginLoss)}
}

func (r *MemoryMarginLossRepository) Create(ctx context.Context, loss *MarginLoss) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	loss.ID = r.nextID
	r.nextID++
	loss.Status = LossPending
	loss.CreatedAt = time.Now().UnixMilli()
	r.losses[loss.ID] = *loss
	return nil
}

func (r *MemoryMarginLossRepository) ListPending(ctx context.Context, symbol string) ([]*MarginLoss, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*MarginLoss
	for id := uint(1); id < r.nextID; id++ {
		if loss, ok := r.losses[id]; ok && loss.Symbol == symbol && loss.Status == LossPending {
			cp := loss
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *MemoryMarginLossRepository) MarkProcessed(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	loss, ok := r.losses[id]
	if !ok || loss.Status != LossPending {
		return errors.New("margin loss not pending")
	}
	loss.Status = LossProcessed
	loss.ProcessedAt = time.Now().UnixMilli()
	r.losses[id] = loss
	return nil
}

func (r *MemoryMarginLossRepository) MarkHalted(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	loss, ok := r.losses[id]
	if !ok || loss.Status != LossPending {
		return errors.New("margin loss not pending")
	}
	loss.Status = LossHalted
	r.losses[id] = loss
	return nil
}

func (r *MemoryMarginLossRepository) Get(ctx context.Context, id uint) (*MarginLoss, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loss, ok := r.losses[id]
	if !ok {
		return nil, errors.New("margin loss not found")
	}
	cp := loss
	return &cp, nil
}
