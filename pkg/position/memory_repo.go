// 文件: pkg/position/memory_repo.go
// 内存持仓存储 (simulation / 单元测试用)
//
// 与 CachedPositionRepository 行为对齐:
// - Save 做 Version CAS，冲突返回 ErrStaleState
// - Archive 删除并计数
// 存储副本而非指针，模拟 DB 读出的独立快照

package position

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ PositionRepository = (*MemoryPositionRepository)(nil)

// MemoryPositionRepository 内存实现
type MemoryPositionRepository struct {
	mu        sync.RWMutex
	nextID    uint
	positions map[uint]Position // id -> 快照
	archived  []ArchivedPosition
}

func NewMemoryPositionRepository() *MemoryPositionRepository {
	return &MemoryPositionRepository{
		nextID:    1,
		positions: make(map[uint]Position),
	}
}

func (r *MemoryPositionRepository) GetByAccountAndSymbol(ctx context.Context, accountID int64, symbol string) (*Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.positions {
		if p.AccountID == accountID && p.Symbol == symbol {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *MemoryPositionRepository) GetByAccount(ctx context.Context, accountID int64) ([]*Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Position
	for _, p := range r.positions {
		if p.AccountID == accountID && p.CurrentQty != 0 {
			cp := p
			result = append(result, &cp)
		}
	}
	sortByID(result)
	return result, nil
}

func (r *MemoryPositionRepository) ListBySymbol(ctx context.Context, symbol string, limit, offset int) ([]*Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Position
	for _, p := range r.positions {
		if p.Symbol == symbol && p.CurrentQty != 0 {
			cp := p
			all = append(all, &cp)
		}
	}
	sortByID(all)
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (r *MemoryPositionRepository) ListLiquidating(ctx context.Context, symbol string) ([]*Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Position
	for _, p := range r.positions {
		if p.Symbol == symbol && p.Progress != ProgressNone {
			cp := p
			result = append(result, &cp)
		}
	}
	sortByID(result)
	return result, nil
}

func (r *MemoryPositionRepository) Save(ctx context.Context, pos *Position) error {
	if pos.CurrentQty == 0 && pos.Progress != ProgressNone {
		return ErrInvalidTransition
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UnixMilli()

	if pos.ID == 0 {
		pos.ID = r.nextID
		r.nextID++
		pos.CreatedAt = now
		pos.UpdatedAt = now
		pos.Version = 1
		r.positions[pos.ID] = *pos
		return nil
	}

	current, ok := r.positions[pos.ID]
	if !ok || current.Version != pos.Version {
		return ErrStaleState
	}

	pos.Version++
	pos.UpdatedAt = now
	r.positions[pos.ID] = *pos
	return nil
}

func (r *MemoryPositionRepository) AdvanceProgress(ctx context.Context, pos *Position, to Progress) error {
	if !pos.Progress.CanAdvance(to) {
		return ErrInvalidTransition
	}
	pos.Progress = to
	return r.Save(ctx, pos)
}

func (r *MemoryPositionRepository) Archive(ctx context.Context, pos *Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pos.CurrentQty != 0 {
		return ErrInvalidTransition
	}

	delete(r.positions, pos.ID)
	r.archived = append(r.archived, ArchivedPosition{
		AccountID:  pos.AccountID,
		Symbol:     pos.Symbol,
		EntryPrice: pos.EntryPrice,
		EntryValue: pos.EntryValue,
		Leverage:   pos.Leverage,
		IsCross:    pos.IsCross,
		ClosedAt:   time.Now().UnixMilli(),
	})
	return nil
}

// ArchivedCount 已归档数量 (测试断言用)
func (r *MemoryPositionRepository) ArchivedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.archived)
}

func sortByID(positions []*Position) {
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].ID < positions[j].ID
	})
}
