// 文件: pkg/contract/cache_repo.go
// 合约规格 Redis 缓存层
//
// 【设计模式】装饰器模式 (Decorator Pattern)
// - 包装底层 Repository，透明添加缓存能力
// - 调用方无感知，只看到 ContractRepository 接口
//
// 【缓存策略】
// - 读: 先查 Redis，miss 则查 DB 并回填
// - 写: 先写 DB，成功后删除缓存 (Cache Aside)

package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 确保实现了接口
var _ ContractRepository = (*CachedContractRepository)(nil)

// =============================================================================
// 缓存配置
// =============================================================================

const (
	// 缓存 Key 前缀
	cacheKeyPrefix = "contract:spec:"

	// 单个合约: contract:spec:symbol:{symbol}
	cacheKeySymbol = cacheKeyPrefix + "symbol:%s"

	// 缓存过期时间
	cacheTTL = 24 * time.Hour
)

// =============================================================================
// CachedContractRepository
// =============================================================================

// CachedContractRepository 带 Redis 缓存的 Repository
type CachedContractRepository struct {
	inner ContractRepository
	redis *redis.Client
}

// NewCachedContractRepository 包装底层 Repository
func NewCachedContractRepository(inner ContractRepository, rds *redis.Client) *CachedContractRepository {
	return &CachedContractRepository{inner: inner, redis: rds}
}

func symbolCacheKey(symbol string) string {
	return fmt.Sprintf(cacheKeySymbol, symbol)
}

// Create 创建合约 (写 DB，不预热缓存)
func (r *CachedContractRepository) Create(ctx context.Context, spec *ContractSpec) error {
	return r.inner.Create(ctx, spec)
}

// GetBySymbol 读缓存，miss 则查 DB 并回填
func (r *CachedContractRepository) GetBySymbol(ctx context.Context, symbol string) (*ContractSpec, error) {
	key := symbolCacheKey(symbol)

	// 1. 查 Redis
	data, err := r.redis.Get(ctx, key).Bytes()
	if err == nil {
		var spec ContractSpec
		if json.Unmarshal(data, &spec) == nil {
			return &spec, nil
		}
	}

	// 2. 查 DB
	spec, err := r.inner.GetBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	// 3. 回填 Redis
	if data, err := json.Marshal(spec); err == nil {
		r.redis.Set(ctx, key, data, cacheTTL)
	}
	return spec, nil
}

// Update 先写 DB，成功后删除缓存
func (r *CachedContractRepository) Update(ctx context.Context, spec *ContractSpec) error {
	if err := r.inner.Update(ctx, spec); err != nil {
		return err
	}
	r.redis.Del(ctx, symbolCacheKey(spec.Symbol))
	return nil
}

// UpdateStatus 先写 DB，成功后删除缓存
func (r *CachedContractRepository) UpdateStatus(ctx context.Context, symbol string, from, to ContractStatus) error {
	if err := r.inner.UpdateStatus(ctx, symbol, from, to); err != nil {
		return err
	}
	r.redis.Del(ctx, symbolCacheKey(symbol))
	return nil
}

// List 列表不走缓存 (管理低频查询)
func (r *CachedContractRepository) List(ctx context.Context) ([]*ContractSpec, error) {
	return r.inner.List(ctx)
}

// ListByStatus 列表不走缓存
func (r *CachedContractRepository) ListByStatus(ctx context.Context, status ContractStatus) ([]*ContractSpec, error) {
	return r.inner.ListByStatus(ctx, status)
}
