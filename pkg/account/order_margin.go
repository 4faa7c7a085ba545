// 文件: pkg/account/order_margin.go
// 挂单冻结保证金 (Redis 读侧)
//
// 挂单簿归订单系统所有,订单系统在每次挂单/撤单后把该账户+资产的
// 冻结总额写进 Redis,风控核心只读不写

package account

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// ordermargin:{accountID}:{asset}
const orderMarginKeyPattern = "ordermargin:%d:%s"

var _ OrderMarginProvider = (*RedisOrderMarginProvider)(nil)

// RedisOrderMarginProvider 从 Redis 读取挂单冻结总额
type RedisOrderMarginProvider struct {
	redis *redis.Client
}

func NewRedisOrderMarginProvider(rds *redis.Client) *RedisOrderMarginProvider {
	return &RedisOrderMarginProvider{redis: rds}
}

// OrderMargin 读取冻结总额, 无挂单视为 0
func (p *RedisOrderMarginProvider) OrderMargin(ctx context.Context, accountID int64, asset string) (decimal.Decimal, error) {
	key := fmt.Sprintf(orderMarginKeyPattern, accountID, asset)
	val, err := p.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read order margin %s: %w", key, err)
	}
	amount, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad order margin value %q at %s: %w", val, key, err)
	}
	return amount, nil
}
