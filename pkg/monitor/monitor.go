// 文件: pkg/monitor/monitor.go
// 强平监控 - 维持保证金击穿检测
//
// 【双触发】
// 1. 价格 tick: router 收到行情后投递命令 → ScanSymbol 重扫该合约
// 2. 定时兜底: router 周期投递重扫命令 (价格长时间不动 / 崩溃恢复后
//    重拾 STARTED/CLOSING 仓位都靠它)
// 两条路径都必须存在,缺一不可;串行化与单命令超时由 router 统一负责
//
// 【幂等】
// 评估是纯读 + 状态机单向推进: 已 STARTED/CLOSING 的仓位重评估
// 只会续接执行器,不会重复触发
//
// 【错误隔离】
// 单仓位评估失败只跳过该仓位;
// 基础设施错误 (存储/价格整体不可用) 中止整个合约扫描

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"mex.com/pkg/account"
	"mex.com/pkg/contract"
	"mex.com/pkg/event"
	"mex.com/pkg/margin"
	"mex.com/pkg/position"
)

// =============================================================================
// 配置与依赖
// =============================================================================

// Liquidator 强平执行接口 (executor.Executor 即实现)
type Liquidator interface {
	Liquidate(ctx context.Context, pos *position.Position) error
	Pending(positionID uint) bool
}

// Config 监控配置
type Config struct {
	// PageSize 分页拉取仓位的页大小
	PageSize int
}

// DefaultConfig 默认监控配置
func DefaultConfig() Config {
	return Config{
		PageSize: 500,
	}
}

// Monitor 强平监控器
type Monitor struct {
	cfg        Config
	positions  position.PositionRepository
	specs      account.SpecProvider
	prices     account.PriceProvider
	aggregator *account.Aggregator
	liquidator Liquidator
	publisher  event.Publisher
}

func New(
	cfg Config,
	positions position.PositionRepository,
	specs account.SpecProvider,
	prices account.PriceProvider,
	aggregator *account.Aggregator,
	liquidator Liquidator,
	publisher event.Publisher,
) *Monitor {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	return &Monitor{
		cfg:        cfg,
		positions:  positions,
		specs:      specs,
		prices:     prices,
		aggregator: aggregator,
		liquidator: liquidator,
		publisher:  publisher,
	}
}

// =============================================================================
// 扫描
// =============================================================================

// ScanSymbol 重新评估一个合约下的全部仓位
//
// 同一状态下重复调用结果一致 (幂等)
func (m *Monitor) ScanSymbol(ctx context.Context, symbol string) error {
	spec, err := m.specs.GetContract(ctx, symbol)
	if err != nil {
		return fmt.Errorf("load spec %s: %w", symbol, err)
	}
	markPrice, okMark := m.prices.MarkPrice(symbol)
	oraclePrice, okOracle := m.prices.OraclePrice(symbol)
	if !okMark || !okOracle {
		return fmt.Errorf("no price for %s", symbol)
	}

	// 先续接在途强平: 走索引查询,不必等全量分页扫到
	inflight, err := m.positions.ListLiquidating(ctx, symbol)
	if err != nil {
		return fmt.Errorf("list liquidating %s: %w", symbol, err)
	}
	for _, pos := range inflight {
		if pos.AccountID == account.InsuranceFundAccountID {
			continue
		}
		if err := m.liquidator.Liquidate(ctx, pos); err != nil {
			log.Printf("[Monitor] 续接强平失败: 仓位 %d (账户 %d 合约 %s): %v",
				pos.ID, pos.AccountID, symbol, err)
		}
	}

	// 同一轮扫描内账户全仓权益只算一次
	crossEquity := make(map[int64]decimal.Decimal)

	offset := 0
	for {
		page, err := m.positions.ListBySymbol(ctx, symbol, m.cfg.PageSize, offset)
		if err != nil {
			return fmt.Errorf("list positions %s: %w", symbol, err)
		}
		for _, pos := range page {
			if pos.AccountID == account.InsuranceFundAccountID {
				continue
			}
			if err := m.evaluate(ctx, spec, pos, markPrice, oraclePrice, crossEquity); err != nil {
				log.Printf("[Monitor] 仓位 %d (账户 %d 合约 %s) 评估失败, 跳过: %v",
					pos.ID, pos.AccountID, symbol, err)
			}
		}
		if len(page) < m.cfg.PageSize {
			break
		}
		offset += m.cfg.PageSize
	}
	return nil
}

// evaluate 评估单个仓位
func (m *Monitor) evaluate(
	ctx context.Context,
	spec *contract.ContractSpec,
	pos *position.Position,
	markPrice, oraclePrice decimal.Decimal,
	crossEquity map[int64]decimal.Decimal,
) error {
	if pos.CurrentQty == 0 {
		return nil
	}

	// 在途仓位已在 ScanSymbol 开头通过 ListLiquidating 续接
	if pos.Progress != position.ProgressNone {
		return nil
	}
	if m.liquidator.Pending(pos.ID) {
		return nil
	}

	input := pos.MarginInput()
	result, err := margin.Compute(input, spec, markPrice, oraclePrice)
	if err != nil {
		return err
	}
	maint, err := margin.MaintenanceRequirement(input, spec, markPrice)
	if err != nil {
		return err
	}

	var equity decimal.Decimal
	if pos.IsCross {
		ce, ok := crossEquity[pos.AccountID]
		if !ok {
			snapshot, err := m.aggregator.Snapshot(ctx, pos.AccountID, spec.SettleCurrency)
			if err != nil {
				return err
			}
			ce = snapshot.CrossEquity
			crossEquity[pos.AccountID] = ce
		}
		// 全仓权益已含全部全仓浮动盈亏
		equity = ce
	} else {
		equity = margin.Equity(input, decimal.Zero, result.UnrealizedPnl)
	}

	if equity.GreaterThanOrEqual(maint) {
		return nil
	}

	// 维持保证金击穿: NONE → STARTED
	if err := m.positions.AdvanceProgress(ctx, pos, position.ProgressStarted); err != nil {
		if errors.Is(err, position.ErrStaleState) {
			// 并发写赢了,下一轮重评估
			return nil
		}
		return err
	}
	log.Printf("[Monitor] 维持保证金击穿: 账户 %d 合约 %s 数量 %d 权益 %s < 维持 %s",
		pos.AccountID, pos.Symbol, pos.CurrentQty, equity, maint)
	m.publishStarted(pos, markPrice)

	return m.liquidator.Liquidate(ctx, pos)
}

func (m *Monitor) publishStarted(pos *position.Position, markPrice decimal.Decimal) {
	if m.publisher == nil {
		return
	}
	msg := &event.LiquidationEvent{
		AccountID:  pos.AccountID,
		Symbol:     pos.Symbol,
		Progress:   position.ProgressStarted.String(),
		CurrentQty: pos.CurrentQty,
		MarkPrice:  markPrice,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := m.publisher.Publish(msg); err != nil {
		log.Printf("[Monitor] 强平事件发布失败: %v", err)
	}
}
