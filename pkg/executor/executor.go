// 文件: pkg/executor/executor.go
// 强平执行器
//
// 【职责】
// 接管 STARTED 仓位 → 撤挂单 → 按破产价挂强平限价单 → 消化成交回报
// → 全部成交按剩余价值结算 (盈余注入保险基金)
// → 吃不完的部分按破产价转入保险基金并记穿仓损失
//
// 【幂等】
// sync.Map 记录在途强平单,同一仓位绝不重复提交;
// 成交回报至少一次投递,超量部分按剩余数量截断
//
// 【失败语义】
// 提交超时 → ErrMatchingEngineUnavailable,在途记录回收,
// 下一轮监控扫描重新走一遍 Liquidate (可重入)

package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"

	"mex.com/pkg/account"
	"mex.com/pkg/contract"
	"mex.com/pkg/event"
	"mex.com/pkg/insurance"
	"mex.com/pkg/margin"
	"mex.com/pkg/position"
)

// Save CAS 冲突时的重试次数
const saveRetryLimit = 3

// 强平结算流水类型
const changeTypeLiquidation = "LIQUIDATION"

// =============================================================================
// 配置
// =============================================================================

// Config 执行器配置
type Config struct {
	// SubmitTimeout 撮合提交超时,超过视为撮合不可用
	SubmitTimeout time.Duration

	// RestUnfilled 强平单吃完盘口后剩余部分是否留在盘口
	// false = IOC: 剩余立即转保险基金 (默认,市场剧烈波动时止血更快)
	RestUnfilled bool
}

// DefaultConfig 默认执行器配置
func DefaultConfig() Config {
	return Config{
		SubmitTimeout: 3 * time.Second,
		RestUnfilled:  false,
	}
}

// =============================================================================
// Executor
// =============================================================================

// Outcome 单笔强平的累计执行结果
type Outcome struct {
	OrderID      int64
	FilledQty    int64
	AvgFillPrice decimal.Decimal
	Remainder    int64
}

// pendingOrder 在途强平单
type pendingOrder struct {
	mu sync.Mutex

	order           *ForcedOrder
	spec            *contract.ContractSpec
	positionID      uint
	accountID       int64
	symbol          string
	side            int64 // 被平仓位方向
	entryPrice      decimal.Decimal
	isCross         bool
	reservedMargin  decimal.Decimal
	bankruptcyPrice decimal.Decimal

	remaining   int64           // 未成交张数
	filledQty   int64           // 已成交张数
	fillValue   decimal.Decimal // Σ price×qty (均价用)
	realizedPnl decimal.Decimal // 已实现盈亏累计
	totalFee    decimal.Decimal // 吃单手续费累计
	done        bool
}

// Executor 强平执行器
type Executor struct {
	cfg        Config
	node       *snowflake.Node
	matching   MatchingEngine
	positions  position.PositionRepository
	balances   account.BalanceRepository
	aggregator *account.Aggregator
	specs      account.SpecProvider
	prices     account.PriceProvider
	losses     insurance.MarginLossRepository
	fund       *insurance.Fund
	publisher  event.Publisher

	pending    sync.Map // orderID int64 -> *pendingOrder
	byPosition sync.Map // positionID uint -> orderID int64
}

func New(
	cfg Config,
	node *snowflake.Node,
	matching MatchingEngine,
	positions position.PositionRepository,
	balances account.BalanceRepository,
	aggregator *account.Aggregator,
	specs account.SpecProvider,
	prices account.PriceProvider,
	losses insurance.MarginLossRepository,
	fund *insurance.Fund,
	publisher event.Publisher,
) *Executor {
	return &Executor{
		cfg:        cfg,
		node:       node,
		matching:   matching,
		positions:  positions,
		balances:   balances,
		aggregator: aggregator,
		specs:      specs,
		prices:     prices,
		losses:     losses,
		fund:       fund,
		publisher:  publisher,
	}
}

// =============================================================================
// 提交
// =============================================================================

// Liquidate 对一个 STARTED/CLOSING 仓位发起/续接强平
//
// 可重入: 在途订单存在时直接返回,不重复提交
func (e *Executor) Liquidate(ctx context.Context, pos *position.Position) error {
	if pos.CurrentQty == 0 {
		return nil
	}
	if pos.Progress == position.ProgressNone {
		return position.ErrInvalidTransition
	}

	// 在途检查 (先占坑,占不到说明已有订单在跑)
	orderID := e.node.Generate().Int64()
	if _, loaded := e.byPosition.LoadOrStore(pos.ID, orderID); loaded {
		return nil
	}

	spec, err := e.specs.GetContract(ctx, pos.Symbol)
	if err != nil {
		e.byPosition.Delete(pos.ID)
		return fmt.Errorf("load spec %s: %w", pos.Symbol, err)
	}
	markPrice, ok := e.prices.MarkPrice(pos.Symbol)
	if !ok {
		e.byPosition.Delete(pos.ID)
		return fmt.Errorf("no mark price for %s", pos.Symbol)
	}

	// 1. 先撤该账户在该合约的加风险挂单
	if err := e.matching.CancelAccountOrders(ctx, pos.Symbol, pos.AccountID); err != nil {
		e.byPosition.Delete(pos.ID)
		return fmt.Errorf("cancel resting orders: %w", err)
	}

	// 2. 破产价
	input := pos.MarginInput()
	reserved, err := e.reservedMargin(ctx, pos, spec)
	if err != nil {
		e.byPosition.Delete(pos.ID)
		return err
	}
	maint, err := margin.MaintenanceRequirement(input, spec, markPrice)
	if err != nil {
		e.byPosition.Delete(pos.ID)
		return err
	}
	bankruptcy, err := margin.BankruptcyPrice(spec, input, reserved, maint)
	if err != nil {
		e.byPosition.Delete(pos.ID)
		return err
	}
	limitPrice := bankruptcy
	if limitPrice.Sign() <= 0 {
		// 无有限破产价 (保证金覆盖全部反向空间), 按标记价挂
		limitPrice = spec.RoundDownToTick(markPrice)
		if pos.CurrentQty > 0 {
			limitPrice = spec.RoundUpToTick(markPrice)
		}
	}

	// 3. STARTED → CLOSING
	if pos.Progress == position.ProgressStarted {
		if err := e.positions.AdvanceProgress(ctx, pos, position.ProgressClosing); err != nil {
			e.byPosition.Delete(pos.ID)
			return err
		}
	}

	// 4. 组单并提交
	qty := pos.CurrentQty
	side := SideSell // 平多 = 卖
	if qty < 0 {
		qty = -qty
		side = SideBuy // 平空 = 买
	}
	order := &ForcedOrder{
		ID:           orderID,
		AccountID:    pos.AccountID,
		Symbol:       pos.Symbol,
		Side:         side,
		Price:        limitPrice,
		Qty:          qty,
		RestUnfilled: e.cfg.RestUnfilled,
	}
	p := &pendingOrder{
		order:           order,
		spec:            spec,
		positionID:      pos.ID,
		accountID:       pos.AccountID,
		symbol:          pos.Symbol,
		side:            int64(pos.Side()),
		entryPrice:      pos.EntryPrice,
		isCross:         pos.IsCross,
		reservedMargin:  reserved,
		bankruptcyPrice: bankruptcy,
		remaining:       qty,
		fillValue:       decimal.Zero,
		realizedPnl:     decimal.Zero,
		totalFee:        decimal.Zero,
	}
	e.pending.Store(orderID, p)

	submitCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()
	if err := e.matching.SubmitOrder(submitCtx, order); err != nil {
		e.pending.Delete(orderID)
		e.byPosition.Delete(pos.ID)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrMatchingEngineUnavailable) {
			return fmt.Errorf("submit forced order %d: %w", orderID, ErrMatchingEngineUnavailable)
		}
		return fmt.Errorf("submit forced order %d: %w", orderID, err)
	}

	e.publishProgress(pos.AccountID, pos.Symbol, position.ProgressClosing, pos.CurrentQty, markPrice, bankruptcy)
	log.Printf("[Executor] 强平单已提交: 账户 %d 合约 %s 单号 %d 方向 %s 数量 %d 限价 %s",
		pos.AccountID, pos.Symbol, orderID, side, qty, limitPrice)
	return nil
}

// reservedMargin 计算仓位的预留保证金
// 逐仓 = 仓位保证金 + 追加保证金; 全仓 = 账户全仓权益
func (e *Executor) reservedMargin(ctx context.Context, pos *position.Position, spec *contract.ContractSpec) (decimal.Decimal, error) {
	if !pos.IsCross {
		return pos.PositionMargin.Add(pos.AdjustMargin), nil
	}
	snapshot, err := e.aggregator.Snapshot(ctx, pos.AccountID, spec.SettleCurrency)
	if err != nil {
		return decimal.Zero, err
	}
	return snapshot.CrossEquity, nil
}

// =============================================================================
// 成交回报
// =============================================================================

// HandleFill 消化一笔成交回报
//
// 未知单号直接忽略 (订单可能已终结,回报至少一次投递会重复)
func (e *Executor) HandleFill(ctx context.Context, fill *Fill) error {
	v, ok := e.pending.Load(fill.OrderID)
	if !ok {
		return nil
	}
	p := v.(*pendingOrder)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return nil
	}

	qty := fill.Qty
	if qty > p.remaining {
		qty = p.remaining // 重复/超量回报截断
	}
	if qty <= 0 {
		return nil
	}

	pnl, fee := settleFill(p.spec, p.side, qty, p.entryPrice, fill.Price)
	p.remaining -= qty
	p.filledQty += qty
	p.fillValue = p.fillValue.Add(fill.Price.Mul(decimal.NewFromInt(qty)))
	p.realizedPnl = p.realizedPnl.Add(pnl)
	p.totalFee = p.totalFee.Add(fee)

	// 仓位行同步减仓
	if err := e.reducePosition(ctx, p, qty); err != nil {
		return err
	}

	if p.remaining == 0 {
		return e.settleClosed(ctx, p)
	}
	return nil
}

// HandleOrderDone 订单终结回报 (IOC 撤销剩余 / 全部成交)
//
// 剩余张数 > 0 时按破产价转入保险基金并记穿仓损失
func (e *Executor) HandleOrderDone(ctx context.Context, done *OrderDone) error {
	v, ok := e.pending.Load(done.OrderID)
	if !ok {
		return nil
	}
	p := v.(*pendingOrder)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return nil
	}
	if p.remaining == 0 {
		// 成交回报已把仓位平完,结算在 HandleFill 里做过了
		return nil
	}
	return e.transferRemainder(ctx, p)
}

// settleFill 单笔成交的已实现盈亏与吃单手续费
func settleFill(spec *contract.ContractSpec, side, qty int64, entryPrice, fillPrice decimal.Decimal) (pnl, fee decimal.Decimal) {
	q := decimal.NewFromInt(qty).Mul(spec.Multiplier)
	s := decimal.NewFromInt(side)
	one := decimal.NewFromInt(1)

	switch spec.Family {
	case contract.FamilyInverse:
		pnl = q.Mul(one.Div(entryPrice).Sub(one.Div(fillPrice))).Mul(s)
		fee = q.Div(fillPrice).Mul(spec.TakerFeeRate)
	case contract.FamilyLinear:
		pnl = q.Mul(fillPrice.Sub(entryPrice)).Mul(s)
		fee = q.Mul(fillPrice).Mul(spec.TakerFeeRate)
	}
	return pnl, fee
}

// reducePosition 把已成交张数落回仓位行 (CAS 冲突重读重试)
func (e *Executor) reducePosition(ctx context.Context, p *pendingOrder, closedQty int64) error {
	for i := 0; i < saveRetryLimit; i++ {
		pos, err := e.positions.GetByAccountAndSymbol(ctx, p.accountID, p.symbol)
		if err != nil {
			return err
		}
		if pos == nil || pos.CurrentQty == 0 {
			return nil
		}
		absQty := pos.CurrentQty
		if absQty < 0 {
			absQty = -absQty
		}
		if closedQty > absQty {
			closedQty = absQty
		}
		fraction := decimal.NewFromInt(closedQty).Div(decimal.NewFromInt(absQty))
		pos.EntryValue = pos.EntryValue.Sub(pos.EntryValue.Mul(fraction))
		if !pos.IsCross {
			pos.PositionMargin = pos.PositionMargin.Sub(pos.PositionMargin.Mul(fraction))
			pos.AdjustMargin = pos.AdjustMargin.Sub(pos.AdjustMargin.Mul(fraction))
		}
		pos.CurrentQty -= closedQty * p.side
		if pos.CurrentQty == 0 {
			pos.Progress = position.ProgressNone
			pos.EntryPrice = decimal.Zero
			pos.EntryValue = decimal.Zero
			pos.PositionMargin = decimal.Zero
			pos.AdjustMargin = decimal.Zero
		}

		err = e.positions.Save(ctx, pos)
		if err == nil {
			if pos.CurrentQty == 0 {
				return e.positions.Archive(ctx, pos)
			}
			return nil
		}
		if !errors.Is(err, position.ErrStaleState) {
			return err
		}
	}
	return position.ErrStaleState
}

// =============================================================================
// 结算
// =============================================================================

// settleClosed 全部成交后的资金结算
//
// 用户: 预留保证金全额扣除 (强平即认亏)
// 基金: 平仓后剩余价值 (预留 + 已实现盈亏 − 手续费) 为正时注入
func (e *Executor) settleClosed(ctx context.Context, p *pendingOrder) error {
	asset := p.spec.SettleCurrency

	if p.reservedMargin.Sign() > 0 {
		_, err := e.balances.ApplyChange(ctx, &account.BalanceChange{
			AccountID:     p.accountID,
			Asset:         asset,
			Amount:        p.reservedMargin.Neg(),
			ChangeType:    changeTypeLiquidation,
			RefSymbol:     p.symbol,
			AllowNegative: true,
		})
		if err != nil {
			return err
		}
	}

	surplus := p.reservedMargin.Add(p.realizedPnl).Sub(p.totalFee)
	if surplus.Sign() > 0 {
		if err := e.fund.Credit(ctx, asset, surplus, insurance.ChangeTypeLiquidationSurplus, p.symbol); err != nil {
			return err
		}
		log.Printf("[Executor] 强平盈余 %s %s 注入保险基金 (账户 %d 合约 %s)",
			surplus, asset, p.accountID, p.symbol)
	}

	p.done = true
	e.cleanup(p)

	markPrice, _ := e.prices.MarkPrice(p.symbol)
	e.publishProgress(p.accountID, p.symbol, position.ProgressNone, 0, markPrice, p.bankruptcyPrice)
	log.Printf("[Executor] 强平完成: 账户 %d 合约 %s 成交 %d 张 均价 %s",
		p.accountID, p.symbol, p.filledQty, e.avgPrice(p))
	return nil
}

// transferRemainder 剩余张数按破产价转入保险基金
//
// 用户仓位清零归档,基金继承同方向仓位 (开仓价 = 破产价),
// 继承仓位在当前标记价下的浮亏即穿仓损失,落 pending 记录
func (e *Executor) transferRemainder(ctx context.Context, p *pendingOrder) error {
	asset := p.spec.SettleCurrency
	bankruptcy := p.bankruptcyPrice
	if bankruptcy.Sign() <= 0 {
		bankruptcy = p.order.Price
	}

	// 1. 用户剩余仓位清零
	pos, err := e.positions.GetByAccountAndSymbol(ctx, p.accountID, p.symbol)
	if err != nil {
		return err
	}
	if pos != nil && pos.CurrentQty != 0 {
		pos.CurrentQty = 0
		pos.Progress = position.ProgressNone
		pos.EntryPrice = decimal.Zero
		pos.EntryValue = decimal.Zero
		pos.PositionMargin = decimal.Zero
		pos.AdjustMargin = decimal.Zero
		if err := e.positions.Save(ctx, pos); err != nil {
			return err
		}
		if err := e.positions.Archive(ctx, pos); err != nil {
			return err
		}
	}

	// 2. 用户预留保证金扣除
	if p.reservedMargin.Sign() > 0 {
		_, err := e.balances.ApplyChange(ctx, &account.BalanceChange{
			AccountID:     p.accountID,
			Asset:         asset,
			Amount:        p.reservedMargin.Neg(),
			ChangeType:    changeTypeLiquidation,
			RefSymbol:     p.symbol,
			AllowNegative: true,
		})
		if err != nil {
			return err
		}
	}

	// 3. 基金继承剩余仓位
	inheritedQty := p.remaining * p.side
	if err := e.inheritToFund(ctx, p.spec, inheritedQty, bankruptcy); err != nil {
		return err
	}

	// 4. 穿仓损失 = 继承仓位在当前标记价的浮亏
	markPrice, ok := e.prices.MarkPrice(p.symbol)
	if !ok {
		markPrice = bankruptcy
	}
	shortfall := inheritedPnl(p.spec, p.side, p.remaining, bankruptcy, markPrice)
	if shortfall.Sign() < 0 {
		loss := &insurance.MarginLoss{
			Symbol:          p.symbol,
			PositionID:      p.positionID,
			AccountID:       p.accountID,
			Loss:            shortfall,
			BankruptcyPrice: bankruptcy,
			InheritedQty:    inheritedQty,
		}
		if err := e.losses.Create(ctx, loss); err != nil {
			return err
		}
		log.Printf("[Executor] 穿仓损失落档: 账户 %d 合约 %s 损失 %s (记录 %d)",
			p.accountID, p.symbol, shortfall, loss.ID)
	}

	p.done = true
	e.cleanup(p)

	e.publishProgress(p.accountID, p.symbol, position.ProgressNone, 0, markPrice, bankruptcy)
	log.Printf("[Executor] 强平转保险基金: 账户 %d 合约 %s 成交 %d 张 剩余 %d 张 @ %s",
		p.accountID, p.symbol, p.filledQty, p.remaining, bankruptcy)
	return nil
}

// inheritToFund 基金账户合并继承仓位
func (e *Executor) inheritToFund(ctx context.Context, spec *contract.ContractSpec, qty int64, price decimal.Decimal) error {
	fundPos, err := e.positions.GetByAccountAndSymbol(ctx, account.InsuranceFundAccountID, spec.Symbol)
	if err != nil {
		return err
	}
	addedEV := entryValue(spec, qty, price)

	if fundPos == nil {
		fundPos = &position.Position{
			AccountID:  account.InsuranceFundAccountID,
			Symbol:     spec.Symbol,
			CurrentQty: qty,
			EntryPrice: price,
			EntryValue: addedEV,
			Leverage:   1,
			IsCross:    true,
		}
		return e.positions.Save(ctx, fundPos)
	}

	fundPos.CurrentQty += qty
	fundPos.EntryValue = fundPos.EntryValue.Add(addedEV)
	fundPos.EntryPrice = impliedEntryPrice(spec, fundPos.CurrentQty, fundPos.EntryValue)
	if fundPos.CurrentQty == 0 {
		fundPos.EntryPrice = decimal.Zero
		fundPos.EntryValue = decimal.Zero
		if err := e.positions.Save(ctx, fundPos); err != nil {
			return err
		}
		return e.positions.Archive(ctx, fundPos)
	}
	return e.positions.Save(ctx, fundPos)
}

// entryValue 签名开仓价值
// 反向: −side·|qty|·mult/price  正向: −side·|qty|·mult·price
func entryValue(spec *contract.ContractSpec, qty int64, price decimal.Decimal) decimal.Decimal {
	q := decimal.NewFromInt(qty).Abs().Mul(spec.Multiplier)
	sign := decimal.NewFromInt(1)
	if qty > 0 {
		sign = decimal.NewFromInt(-1)
	}
	if spec.Family == contract.FamilyInverse {
		return q.Div(price).Mul(sign)
	}
	return q.Mul(price).Mul(sign)
}

// impliedEntryPrice 从签名价值反推均价
func impliedEntryPrice(spec *contract.ContractSpec, qty int64, ev decimal.Decimal) decimal.Decimal {
	if qty == 0 || ev.IsZero() {
		return decimal.Zero
	}
	q := decimal.NewFromInt(qty).Abs().Mul(spec.Multiplier)
	if spec.Family == contract.FamilyInverse {
		return q.Div(ev.Abs())
	}
	return ev.Abs().Div(q)
}

// inheritedPnl 继承仓位在 markPrice 下相对破产价的浮动盈亏
func inheritedPnl(spec *contract.ContractSpec, side, qty int64, bankruptcy, markPrice decimal.Decimal) decimal.Decimal {
	q := decimal.NewFromInt(qty).Mul(spec.Multiplier)
	s := decimal.NewFromInt(side)
	one := decimal.NewFromInt(1)
	if spec.Family == contract.FamilyInverse {
		return q.Mul(one.Div(bankruptcy).Sub(one.Div(markPrice))).Mul(s)
	}
	return q.Mul(markPrice.Sub(bankruptcy)).Mul(s)
}

// =============================================================================
// 辅助
// =============================================================================

// Pending 查询仓位是否有在途强平单 (监控跳过在途仓位用)
func (e *Executor) Pending(positionID uint) bool {
	_, ok := e.byPosition.Load(positionID)
	return ok
}

// Outcome 查询在途强平单的累计执行情况
func (e *Executor) Outcome(positionID uint) (Outcome, bool) {
	v, ok := e.byPosition.Load(positionID)
	if !ok {
		return Outcome{}, false
	}
	orderID := v.(int64)
	pv, ok := e.pending.Load(orderID)
	if !ok {
		return Outcome{}, false
	}
	p := pv.(*pendingOrder)
	p.mu.Lock()
	defer p.mu.Unlock()
	return Outcome{
		OrderID:      orderID,
		FilledQty:    p.filledQty,
		AvgFillPrice: e.avgPrice(p),
		Remainder:    p.remaining,
	}, true
}

func (e *Executor) avgPrice(p *pendingOrder) decimal.Decimal {
	if p.filledQty == 0 {
		return decimal.Zero
	}
	return p.fillValue.Div(decimal.NewFromInt(p.filledQty))
}

func (e *Executor) cleanup(p *pendingOrder) {
	e.pending.Delete(p.order.ID)
	e.byPosition.Delete(p.positionID)
}

func (e *Executor) publishProgress(accountID int64, symbol string, progress position.Progress, qty int64, markPrice, bankruptcy decimal.Decimal) {
	if e.publisher == nil {
		return
	}
	msg := &event.LiquidationEvent{
		AccountID:       accountID,
		Symbol:          symbol,
		Progress:        progress.String(),
		CurrentQty:      qty,
		MarkPrice:       markPrice,
		BankruptcyPrice: bankruptcy,
		Timestamp:       time.Now().UnixMilli(),
	}
	if err := e.publisher.Publish(msg); err != nil {
		log.Printf("[Executor] 强平事件发布失败: %v", err)
	}
}
