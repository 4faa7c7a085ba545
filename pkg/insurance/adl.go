// 文件: pkg/insurance/adl.go
// 自动减仓 (Auto-Deleveraging)
//
// 【触发条件】
// 保险基金余额不足以兜底穿仓损失时,从全市场挑选对手方强制平仓,
// 把基金继承的仓位消化掉
//
// 【排序规则】
// 得分 = 收益率 × 有效杠杆,降序
// 越赚钱、杠杆越高的仓位越先被减
//
// 【成交价】
// 永远按破产价成交,不按市场价 —— 对手方以破产价让渡利润,
// 基金继承仓位的开仓价也是破产价,两两轧平后基金零损益
//
// 【致命路径】
// 对手方耗尽仍未轧平 → ErrNoEligibleCounterparty,记录保持 pending,
// 只告警不重试,等待人工介入

package insurance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"mex.com/pkg/account"
	"mex.com/pkg/contract"
	"mex.com/pkg/event"
	"mex.com/pkg/margin"
	"mex.com/pkg/position"
)

// ErrNoEligibleCounterparty 对手方耗尽,基金继承仓位无法轧平
var ErrNoEligibleCounterparty = errors.New("insurance: no eligible deleverage counterparty")

// 每页拉取的候选仓位数
const adlPageSize = 500

// =============================================================================
// Controller
// =============================================================================

// Controller 穿仓处理控制器: 基金兜底优先,兜不住走 ADL
type Controller struct {
	fund      *Fund
	losses    MarginLossRepository
	positions position.PositionRepository
	balances  account.BalanceRepository
	specs     account.SpecProvider
	prices    account.PriceProvider
	publisher event.Publisher
}

func NewController(
	fund *Fund,
	losses MarginLossRepository,
	positions position.PositionRepository,
	balances account.BalanceRepository,
	specs account.SpecProvider,
	prices account.PriceProvider,
	publisher event.Publisher,
) *Controller {
	return &Controller{
		fund:      fund,
		losses:    losses,
		positions: positions,
		balances:  balances,
		specs:     specs,
		prices:    prices,
		publisher: publisher,
	}
}

// ProcessPending 处理某合约全部 pending 穿仓记录
//
// 逐条处理,单条失败不影响后续。ErrNoEligibleCounterparty 例外:
// 该记录转 HALTED 挂起并告警一次,此后轮次不再碰它,
// 也不阻塞队列里基金本可兜底的后续记录
func (c *Controller) ProcessPending(ctx context.Context, symbol string) error {
	pending, err := c.losses.ListPending(ctx, symbol)
	if err != nil {
		return fmt.Errorf("list pending losses: %w", err)
	}

	for _, loss := range pending {
		if err := c.processOne(ctx, loss); err != nil {
			if errors.Is(err, ErrNoEligibleCounterparty) {
				c.haltLoss(ctx, symbol, loss)
				continue
			}
			log.Printf("[Insurance] 穿仓记录 %d 处理失败: %v", loss.ID, err)
			continue
		}
	}
	return nil
}

// haltLoss 挂起无对手方的穿仓记录: 告警一次, 等待人工介入
// 挂起失败时记录留在 pending, 下一轮重试挂起
func (c *Controller) haltLoss(ctx context.Context, symbol string, loss *MarginLoss) {
	if err := c.losses.MarkHalted(ctx, loss.ID); err != nil {
		log.Printf("[Insurance] 穿仓记录 %d 挂起失败: %v", loss.ID, err)
		return
	}
	c.publishMarginLoss(loss, "HALTED")
	log.Printf("[Insurance] 致命: 合约 %s 穿仓记录 %d 无可减仓对手方, 已挂起, 需人工介入", symbol, loss.ID)
}

func (c *Controller) processOne(ctx context.Context, loss *MarginLoss) error {
	spec, err := c.specs.GetContract(ctx, loss.Symbol)
	if err != nil {
		return fmt.Errorf("load spec %s: %w", loss.Symbol, err)
	}
	asset := spec.SettleCurrency
	shortfall := loss.Loss.Neg() // Loss 为负,取绝对值

	// 路径一: 基金余额兜底
	if shortfall.Sign() > 0 {
		ok, err := c.fund.CanAbsorb(ctx, asset, shortfall)
		if err != nil {
			return err
		}
		if ok {
			if err := c.fund.Debit(ctx, asset, shortfall, loss.Symbol); err != nil {
				return err
			}
			if err := c.losses.MarkProcessed(ctx, loss.ID); err != nil {
				return err
			}
			c.publishMarginLoss(loss, "COVERED")
			log.Printf("[Insurance] 基金兜底 %s 穿仓 %s, 记录 %d 已处理", loss.Symbol, shortfall, loss.ID)
			return nil
		}
	}

	// 路径二: 自动减仓,轧平基金继承仓位
	if err := c.deleverage(ctx, spec, loss); err != nil {
		return err
	}
	if err := c.losses.MarkProcessed(ctx, loss.ID); err != nil {
		return err
	}
	c.publishMarginLoss(loss, "DELEVERAGED")
	return nil
}

// =============================================================================
// 减仓候选排序
// =============================================================================

type adlCandidate struct {
	pos   *position.Position
	score decimal.Decimal // 收益率 × 有效杠杆
}

// rankCandidates 按得分降序返回基金仓位的对手侧候选
func (c *Controller) rankCandidates(ctx context.Context, spec *contract.ContractSpec, fundSide position.Side) ([]adlCandidate, error) {
	markPrice, ok := c.prices.MarkPrice(spec.Symbol)
	if !ok {
		return nil, fmt.Errorf("no mark price for %s", spec.Symbol)
	}
	oraclePrice, ok := c.prices.OraclePrice(spec.Symbol)
	if !ok {
		oraclePrice = markPrice
	}

	var candidates []adlCandidate
	offset := 0
	for {
		page, err := c.positions.ListBySymbol(ctx, spec.Symbol, adlPageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, pos := range page {
			if pos.AccountID == account.InsuranceFundAccountID {
				continue
			}
			if pos.CurrentQty == 0 || pos.Side() == fundSide {
				continue
			}
			// 强平流程中的仓位不参与减仓
			if pos.Progress != position.ProgressNone {
				continue
			}
			result, err := margin.Compute(pos.MarginInput(), spec, markPrice, oraclePrice)
			if err != nil {
				log.Printf("[Insurance] 候选仓位 %d 估值失败, 跳过: %v", pos.ID, err)
				continue
			}
			allocated := result.PositionMargin
			if !pos.IsCross {
				allocated = result.AllocatedMargin
			}
			score := decimal.Zero
			if allocated.Sign() > 0 {
				profitRate := result.UnrealizedPnl.Div(allocated)
				score = profitRate.Mul(decimal.NewFromInt(int64(pos.Leverage)))
			}
			candidates = append(candidates, adlCandidate{pos: pos, score: score})
		}
		if len(page) < adlPageSize {
			break
		}
		offset += adlPageSize
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score.GreaterThan(candidates[j].score)
	})
	return candidates, nil
}

// =============================================================================
// 减仓执行
// =============================================================================

// deleverage 按排序逐个对手方平仓,直到基金继承仓位归零
func (c *Controller) deleverage(ctx context.Context, spec *contract.ContractSpec, loss *MarginLoss) error {
	fundPos, err := c.positions.GetByAccountAndSymbol(ctx, account.InsuranceFundAccountID, spec.Symbol)
	if err != nil {
		return fmt.Errorf("load fund position: %w", err)
	}
	if fundPos == nil || fundPos.CurrentQty == 0 {
		// 继承仓位已被此前的处理轧平
		return nil
	}

	closePrice := loss.BankruptcyPrice
	if closePrice.Sign() <= 0 {
		closePrice = fundPos.EntryPrice
	}

	candidates, err := c.rankCandidates(ctx, spec, fundPos.Side())
	if err != nil {
		return err
	}

	remaining := fundPos.CurrentQty
	if remaining < 0 {
		remaining = -remaining
	}

	for _, cand := range candidates {
		if remaining == 0 {
			break
		}
		closeQty := cand.pos.CurrentQty
		if closeQty < 0 {
			closeQty = -closeQty
		}
		if closeQty > remaining {
			closeQty = remaining
		}
		if err := c.closeCounterparty(ctx, spec, cand.pos, closeQty, closePrice, cand.score); err != nil {
			log.Printf("[Insurance] 减仓对手方 %d 失败, 跳过: %v", cand.pos.ID, err)
			continue
		}
		if err := c.reduceFundPosition(ctx, fundPos, closeQty); err != nil {
			return err
		}
		remaining -= closeQty
	}

	if remaining > 0 {
		return ErrNoEligibleCounterparty
	}
	return nil
}

// closeCounterparty 按破产价平掉对手方 closeQty 张
//
// 已实现盈亏按破产价结算入余额;逐仓按平仓比例释放保证金
func (c *Controller) closeCounterparty(ctx context.Context, spec *contract.ContractSpec, pos *position.Position, closeQty int64, closePrice, score decimal.Decimal) error {
	side := int64(pos.Side())
	qty := decimal.NewFromInt(closeQty)
	sideDec := decimal.NewFromInt(side)

	var pnl decimal.Decimal
	switch spec.Family {
	case contract.FamilyInverse:
		// pnl = qty·mult·(1/entry − 1/close)·side
		invEntry := decimal.NewFromInt(1).Div(pos.EntryPrice)
		invClose := decimal.NewFromInt(1).Div(closePrice)
		pnl = qty.Mul(spec.Multiplier).Mul(invEntry.Sub(invClose)).Mul(sideDec)
	case contract.FamilyLinear:
		// pnl = qty·mult·(close − entry)·side
		pnl = qty.Mul(spec.Multiplier).Mul(closePrice.Sub(pos.EntryPrice)).Mul(sideDec)
	default:
		return fmt.Errorf("unknown contract family %d", spec.Family)
	}

	absQty := pos.CurrentQty
	if absQty < 0 {
		absQty = -absQty
	}
	fraction := qty.Div(decimal.NewFromInt(absQty))

	settle := pnl
	if !pos.IsCross {
		// 逐仓: 平仓部分的占用保证金随平仓返还钱包
		released := pos.PositionMargin.Add(pos.AdjustMargin).Mul(fraction)
		settle = settle.Add(released)
		pos.PositionMargin = pos.PositionMargin.Sub(pos.PositionMargin.Mul(fraction))
		pos.AdjustMargin = pos.AdjustMargin.Sub(pos.AdjustMargin.Mul(fraction))
	}

	pos.EntryValue = pos.EntryValue.Sub(pos.EntryValue.Mul(fraction))
	pos.CurrentQty -= closeQty * side
	if pos.CurrentQty == 0 {
		pos.EntryPrice = decimal.Zero
		pos.EntryValue = decimal.Zero
		pos.PositionMargin = decimal.Zero
		pos.AdjustMargin = decimal.Zero
		if err := c.positions.Archive(ctx, pos); err != nil {
			return err
		}
	} else if err := c.positions.Save(ctx, pos); err != nil {
		return err
	}

	if settle.Sign() != 0 {
		_, err := c.balances.ApplyChange(ctx, &account.BalanceChange{
			AccountID:     pos.AccountID,
			Asset:         spec.SettleCurrency,
			Amount:        settle,
			ChangeType:    ChangeTypeADLSettle,
			RefSymbol:     spec.Symbol,
			AllowNegative: true,
		})
		if err != nil {
			return err
		}
	}

	c.publishADL(pos.AccountID, spec.Symbol, closeQty*side, closePrice, score)
	log.Printf("[Insurance] ADL 减仓: 账户 %d 合约 %s 数量 %d 价格 %s 结算 %s",
		pos.AccountID, spec.Symbol, closeQty*side, closePrice, settle)
	return nil
}

// reduceFundPosition 轧平基金继承仓位,归零后归档
func (c *Controller) reduceFundPosition(ctx context.Context, fundPos *position.Position, closeQty int64) error {
	side := int64(fundPos.Side())
	absQty := fundPos.CurrentQty
	if absQty < 0 {
		absQty = -absQty
	}
	fraction := decimal.NewFromInt(closeQty).Div(decimal.NewFromInt(absQty))
	fundPos.EntryValue = fundPos.EntryValue.Sub(fundPos.EntryValue.Mul(fraction))
	fundPos.CurrentQty -= closeQty * side
	if fundPos.CurrentQty == 0 {
		fundPos.EntryPrice = decimal.Zero
		fundPos.EntryValue = decimal.Zero
		return c.positions.Archive(ctx, fundPos)
	}
	return c.positions.Save(ctx, fundPos)
}

// =============================================================================
// 事件
// =============================================================================

func (c *Controller) publishADL(accountID int64, symbol string, closedQty int64, closePrice, score decimal.Decimal) {
	if c.publisher == nil {
		return
	}
	msg := &event.ADLEvent{
		AccountID:  accountID,
		Symbol:     symbol,
		ClosedQty:  closedQty,
		ClosePrice: closePrice,
		RankScore:  score,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := c.publisher.Publish(msg); err != nil {
		log.Printf("[Insurance] ADL 事件发布失败: %v", err)
	}
}

func (c *Controller) publishMarginLoss(loss *MarginLoss, status string) {
	if c.publisher == nil {
		return
	}
	msg := &event.MarginLossEvent{
		LossID:     loss.ID,
		Symbol:     loss.Symbol,
		AccountID:  loss.AccountID,
		PositionID: loss.PositionID,
		Loss:       loss.Loss,
		Status:     status,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := c.publisher.Publish(msg); err != nil {
		log.Printf("[Insurance] 穿仓事件发布失败: %v", err)
	}
}
