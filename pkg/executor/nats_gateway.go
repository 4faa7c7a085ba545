// 文件: pkg/executor/nats_gateway.go
// NATS 撮合网关 - 对接外部撮合引擎
//
// subject 约定:
//   forced.orders.{symbol}  强平委托 (request/reply, ACK 超时视为撮合不可用)
//   forced.cancel.{symbol}  账户撤单指令
//   forced.fills.{symbol}   成交回报 (订阅)
//   forced.done.{symbol}    订单终结回报 (订阅)

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

const (
	OrderSubjectPrefix  = "forced.orders."
	CancelSubjectPrefix = "forced.cancel."
	FillSubjectAll      = "forced.fills.>"
	DoneSubjectAll      = "forced.done.>"
)

// cancelRequest 撤单指令载荷
type cancelRequest struct {
	Symbol    string `json:"symbol"`
	AccountID int64  `json:"accountId"`
}

// =============================================================================
// NatsGateway
// =============================================================================

var _ MatchingEngine = (*NatsGateway)(nil)

// NatsGateway 基于 NATS request/reply 的撮合网关
//
// 成交/终结回报经 Start 订阅后回灌执行器
type NatsGateway struct {
	conn *nats.Conn
	subs []*nats.Subscription
}

// NewNatsGateway 连接 NATS
func NewNatsGateway(url string) (*NatsGateway, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NatsGateway{conn: conn}, nil
}

// SubmitOrder 提交强平单,等待撮合 ACK
func (g *NatsGateway) SubmitOrder(ctx context.Context, order *ForcedOrder) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	subject := OrderSubjectPrefix + order.Symbol
	_, err = g.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if err == nats.ErrNoResponders || err == nats.ErrTimeout || ctx.Err() != nil {
			return fmt.Errorf("%s: %w", subject, ErrMatchingEngineUnavailable)
		}
		return fmt.Errorf("request %s: %w", subject, err)
	}
	return nil
}

// CancelAccountOrders 撤掉账户在该合约上的挂单
func (g *NatsGateway) CancelAccountOrders(ctx context.Context, symbol string, accountID int64) error {
	data, err := json.Marshal(&cancelRequest{Symbol: symbol, AccountID: accountID})
	if err != nil {
		return err
	}
	subject := CancelSubjectPrefix + symbol
	if _, err := g.conn.RequestWithContext(ctx, subject, data); err != nil {
		if err == nats.ErrNoResponders || err == nats.ErrTimeout || ctx.Err() != nil {
			return fmt.Errorf("%s: %w", subject, ErrMatchingEngineUnavailable)
		}
		return fmt.Errorf("request %s: %w", subject, err)
	}
	return nil
}

// Start 订阅成交与终结回报,回灌执行器
func (g *NatsGateway) Start(exec *Executor) error {
	fillSub, err := g.conn.Subscribe(FillSubjectAll, func(msg *nats.Msg) {
		var fill Fill
		if err := json.Unmarshal(msg.Data, &fill); err != nil {
			log.Printf("[Gateway] bad fill on %s: %v", msg.Subject, err)
			return
		}
		if err := exec.HandleFill(context.Background(), &fill); err != nil {
			log.Printf("[Gateway] handle fill %d: %v", fill.OrderID, err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", FillSubjectAll, err)
	}
	g.subs = append(g.subs, fillSub)

	doneSub, err := g.conn.Subscribe(DoneSubjectAll, func(msg *nats.Msg) {
		var done OrderDone
		if err := json.Unmarshal(msg.Data, &done); err != nil {
			log.Printf("[Gateway] bad done on %s: %v", msg.Subject, err)
			return
		}
		if err := exec.HandleOrderDone(context.Background(), &done); err != nil {
			log.Printf("[Gateway] handle done %d: %v", done.OrderID, err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", DoneSubjectAll, err)
	}
	g.subs = append(g.subs, doneSub)

	log.Printf("[Gateway] subscribed to %s, %s", FillSubjectAll, DoneSubjectAll)
	return nil
}

// Close 关闭订阅与连接
func (g *NatsGateway) Close() error {
	for _, sub := range g.subs {
		sub.Unsubscribe()
	}
	g.conn.Close()
	return nil
}
