// 文件: pkg/feed/nats_feed.go
// NATS 价格订阅 - 对接外部价格聚合服务
//
// subject 约定: prices.{symbol}, 载荷为 PriceTick JSON

package feed

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

const (
	// PriceSubjectPrefix 价格推送 subject 前缀
	PriceSubjectPrefix = "prices."

	// PriceSubjectAll 订阅全部合约
	PriceSubjectAll = PriceSubjectPrefix + ">"
)

// PriceTick 价格推送消息体
type PriceTick struct {
	Symbol      string          `json:"symbol"`
	MarkPrice   decimal.Decimal `json:"markPrice"`
	OraclePrice decimal.Decimal `json:"oraclePrice"`
	Timestamp   int64           `json:"timestamp"`
}

// =============================================================================
// NatsFeed - 价格订阅器
// =============================================================================

// NatsFeed NATS 价格订阅器，收到 tick 后写入 PriceService
type NatsFeed struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	service *PriceService
}

// NewNatsFeed 连接 NATS
func NewNatsFeed(url string, service *PriceService) (*NatsFeed, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NatsFeed{conn: conn, service: service}, nil
}

// Start 开始订阅全部合约价格
func (f *NatsFeed) Start() error {
	sub, err := f.conn.Subscribe(PriceSubjectAll, f.handleTick)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", PriceSubjectAll, err)
	}
	f.sub = sub
	log.Printf("[Feed] subscribed to %s", PriceSubjectAll)
	return nil
}

// handleTick 处理单条价格推送
func (f *NatsFeed) handleTick(msg *nats.Msg) {
	var tick PriceTick
	if err := json.Unmarshal(msg.Data, &tick); err != nil {
		log.Printf("[Feed] bad price tick on %s: %v", msg.Subject, err)
		return
	}
	if tick.Symbol == "" || tick.MarkPrice.Sign() <= 0 || tick.OraclePrice.Sign() <= 0 {
		log.Printf("[Feed] invalid price tick: %+v", tick)
		return
	}
	f.service.Update(tick.Symbol, tick.MarkPrice, tick.OraclePrice)
}

// Close 关闭订阅与连接
func (f *NatsFeed) Close() error {
	if f.sub != nil {
		f.sub.Unsubscribe()
	}
	f.conn.Close()
	return nil
}
