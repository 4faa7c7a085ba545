// 文件: pkg/feed/price_service.go
// 价格服务 - 管理各合约的标记价格与预言机价格
//
// 【职责】
// 1. 存储各合约的当前标记/预言机价格
// 2. 提供价格查询接口 (账户聚合、风控扫描共用)
// 3. 发布价格更新事件 (触发强平监控重扫)
//
// 【价格来源】
// 标记价格与指数价格由外部价格聚合服务算好后推送进来，
// 本核心只消费，不聚合

package feed

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PriceInfo
// =============================================================================

// PriceInfo 一个合约的价格快照
type PriceInfo struct {
	Symbol string

	// MarkPrice 标记价格 (维持保证金判定口径)
	MarkPrice decimal.Decimal

	// OraclePrice 预言机/指数价格 (保证金与盈亏口径)
	OraclePrice decimal.Decimal

	UpdatedAt int64 // Unix 毫秒
}

// =============================================================================
// PriceService
// =============================================================================

// PriceService 价格服务
type PriceService struct {
	mu     sync.RWMutex
	prices map[string]PriceInfo

	// 价格更新回调 (强平监控注册)
	onUpdate func(info PriceInfo)
}

// NewPriceService 创建价格服务
func NewPriceService() *PriceService {
	return &PriceService{
		prices: make(map[string]PriceInfo),
	}
}

// MarkPrice 获取标记价格
func (s *PriceService) MarkPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if info, ok := s.prices[symbol]; ok && info.MarkPrice.Sign() > 0 {
		return info.MarkPrice, true
	}
	return decimal.Zero, false
}

// OraclePrice 获取预言机价格
func (s *PriceService) OraclePrice(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if info, ok := s.prices[symbol]; ok && info.OraclePrice.Sign() > 0 {
		return info.OraclePrice, true
	}
	return decimal.Zero, false
}

// GetPriceInfo 获取完整价格快照
func (s *PriceService) GetPriceInfo(symbol string) (PriceInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.prices[symbol]
	return info, ok
}

// Update 更新价格并触发回调
func (s *PriceService) Update(symbol string, markPrice, oraclePrice decimal.Decimal) {
	info := PriceInfo{
		Symbol:      symbol,
		MarkPrice:   markPrice,
		OraclePrice: oraclePrice,
		UpdatedAt:   time.Now().UnixMilli(),
	}

	s.mu.Lock()
	s.prices[symbol] = info
	s.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(info)
	}
}

// OnUpdate 注册价格更新回调
// 用于通知强平监控重扫该合约 (启动期注册，之后只读)
func (s *PriceService) OnUpdate(callback func(info PriceInfo)) {
	s.onUpdate = callback
}

// AllSymbols 当前有价格的合约列表
func (s *PriceService) AllSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.prices))
	for symbol := range s.prices {
		symbols = append(symbols, symbol)
	}
	return symbols
}
