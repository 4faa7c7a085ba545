// 文件: pkg/contract/manager.go
// 合约规格管理器 - 业务逻辑层
//
// 【职责】
// 1. 参数验证
// 2. 业务规则校验 (状态流转、档位表合法性)
// 3. 调用 Repository 完成存储
// 4. 不关心底层是 MySQL 还是 Redis

package contract

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrSymbolExists      = errors.New("contract symbol already exists")
	ErrSymbolNotFound    = errors.New("contract symbol not found")
	ErrInvalidSpec       = errors.New("invalid contract specification")
	ErrContractNotActive = errors.New("contract is not active for trading")
)

// =============================================================================
// ContractManager - 合约管理器
// =============================================================================

// ContractManager 合约规格管理器
//
// 【设计】只依赖 ContractRepository 接口
// - 可以传入 MySQLContractRepository (无缓存)
// - 可以传入 CachedContractRepository (有缓存)
// - 单元测试时可以传入内存实现
type ContractManager struct {
	repo ContractRepository
}

// NewContractManager 创建合约管理器
func NewContractManager(repo ContractRepository) *ContractManager {
	return &ContractManager{repo: repo}
}

// =============================================================================
// 创建合约
// =============================================================================

// CreateContractRequest 创建合约请求
type CreateContractRequest struct {
	Symbol         string
	BaseCurrency   string
	QuoteCurrency  string
	SettleCurrency string

	Family       Family
	Multiplier   decimal.Decimal
	TickSize     decimal.Decimal
	MaxLeverage  int
	MaintTiers   []MaintTier
	TakerFeeRate decimal.Decimal
}

// CreateContract 创建新合约
func (m *ContractManager) CreateContract(ctx context.Context, req *CreateContractRequest) (*ContractSpec, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	spec := &ContractSpec{
		Symbol:         req.Symbol,
		BaseCurrency:   req.BaseCurrency,
		QuoteCurrency:  req.QuoteCurrency,
		SettleCurrency: req.SettleCurrency,
		Family:         req.Family,
		Multiplier:     req.Multiplier,
		TickSize:       req.TickSize,
		MaxLeverage:    req.MaxLeverage,
		MaintTiers:     req.MaintTiers,
		TakerFeeRate:   req.TakerFeeRate,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := m.repo.Create(ctx, spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// validateCreateRequest 校验创建请求
func validateCreateRequest(req *CreateContractRequest) error {
	if req.Symbol == "" || req.SettleCurrency == "" {
		return ErrInvalidSpec
	}
	if req.Multiplier.Sign() <= 0 || req.TickSize.Sign() <= 0 {
		return ErrInvalidSpec
	}
	if req.MaxLeverage <= 0 || req.MaxLeverage > 200 {
		return ErrInvalidSpec
	}
	if req.TakerFeeRate.IsNegative() {
		return ErrInvalidSpec
	}
	if len(req.MaintTiers) == 0 {
		return ErrInvalidSpec
	}
	// 档位表必须按 NotionalCap 升序，且最后一档兜底 (cap=0)
	last := len(req.MaintTiers) - 1
	prev := decimal.Zero
	for i, tier := range req.MaintTiers {
		if tier.Rate.Sign() <= 0 {
			return ErrInvalidSpec
		}
		if i == last {
			if !tier.NotionalCap.IsZero() {
				return ErrInvalidSpec
			}
			continue
		}
		if tier.NotionalCap.LessThanOrEqual(prev) {
			return ErrInvalidSpec
		}
		prev = tier.NotionalCap
	}
	return nil
}

// =============================================================================
// 查询合约
// =============================================================================

// GetContract 获取合约规格
func (m *ContractManager) GetContract(ctx context.Context, symbol string) (*ContractSpec, error) {
	return m.repo.GetBySymbol(ctx, symbol)
}

// GetTradingContracts 获取所有可交易合约
func (m *ContractManager) GetTradingContracts(ctx context.Context) ([]*ContractSpec, error) {
	return m.repo.ListByStatus(ctx, StatusTrading)
}

// GetAllContracts 获取所有合约
func (m *ContractManager) GetAllContracts(ctx context.Context) ([]*ContractSpec, error) {
	return m.repo.List(ctx)
}

// =============================================================================
// 生命周期管理
// =============================================================================

// ListContract 上线合约 (PENDING -> TRADING)
func (m *ContractManager) ListContract(ctx context.Context, symbol string) error {
	return m.repo.UpdateStatus(ctx, symbol, StatusPending, StatusTrading)
}

// PauseContract 暂停合约 (TRADING -> PAUSED)
// 分片迁移/维护时由路由层调用，暂停期间风控拒绝处理该 symbol
func (m *ContractManager) PauseContract(ctx context.Context, symbol string) error {
	return m.repo.UpdateStatus(ctx, symbol, StatusTrading, StatusPaused)
}

// ResumeContract 恢复合约 (PAUSED -> TRADING)
func (m *ContractManager) ResumeContract(ctx context.Context, symbol string) error {
	return m.repo.UpdateStatus(ctx, symbol, StatusPaused, StatusTrading)
}

// DelistContract 下架合约 (TRADING -> DELISTED)
func (m *ContractManager) DelistContract(ctx context.Context, symbol string) error {
	return m.repo.UpdateStatus(ctx, symbol, StatusTrading, StatusDelisted)
}

// =============================================================================
// 更新合约参数 (管理通道)
// =============================================================================

// UpdateMaintTiers 更新维持保证金档位表
func (m *ContractManager) UpdateMaintTiers(ctx context.Context, symbol string, tiers []MaintTier) error {
	spec, err := m.repo.GetBySymbol(ctx, symbol)
	if err != nil {
		return err
	}

	req := &CreateContractRequest{
		Symbol:         spec.Symbol,
		SettleCurrency: spec.SettleCurrency,
		Family:         spec.Family,
		Multiplier:     spec.Multiplier,
		TickSize:       spec.TickSize,
		MaxLeverage:    spec.MaxLeverage,
		MaintTiers:     tiers,
		TakerFeeRate:   spec.TakerFeeRate,
	}
	if err := validateCreateRequest(req); err != nil {
		return err
	}

	spec.MaintTiers = tiers
	return m.repo.Update(ctx, spec)
}

// UpdateLeverage 更新最大杠杆
func (m *ContractManager) UpdateLeverage(ctx context.Context, symbol string, maxLeverage int) error {
	spec, err := m.repo.GetBySymbol(ctx, symbol)
	if err != nil {
		return err
	}

	if maxLeverage <= 0 || maxLeverage > 200 {
		return errors.New("invalid leverage: must be between 1 and 200")
	}

	spec.MaxLeverage = maxLeverage
	return m.repo.Update(ctx, spec)
}
