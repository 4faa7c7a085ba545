// 文件: pkg/contract/manager_test.go
// 合约规格管理单元测试

package contract

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 测试辅助
// =============================================================================

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// memRepo 内存合约仓库 (行为对齐 MySQLContractRepository)
type memRepo struct {
	specs map[string]*ContractSpec
}

var _ ContractRepository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{specs: make(map[string]*ContractSpec)}
}

func (r *memRepo) Create(ctx context.Context, spec *ContractSpec) error {
	if _, ok := r.specs[spec.Symbol]; ok {
		return ErrSymbolExists
	}
	cp := *spec
	r.specs[spec.Symbol] = &cp
	return nil
}

func (r *memRepo) GetBySymbol(ctx context.Context, symbol string) (*ContractSpec, error) {
	spec, ok := r.specs[symbol]
	if !ok {
		return nil, ErrSymbolNotFound
	}
	cp := *spec
	return &cp, nil
}

func (r *memRepo) Update(ctx context.Context, spec *ContractSpec) error {
	if _, ok := r.specs[spec.Symbol]; !ok {
		return ErrSymbolNotFound
	}
	cp := *spec
	r.specs[spec.Symbol] = &cp
	return nil
}

func (r *memRepo) UpdateStatus(ctx context.Context, symbol string, from, to ContractStatus) error {
	spec, ok := r.specs[symbol]
	if !ok || spec.Status != from {
		return ErrSymbolNotFound
	}
	spec.Status = to
	return nil
}

func (r *memRepo) List(ctx context.Context) ([]*ContractSpec, error) {
	var result []*ContractSpec
	for _, spec := range r.specs {
		if spec.Status != StatusDelisted {
			cp := *spec
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *memRepo) ListByStatus(ctx context.Context, status ContractStatus) ([]*ContractSpec, error) {
	var result []*ContractSpec
	for _, spec := range r.specs {
		if spec.Status == status {
			cp := *spec
			result = append(result, &cp)
		}
	}
	return result, nil
}

func validRequest() *CreateContractRequest {
	return &CreateContractRequest{
		Symbol:         "BTCUSD",
		BaseCurrency:   "BTC",
		QuoteCurrency:  "USD",
		SettleCurrency: "BTC",
		Family:         FamilyInverse,
		Multiplier:     d("1"),
		TickSize:       d("0.5"),
		MaxLeverage:    100,
		TakerFeeRate:   d("0.00075"),
		MaintTiers: []MaintTier{
			{NotionalCap: d("200"), Rate: d("0.005")},
			{NotionalCap: decimal.Zero, Rate: d("0.01")},
		},
	}
}

// =============================================================================
// 创建与校验
// =============================================================================

func TestCreateContract(t *testing.T) {
	ctx := context.Background()
	m := NewContractManager(newMemRepo())

	spec, err := m.CreateContract(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, spec.Status)

	// 重复创建
	_, err = m.CreateContract(ctx, validRequest())
	assert.ErrorIs(t, err, ErrSymbolExists)
}

func TestCreateContract_Validation(t *testing.T) {
	ctx := context.Background()
	m := NewContractManager(newMemRepo())

	mutate := []func(*CreateContractRequest){
		func(r *CreateContractRequest) { r.Symbol = "" },
		func(r *CreateContractRequest) { r.SettleCurrency = "" },
		func(r *CreateContractRequest) { r.Multiplier = decimal.Zero },
		func(r *CreateContractRequest) { r.TickSize = d("-0.5") },
		func(r *CreateContractRequest) { r.MaxLeverage = 0 },
		func(r *CreateContractRequest) { r.MaxLeverage = 201 },
		func(r *CreateContractRequest) { r.TakerFeeRate = d("-0.001") },
		func(r *CreateContractRequest) { r.MaintTiers = nil },
		// 档位未按名义价值升序
		func(r *CreateContractRequest) {
			r.MaintTiers = []MaintTier{
				{NotionalCap: d("200"), Rate: d("0.005")},
				{NotionalCap: d("100"), Rate: d("0.01")},
				{NotionalCap: decimal.Zero, Rate: d("0.02")},
			}
		},
		// 最后一档必须是兜底档 (cap=0)
		func(r *CreateContractRequest) {
			r.MaintTiers = []MaintTier{{NotionalCap: d("200"), Rate: d("0.005")}}
		},
		// 费率为 0 的档位非法
		func(r *CreateContractRequest) {
			r.MaintTiers = []MaintTier{{NotionalCap: decimal.Zero, Rate: decimal.Zero}}
		},
	}

	for i, f := range mutate {
		req := validRequest()
		f(req)
		_, err := m.CreateContract(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidSpec, "case %d", i)
	}
}

// =============================================================================
// 生命周期
// =============================================================================

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewContractManager(newMemRepo())

	_, err := m.CreateContract(ctx, validRequest())
	require.NoError(t, err)

	// PENDING → TRADING → PAUSED → TRADING → DELISTED
	require.NoError(t, m.ListContract(ctx, "BTCUSD"))
	require.NoError(t, m.PauseContract(ctx, "BTCUSD"))

	// 暂停中不能直接下架
	assert.Error(t, m.DelistContract(ctx, "BTCUSD"))

	require.NoError(t, m.ResumeContract(ctx, "BTCUSD"))
	require.NoError(t, m.DelistContract(ctx, "BTCUSD"))

	// 下架后不在可交易列表
	trading, err := m.GetTradingContracts(ctx)
	require.NoError(t, err)
	assert.Empty(t, trading)
}

func TestUpdateMaintTiers(t *testing.T) {
	ctx := context.Background()
	m := NewContractManager(newMemRepo())

	_, err := m.CreateContract(ctx, validRequest())
	require.NoError(t, err)

	err = m.UpdateMaintTiers(ctx, "BTCUSD", []MaintTier{
		{NotionalCap: decimal.Zero, Rate: d("0.02")},
	})
	require.NoError(t, err)

	spec, err := m.GetContract(ctx, "BTCUSD")
	require.NoError(t, err)
	assert.True(t, spec.MaintRate(d("100")).Equal(d("0.02")))

	// 非法档位表被拒绝
	err = m.UpdateMaintTiers(ctx, "BTCUSD", []MaintTier{
		{NotionalCap: d("100"), Rate: d("0.02")},
	})
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

// =============================================================================
// 档位查表与 tick 取整
// =============================================================================

func TestMaintRate_TierLookup(t *testing.T) {
	spec := &ContractSpec{
		MaintTiers: []MaintTier{
			{NotionalCap: d("100"), Rate: d("0.005")},
			{NotionalCap: d("500"), Rate: d("0.01")},
			{NotionalCap: decimal.Zero, Rate: d("0.025")},
		},
	}
	assert.True(t, spec.MaintRate(d("50")).Equal(d("0.005")))
	assert.True(t, spec.MaintRate(d("100")).Equal(d("0.005")))
	assert.True(t, spec.MaintRate(d("300")).Equal(d("0.01")))
	assert.True(t, spec.MaintRate(d("10000")).Equal(d("0.025")))
}

func TestTickRounding(t *testing.T) {
	spec := &ContractSpec{TickSize: d("0.5")}

	assert.True(t, spec.RoundDownToTick(d("100.74")).Equal(d("100.5")))
	assert.True(t, spec.RoundUpToTick(d("100.26")).Equal(d("100.5")))
	// 已在 tick 上的价格不动
	assert.True(t, spec.RoundDownToTick(d("100.5")).Equal(d("100.5")))
	assert.True(t, spec.RoundUpToTick(d("100.5")).Equal(d("100.5")))

	assert.True(t, spec.ValidatePrice(d("100.5")))
	assert.False(t, spec.ValidatePrice(d("100.74")))
}
