// 文件: pkg/feed/price_service_test.go
// 价格服务单元测试

package feed

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestPriceService_UpdateAndQuery(t *testing.T) {
	s := NewPriceService()

	// 无价格
	_, ok := s.MarkPrice("BTCUSD")
	assert.False(t, ok)

	s.Update("BTCUSD", d("10000"), d("10001"))

	mark, ok := s.MarkPrice("BTCUSD")
	require.True(t, ok)
	assert.True(t, mark.Equal(d("10000")))

	oracle, ok := s.OraclePrice("BTCUSD")
	require.True(t, ok)
	assert.True(t, oracle.Equal(d("10001")))

	info, ok := s.GetPriceInfo("BTCUSD")
	require.True(t, ok)
	assert.Equal(t, "BTCUSD", info.Symbol)
	assert.NotZero(t, info.UpdatedAt)
}

// 价格更新触发回调 (强平监控的价格触发路径)
func TestPriceService_OnUpdateCallback(t *testing.T) {
	s := NewPriceService()
	var got []string
	s.OnUpdate(func(info PriceInfo) {
		got = append(got, info.Symbol)
	})

	s.Update("BTCUSD", d("10000"), d("10000"))
	s.Update("ETHUSD", d("300"), d("300"))

	assert.Equal(t, []string{"BTCUSD", "ETHUSD"}, got)
}

func TestPriceService_AllSymbols(t *testing.T) {
	s := NewPriceService()
	s.Update("BTCUSD", d("10000"), d("10000"))
	s.Update("ETHUSD", d("300"), d("300"))

	symbols := s.AllSymbols()
	assert.ElementsMatch(t, []string{"BTCUSD", "ETHUSD"}, symbols)
}
