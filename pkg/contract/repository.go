// 文件: pkg/contract/repository.go
// 合约规格存储接口
//
// 【设计模式】Repository Pattern
// - 业务层只依赖接口，不关心具体实现
// - 方便替换存储引擎、添加缓存层

package contract

import "context"

// ContractRepository 合约规格存储接口
type ContractRepository interface {
	// Create 创建合约
	// 如果 symbol 已存在，返回 ErrSymbolExists
	Create(ctx context.Context, spec *ContractSpec) error

	// GetBySymbol 根据 symbol 查询
	// 不存在返回 ErrSymbolNotFound
	GetBySymbol(ctx context.Context, symbol string) (*ContractSpec, error)

	// Update 更新合约 (根据 Symbol)
	Update(ctx context.Context, spec *ContractSpec) error

	// UpdateStatus 状态流转 (带前置状态校验的 CAS)
	UpdateStatus(ctx context.Context, symbol string, from, to ContractStatus) error

	// List 列出所有合约
	List(ctx context.Context) ([]*ContractSpec, error)

	// ListByStatus 按状态查询
	ListByStatus(ctx context.Context, status ContractStatus) ([]*ContractSpec, error)
}
