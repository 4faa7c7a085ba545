// 文件: pkg/router/router.go
// 风控命令路由 - 按合约单线程串行
//
// 核心设计:
// 1. 单线程模型: 每个合约由一个 goroutine 独占处理，避免锁竞争
// 2. 命令队列: 价格触发/定时兜底/穿仓处理都封装为命令串行执行
// 3. 暂停/恢复: 合约可被暂停 (升级、紧急操作)，暂停期间命令重新排队
//
// 为什么按合约串行?
// - 同一合约的强平评估/执行/ADL 之间有先后依赖，并行会竞态
// - 不同合约互不相干，按合约拆 goroutine 拿到并行度
// - 单合约内无锁，状态流转可推理

package router

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrRouterClosed = errors.New("router is closed")
	ErrQueueFull    = errors.New("symbol command queue is full")
)

// =============================================================================
// 命令类型
// =============================================================================

// CmdType 命令类型
type CmdType uint8

const (
	CmdPriceTick  CmdType = iota + 1 // 价格更新触发重扫
	CmdRescan                        // 定时兜底重扫
	CmdSettleLoss                    // 穿仓处理 (基金兜底 / ADL)
)

func (t CmdType) String() string {
	switch t {
	case CmdPriceTick:
		return "PRICE_TICK"
	case CmdRescan:
		return "RESCAN"
	case CmdSettleLoss:
		return "SETTLE_LOSS"
	}
	return "UNKNOWN"
}

// Command 路由命令
//
// Result 可为 nil (发后不理); 非 nil 时处理完回传一次
type Command struct {
	Type   CmdType
	Symbol string
	Result chan error
}

// =============================================================================
// 依赖接口
// =============================================================================

// Scanner 强平扫描 (monitor.Monitor 即实现)
type Scanner interface {
	ScanSymbol(ctx context.Context, symbol string) error
}

// LossSettler 穿仓处理 (insurance.Controller 即实现)
type LossSettler interface {
	ProcessPending(ctx context.Context, symbol string) error
}

// =============================================================================
// 配置
// =============================================================================

// Config 路由配置
type Config struct {
	QueueLen       int           // 单合约命令队列长度
	CommandTimeout time.Duration // 单命令执行超时
	RequeueDelay   time.Duration // 暂停期间命令重新入队的延迟
}

// DefaultConfig 默认路由配置
func DefaultConfig() Config {
	return Config{
		QueueLen:       1024,
		CommandTimeout: 10 * time.Second,
		RequeueDelay:   200 * time.Millisecond,
	}
}

// =============================================================================
// symbolWorker - 单合约处理器
// =============================================================================

// workerStats 单合约统计 (监控用)
type workerStats struct {
	totalCommands   uint64
	requeuedPaused  uint64
	failedCommands  uint64
	droppedCommands uint64
}

type symbolWorker struct {
	symbol string
	cmdCh  chan Command
	paused atomic.Bool
	stats  workerStats

	router *Router
	wg     sync.WaitGroup
}

func (w *symbolWorker) start(ctx context.Context) {
	w.wg.Add(1)
	go w.processLoop(ctx)
}

// processLoop 命令处理主循环 (单线程)
//
// 暂停中的合约不处理命令，延迟后重新入队 —— 恢复时不丢命令
func (w *symbolWorker) processLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			w.drainQueue()
			return
		case cmd := <-w.cmdCh:
			if w.paused.Load() {
				w.requeue(ctx, cmd)
				continue
			}
			w.handleCommand(ctx, cmd)
		}
	}
}

// drainQueue 关闭时回应剩余命令的等待方
func (w *symbolWorker) drainQueue() {
	for {
		select {
		case cmd := <-w.cmdCh:
			w.sendResult(cmd, ErrRouterClosed)
		default:
			return
		}
	}
}

// requeue 暂停期间的命令延迟重新入队
func (w *symbolWorker) requeue(ctx context.Context, cmd Command) {
	atomic.AddUint64(&w.stats.requeuedPaused, 1)
	time.AfterFunc(w.router.cfg.RequeueDelay, func() {
		select {
		case w.cmdCh <- cmd:
		case <-ctx.Done():
			w.sendResult(cmd, ErrRouterClosed)
		default:
			atomic.AddUint64(&w.stats.droppedCommands, 1)
			log.Printf("[Router] 合约 %s 队列满, 丢弃重排命令 %s", w.symbol, cmd.Type)
			w.sendResult(cmd, ErrQueueFull)
		}
	})
}

// handleCommand 处理单个命令
func (w *symbolWorker) handleCommand(ctx context.Context, cmd Command) {
	atomic.AddUint64(&w.stats.totalCommands, 1)

	cmdCtx, cancel := context.WithTimeout(ctx, w.router.cfg.CommandTimeout)
	defer cancel()

	var err error
	switch cmd.Type {
	case CmdPriceTick, CmdRescan:
		err = w.router.scanner.ScanSymbol(cmdCtx, w.symbol)
	case CmdSettleLoss:
		err = w.router.settler.ProcessPending(cmdCtx, w.symbol)
	default:
		err = errors.New("unknown command type")
	}
	if err != nil {
		atomic.AddUint64(&w.stats.failedCommands, 1)
		log.Printf("[Router] 合约 %s 命令 %s 失败: %v", w.symbol, cmd.Type, err)
	}
	w.sendResult(cmd, err)
}

func (w *symbolWorker) sendResult(cmd Command, err error) {
	if cmd.Result == nil {
		return
	}
	select {
	case cmd.Result <- err:
	default:
	}
}

// =============================================================================
// Router
// =============================================================================

// Router 按合约路由的命令分发器
type Router struct {
	cfg     Config
	scanner Scanner
	settler LossSettler

	mu      sync.Mutex
	workers map[string]*symbolWorker

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func New(cfg Config, scanner Scanner, settler LossSettler) *Router {
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = DefaultConfig().QueueLen
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultConfig().CommandTimeout
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = DefaultConfig().RequeueDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		cfg:     cfg,
		scanner: scanner,
		settler: settler,
		workers: make(map[string]*symbolWorker),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Dispatch 投递命令到对应合约的串行队列 (worker 惰性创建)
func (r *Router) Dispatch(cmd Command) error {
	if r.closed.Load() {
		return ErrRouterClosed
	}
	w := r.workerFor(cmd.Symbol)
	select {
	case w.cmdCh <- cmd:
		return nil
	default:
		atomic.AddUint64(&w.stats.droppedCommands, 1)
		return ErrQueueFull
	}
}

// DispatchWait 投递并阻塞等待执行结果
func (r *Router) DispatchWait(ctx context.Context, cmd Command) error {
	cmd.Result = make(chan error, 1)
	if err := r.Dispatch(cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.Result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause 暂停合约处理 (命令继续排队, 不执行)
func (r *Router) Pause(symbol string) {
	w := r.workerFor(symbol)
	w.paused.Store(true)
	log.Printf("[Router] 合约 %s 已暂停", symbol)
}

// Resume 恢复合约处理
func (r *Router) Resume(symbol string) {
	w := r.workerFor(symbol)
	w.paused.Store(false)
	log.Printf("[Router] 合约 %s 已恢复", symbol)
}

// Paused 查询合约是否处于暂停
func (r *Router) Paused(symbol string) bool {
	r.mu.Lock()
	w, ok := r.workers[symbol]
	r.mu.Unlock()
	return ok && w.paused.Load()
}

// RunRescan 定时兜底: 周期性给每个合约投递 CmdRescan
func (r *Router) RunRescan(ctx context.Context, interval time.Duration, symbols func() []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range symbols() {
				if err := r.Dispatch(Command{Type: CmdRescan, Symbol: symbol}); err != nil {
					log.Printf("[Router] 兜底重扫 %s 投递失败: %v", symbol, err)
				}
			}
		}
	}
}

// Stop 关闭路由, 等待所有 worker 退出
func (r *Router) Stop() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.cancel()
	r.mu.Lock()
	workers := make([]*symbolWorker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()
	for _, w := range workers {
		w.wg.Wait()
	}
	log.Printf("[Router] 已停止 (%d 个合约 worker)", len(workers))
}

func (r *Router) workerFor(symbol string) *symbolWorker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[symbol]; ok {
		return w
	}
	w := &symbolWorker{
		symbol: symbol,
		cmdCh:  make(chan Command, r.cfg.QueueLen),
		router: r,
	}
	r.workers[symbol] = w
	w.start(r.ctx)
	return w
}
