// 文件: cmd/riskd/main.go
// 风控守护进程: 行情驱动强平扫描 + 定时兜底重扫 + 穿仓处理
//
// 数据流:
//   NATS 行情 → PriceService → Router(CmdPriceTick) → Monitor 扫描
//   定时器 → Router(CmdRescan) → Monitor 扫描
//   定时器 → Router(CmdSettleLoss) → Insurance Controller (基金兜底 / ADL)
//   Monitor 触发 → Executor → NATS 撮合网关 → 回报驱动结算

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"mex.com/pkg/account"
	"mex.com/pkg/contract"
	"mex.com/pkg/event"
	"mex.com/pkg/executor"
	"mex.com/pkg/feed"
	"mex.com/pkg/insurance"
	"mex.com/pkg/monitor"
	"mex.com/pkg/position"
	"mex.com/pkg/router"
)

// =============================================================================
// 配置
// =============================================================================

// DaemonConfig 进程级配置 (各组件配置见各包 DefaultConfig)
type DaemonConfig struct {
	MySQLDSN       string
	RedisAddr      string
	NatsURL        string
	KafkaBrokers   []string
	NodeID         int64         // snowflake 节点号, 多实例部署时必须互异
	RescanInterval time.Duration // 兜底重扫周期
	SettleInterval time.Duration // 穿仓处理周期
}

func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		MySQLDSN:       "root:root@tcp(127.0.0.1:3306)/mex?charset=utf8mb4&parseTime=True&loc=Local",
		RedisAddr:      "127.0.0.1:6379",
		NatsURL:        "nats://127.0.0.1:4222",
		KafkaBrokers:   []string{"127.0.0.1:9092"},
		NodeID:         1,
		RescanInterval: 5 * time.Second,
		SettleInterval: 10 * time.Second,
	}
}

// loadConfig 默认值 + 环境变量覆盖
func loadConfig() DaemonConfig {
	cfg := DefaultDaemonConfig()
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		cfg.MySQLDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NatsURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = strings.Split(v, ",")
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Fatalf("[Main] NODE_ID 非法: %v", err)
		}
		cfg.NodeID = id
	}
	return cfg
}

// =============================================================================
// 入口
// =============================================================================

func main() {
	cfg := loadConfig()
	log.Printf("[Main] riskd 启动, node=%d mysql=%s redis=%s nats=%s kafka=%v",
		cfg.NodeID, cfg.MySQLDSN, cfg.RedisAddr, cfg.NatsURL, cfg.KafkaBrokers)

	// --- 存储 ---
	db, err := gorm.Open(mysql.Open(cfg.MySQLDSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("[Main] MySQL 连接失败: %v", err)
	}
	if err := db.AutoMigrate(
		&contract.ContractSpec{},
		&position.Position{},
		&position.ArchivedPosition{},
		&account.MarginBalance{},
		&account.BalanceJournal{},
		&insurance.MarginLoss{},
	); err != nil {
		log.Fatalf("[Main] 建表失败: %v", err)
	}

	rds := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rds.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("[Main] Redis 连接失败: %v", err)
	}

	// --- 仓库 ---
	contracts := contract.NewCachedContractRepository(contract.NewMySQLContractRepository(db), rds)
	manager := contract.NewContractManager(contracts)
	positions := position.NewCachedPositionRepository(db, rds)
	balances := account.NewBalanceRepo(db)
	losses := insurance.NewMySQLMarginLossRepository(db)

	// --- 行情 ---
	prices := feed.NewPriceService()
	natsFeed, err := feed.NewNatsFeed(cfg.NatsURL, prices)
	if err != nil {
		log.Fatalf("[Main] 行情源连接失败: %v", err)
	}

	// --- 事件 ---
	producer, err := event.NewProducer(event.DefaultProducerConfig(cfg.KafkaBrokers))
	if err != nil {
		log.Fatalf("[Main] Kafka Producer 创建失败: %v", err)
	}

	// --- 核心组件 ---
	orderMargin := account.NewRedisOrderMarginProvider(rds)
	aggregator := account.NewAggregator(balances, positions, manager, prices, orderMargin)
	fund := insurance.NewFund(balances)

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		log.Fatalf("[Main] snowflake 节点创建失败: %v", err)
	}

	gateway, err := executor.NewNatsGateway(cfg.NatsURL)
	if err != nil {
		log.Fatalf("[Main] 撮合网关连接失败: %v", err)
	}

	exec := executor.New(executor.DefaultConfig(), node, gateway,
		positions, balances, aggregator, manager, prices, losses, fund, producer)
	if err := gateway.Start(exec); err != nil {
		log.Fatalf("[Main] 撮合回报订阅失败: %v", err)
	}

	mon := monitor.New(monitor.DefaultConfig(), positions, manager, prices, aggregator, exec, producer)
	controller := insurance.NewController(fund, losses, positions, balances, manager, prices, producer)
	rt := router.New(router.DefaultConfig(), mon, controller)

	// 行情回调 → 按合约派发扫描命令 (发后不理, 队列满时丢弃等下次 tick)
	prices.OnUpdate(func(info feed.PriceInfo) {
		if err := rt.Dispatch(router.Command{Type: router.CmdPriceTick, Symbol: info.Symbol}); err != nil {
			log.Printf("[Main] 价格命令派发失败 %s: %v", info.Symbol, err)
		}
	})
	if err := natsFeed.Start(); err != nil {
		log.Fatalf("[Main] 行情订阅失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// 兜底重扫 (价格长期不动的合约也要覆盖)
	go rt.RunRescan(ctx, cfg.RescanInterval, prices.AllSymbols)

	// 穿仓处理
	go func() {
		ticker := time.NewTicker(cfg.SettleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, symbol := range prices.AllSymbols() {
					if err := rt.Dispatch(router.Command{Type: router.CmdSettleLoss, Symbol: symbol}); err != nil {
						log.Printf("[Main] 穿仓命令派发失败 %s: %v", symbol, err)
					}
				}
			}
		}
	}()

	log.Println("[Main] riskd 运行中")

	// --- 优雅退出 ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[Main] 收到信号 %v, 开始退出", sig)

	cancel()
	rt.Stop()
	_ = natsFeed.Close()
	_ = gateway.Close()
	if err := producer.Close(); err != nil {
		log.Printf("[Main] Kafka Producer 关闭失败: %v", err)
	}
	_ = rds.Close()

	log.Println("[Main] riskd 已退出")
}
