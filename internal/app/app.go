// Package app 提供 instrument-indexer 服务的应用生命周期管理
//
// ========================================
// instrument-indexer 服务说明
// ========================================
//
// ## 服务职责
// 1. 监听 Factory 合约，动态注册新的 Instrument 合约
// 2. 索引 Instrument 合约的 PositionCreated / Purchased 事件
// 3. 维护持仓 cost = 该持仓全部购买 premium 之和
//
// ## Kafka 生产的 Topic (参见 internal/kafka/producer.go)
// - instrument-positions / option-purchases / instrument-sources
//
// ## HTTP
// - /health/live, /health/ready, /metrics
// - /admin/indexer/status, /admin/positions/:id/reconcile
//
// ## 单写者
// - lock.enabled 时通过 Redis 锁保证同一条链只有一个索引实例
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ribbon-finance/ribbon-v1-sub001/internal/blockchain"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/config"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/contract"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/handler"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/kafka"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/metrics"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/model"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/registry"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/repository"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/service"
	"github.com/ribbon-finance/ribbon-v1-sub001/migrations"
	"github.com/ribbon-finance/ribbon-v1-sub001/pkg/lock"
	"github.com/ribbon-finance/ribbon-v1-sub001/pkg/logger"
	"github.com/ribbon-finance/ribbon-v1-sub001/pkg/migrate"
)

const shutdownTimeout = 10 * time.Second

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis redis.UniversalClient
	store *repository.Store

	// 区块链
	chainClient *blockchain.Client
	factory     *contract.FactoryContract
	instrument  *contract.InstrumentContract

	// 服务
	registry     *registry.Registry
	eventHandler *service.EventHandler
	indexerSvc   *service.IndexerService

	// Kafka
	kafkaProducer  *kafka.Producer
	eventPublisher kafka.EventPublisher

	// HTTP
	httpServer    *http.Server
	healthHandler *handler.HealthHandler

	// 单写者锁
	indexerLock *lock.RedisLock

	// 运行控制
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	app.initServices()
	app.initHTTP()

	return app, nil
}

// initInfrastructure 初始化存储和 Redis
func (a *App) initInfrastructure() error {
	switch a.cfg.Storage.Driver {
	case config.StorageDriverMemory:
		a.store = repository.NewMemoryStore()
		logger.Warn("using in-memory storage, indexed data is lost on restart")

	default:
		if a.cfg.Postgres.AutoMigrate {
			if err := a.runMigrations(); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
		}

		db, err := gorm.Open(postgres.Open(a.cfg.Postgres.DSN()), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return fmt.Errorf("failed to connect database: %w", err)
		}

		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
		sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

		a.db = db
		a.store = repository.NewPostgresStore(db)
		logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))
	}

	if a.cfg.Lock.Enabled {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    a.cfg.Redis.Addresses,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			PoolSize: a.cfg.Redis.PoolSize,
		})

		if err := a.redis.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		logger.Info("redis connected", zap.Strings("addrs", a.cfg.Redis.Addresses))
	}

	return nil
}

// runMigrations 使用独立连接执行迁移
func (a *App) runMigrations() error {
	sqlDB, err := migrate.Open(a.cfg.Postgres.DSN())
	if err != nil {
		return err
	}

	migrator := migrate.NewMigrator(sqlDB, migrations.FS, ".", a.cfg.Service.Name, logger.L())
	return migrator.Up()
}

// initBlockchain 初始化区块链客户端和合约
func (a *App) initBlockchain() error {
	if !common.IsHexAddress(a.cfg.Blockchain.FactoryAddress) {
		return fmt.Errorf("invalid factory address: %s", a.cfg.Blockchain.FactoryAddress)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := blockchain.NewClient(ctx, &blockchain.ClientConfig{
		ChainID:    a.cfg.Blockchain.ChainID,
		RPCURLs:    a.cfg.Blockchain.RPCURLs(),
		MaxRetries: a.cfg.Blockchain.MaxRetries,
	})
	if err != nil {
		return err
	}
	a.chainClient = client

	a.factory, err = contract.NewFactoryContract(common.HexToAddress(a.cfg.Blockchain.FactoryAddress))
	if err != nil {
		return err
	}
	a.instrument, err = contract.NewInstrumentContract()
	if err != nil {
		return err
	}

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", a.cfg.Blockchain.ChainID),
		zap.String("factory", a.cfg.Blockchain.FactoryAddress))

	return nil
}

// initKafka 初始化 Kafka 生产者
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		a.eventPublisher = kafka.NoopEventPublisher{}
		logger.Info("kafka disabled")
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}

	a.kafkaProducer = producer
	a.eventPublisher = kafka.NewKafkaEventPublisher(producer)
	logger.Info("kafka producer initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))

	return nil
}

// initServices 初始化服务
func (a *App) initServices() {
	a.registry = registry.NewRegistry(a.store.Sources, logger.L())
	a.eventHandler = service.NewEventHandler(a.store, a.registry, a.cfg.Indexer.PremiumDecimals)

	// 事务提交后发送变更，失败不影响索引
	a.eventHandler.SetOnPositionUpdated(func(ctx context.Context, update *model.PositionUpdate) {
		if err := a.eventPublisher.PublishPositionUpdate(ctx, update); err != nil {
			logger.Error("failed to publish position update",
				zap.String("position", update.Position.ID),
				zap.Error(err))
		}
	})
	a.eventHandler.SetOnPurchaseRecorded(func(ctx context.Context, purchase *model.OptionPurchase) {
		if err := a.eventPublisher.PublishPurchase(ctx, purchase); err != nil {
			logger.Error("failed to publish purchase",
				zap.String("purchase_id", purchase.ID),
				zap.Error(err))
		}
	})
	a.eventHandler.SetOnSourceRegistered(func(ctx context.Context, source *model.TrackedSource) {
		if err := a.eventPublisher.PublishSource(ctx, source); err != nil {
			logger.Error("failed to publish source",
				zap.String("address", source.Address),
				zap.Error(err))
		}
	})

	a.indexerSvc = service.NewIndexerService(
		a.chainClient,
		a.store.Checkpoints,
		a.registry,
		a.eventHandler,
		a.factory,
		a.instrument,
		&service.IndexerServiceConfig{
			ChainID:       a.cfg.Blockchain.ChainID,
			StartBlock:    a.cfg.Indexer.StartBlock,
			Confirmations: a.cfg.Indexer.Confirmations,
			MaxBlockRange: a.cfg.Indexer.MaxBlockRange,
			PollInterval:  time.Duration(a.cfg.Indexer.PollInterval) * time.Millisecond,
		},
	)
}

// initHTTP 初始化管理端 HTTP 服务
func (a *App) initHTTP() {
	deps := &handler.HealthDeps{
		Chain: a.chainClient,
	}
	if a.db != nil {
		deps.Database = handler.PingerFunc(func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		})
	}
	if a.redis != nil {
		deps.Redis = handler.PingerFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}
	a.healthHandler = handler.NewHealthHandler(deps)

	if a.cfg.Service.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handler.RegisterRoutes(router, a.healthHandler, handler.NewAdminHandler(a.indexerSvc, a.eventHandler))

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// acquireLock 获取单写者锁，返回锁丢失通知
func (a *App) acquireLock(ctx context.Context) (<-chan error, error) {
	if !a.cfg.Lock.Enabled {
		return nil, nil
	}

	ttl := time.Duration(a.cfg.Lock.TTL) * time.Second
	locker := lock.NewRedisLocker(a.redis, "", ttl)
	a.indexerLock = locker.NewLock(a.cfg.Lock.Key)

	logger.Info("waiting for indexer lock", zap.String("key", a.indexerLock.Key()))
	if err := a.indexerLock.AcquireOrWait(ctx, time.Duration(a.cfg.Lock.RetryInterval)*time.Second); err != nil {
		return nil, err
	}
	metrics.SetLockHeld(true)
	logger.Info("indexer lock acquired", zap.String("key", a.indexerLock.Key()))

	return a.indexerLock.KeepAlive(ctx, ttl/3), nil
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// HTTP 先启动，等待锁期间存活探针可用
	go func() {
		logger.Info("http server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
		case <-a.stopCh:
			logger.Info("shutdown requested")
		}
		cancel()
	}()

	lockLost, err := a.acquireLock(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return a.shutdown()
		}
		_ = a.shutdown()
		return fmt.Errorf("failed to acquire indexer lock: %w", err)
	}

	// 恢复已注册的事件源
	if err := a.registry.Load(ctx); err != nil {
		_ = a.shutdown()
		return fmt.Errorf("failed to load tracked sources: %w", err)
	}
	metrics.UpdateTrackedSources(a.registry.Count())

	if err := a.indexerSvc.Start(ctx); err != nil {
		_ = a.shutdown()
		return fmt.Errorf("failed to start indexer: %w", err)
	}
	a.healthHandler.SetReady(true)

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-lockLost:
		if ok && err != nil {
			logger.Error("indexer lock lost, stopping", zap.Error(err))
			runErr = fmt.Errorf("indexer lock lost: %w", err)
		}
	}

	cancel()
	if err := a.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	if a.healthHandler != nil {
		a.healthHandler.SetReady(false)
	}

	// 停止索引器
	if a.indexerSvc != nil && a.indexerSvc.IsRunning() {
		_ = a.indexerSvc.Stop()
	}

	// 释放锁
	if a.indexerLock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := a.indexerLock.Release(ctx); err != nil && !errors.Is(err, lock.ErrLockNotHeld) {
			logger.Warn("failed to release indexer lock", zap.Error(err))
		}
		cancel()
		metrics.SetLockHeld(false)
	}

	// 关闭 HTTP 服务
	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logger.Warn("http server shutdown error", zap.Error(err))
		}
		cancel()
	}

	// 关闭 Kafka 生产者
	if a.kafkaProducer != nil {
		_ = a.kafkaProducer.Close()
	}

	// 关闭区块链客户端
	if a.chainClient != nil {
		a.chainClient.Close()
	}

	// 关闭 Redis
	if a.redis != nil {
		_ = a.redis.Close()
	}

	// 关闭数据库
	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
