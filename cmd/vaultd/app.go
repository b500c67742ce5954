package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"AgentVault/internal/api"
	"AgentVault/internal/auth"
	"AgentVault/internal/config"
	"AgentVault/internal/lending"
	"AgentVault/internal/lending/aave"
	"AgentVault/internal/lending/erc20"
	"AgentVault/internal/lending/memory"
	"AgentVault/internal/observability/alerting"
	"AgentVault/internal/observability/metrics"
	"AgentVault/internal/plan"
	memstore "AgentVault/internal/storage/memory"
	"AgentVault/internal/storage/mysql"
	redisstore "AgentVault/internal/storage/redis"
	"AgentVault/internal/vault"
	"AgentVault/internal/web3"
	"AgentVault/internal/web3/ethereum"
	"AgentVault/internal/web3/provider"
	"AgentVault/pkg/logger"
)

// defaultMemoryPool 是内存借贷池未配置地址时使用的占位地址。
var defaultMemoryPool = common.HexToAddress("0x000000000000000000000000000000000000a11e")

// app 持有守护进程的全部组件。
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	vault     *vault.Vault
	plans     *plan.Service
	processor *plan.Processor
	server    *api.Server
	metrics   *metrics.Collector
	closers   []func() error
}

// newApp 按配置组装组件，失败时释放已经打开的资源。
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger.Named("vaultd")}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	var db *sql.DB
	if cfg.UsesMySQL() {
		db, err = mysql.Open(ctx, mysqlConfig(cfg.Storage.MySQL))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
	}
	var rdb *goredis.Client
	if cfg.UsesRedis() {
		rdb, err = redisstore.Open(ctx, redisstore.Config{
			Addr:      cfg.Storage.Redis.Addr,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
	}

	vaultCfg, err := cfg.Vault.Build()
	if err != nil {
		return nil, err
	}
	adapter, ledger, err := a.buildLending(ctx, &vaultCfg)
	if err != nil {
		return nil, err
	}

	stateStore, err := buildStateStore(cfg, db, rdb)
	if err != nil {
		return nil, err
	}
	events, err := buildEventStore(cfg, db)
	if err != nil {
		return nil, err
	}
	dispatcher := buildAlerting(cfg.Alerting)
	a.metrics = metrics.NewCollector(nil)

	opts := []vault.Option{
		vault.WithLogger(logger.Named("vault")),
		vault.WithStateStore(stateStore),
		vault.WithEventSink(vault.MultiSink{vault.AuditLogSink{}, events}),
		vault.WithAlertDispatcher(dispatcher),
		vault.WithRecorder(a.metrics),
		vault.WithBorrowPreview(cfg.Vault.BorrowPreview),
	}
	if cfg.Storage.Lock.Driver == "redis" {
		locker, err := redisstore.NewLocker(rdb, redisstore.LockerConfig{
			Prefix: cfg.Storage.Redis.KeyPrefix,
			TTL:    time.Duration(cfg.Storage.Lock.TTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, vault.WithLocker(locker))
	}
	a.vault, err = vault.New(vaultCfg, adapter, ledger, opts...)
	if err != nil {
		return nil, err
	}
	if err := a.vault.Restore(ctx); err != nil {
		return nil, err
	}

	planStore, err := buildPlanStore(cfg, db)
	if err != nil {
		return nil, err
	}
	queue, err := buildQueue(cfg, rdb)
	if err != nil {
		return nil, err
	}
	a.plans = plan.NewService(planStore, queue, a.vault.ID())
	a.closers = append(a.closers, a.plans.Close)
	a.processor = plan.NewProcessor(a.vault, a.vault.ExecutorCapability(), planStore, queue,
		plan.WithWorkerCount(cfg.Queue.Workers),
		plan.WithAlertDispatcher(dispatcher),
	)

	authSvc, err := auth.NewService(cfg.Auth.Build())
	if err != nil {
		return nil, err
	}
	if authSvc.Mode() == auth.ModeDisabled {
		a.logger.Warn("API 鉴权已关闭，仅适用于本地开发")
	}
	a.server, err = api.NewServer(cfg.Server.Address, api.Dependencies{
		Vault:   a.vault,
		Plans:   a.plans,
		Events:  events,
		Auth:    authSvc,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// run 启动 API、计划处理器与指标服务，任一组件退出时整体退出。
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Start(ctx) })
	g.Go(func() error { return a.processor.Start(ctx) })
	if addr := a.cfg.Server.MetricsAddress; addr != "" {
		g.Go(func() error { return a.metrics.StartServer(ctx, addr) })
	}
	a.logger.Info("vaultd 已启动",
		slog.String("vault_id", a.vault.ID()),
		slog.String("address", a.vault.Address().Hex()),
		slog.String("lending", a.cfg.Lending.Driver),
		slog.String("queue", a.cfg.Queue.Driver),
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// close 按打开顺序的逆序释放资源。
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) buildLending(ctx context.Context, vaultCfg *vault.Config) (lending.Adapter, lending.TokenLedger, error) {
	switch a.cfg.Lending.Driver {
	case "aave":
		return a.buildAave(ctx, vaultCfg)
	default:
		client, err := buildMemoryPool(a.cfg.Lending, vaultCfg.Address)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	}
}

func (a *app) buildAave(ctx context.Context, vaultCfg *vault.Config) (lending.Adapter, lending.TokenLedger, error) {
	defs, err := web3.LoadChainDefinitions(a.cfg.Web3.ChainConfig)
	if err != nil {
		return nil, nil, err
	}
	registry, err := provider.Load(ctx, defs, a.cfg.Web3.DefaultChain)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, func() error { registry.Close(); return nil })

	client, err := registry.Default()
	if err != nil {
		return nil, nil, err
	}
	if vaultCfg.ChainID.Sign() == 0 {
		vaultCfg.ChainID = client.ChainID()
	} else if vaultCfg.ChainID.Cmp(client.ChainID()) != 0 {
		return nil, nil, fmt.Errorf("金库链 ID %s 与链 %s 的 ID %s 不一致", vaultCfg.ChainID, client.Name(), client.ChainID())
	}
	key, err := ethereum.LoadKeyFromEnv(a.cfg.Lending.SignerKeyEnv)
	if err != nil {
		return nil, nil, err
	}
	signer, err := client.NewSigner(key)
	if err != nil {
		return nil, nil, err
	}
	if signer.From() != vaultCfg.Address {
		return nil, nil, fmt.Errorf("签名账户 %s 与金库地址 %s 不一致", signer.From().Hex(), vaultCfg.Address.Hex())
	}
	if snapshot, err := client.FetchChainSnapshot(ctx); err == nil {
		a.logger.Info("已连接链节点",
			slog.String("chain", snapshot.Name),
			slog.String("chain_id", snapshot.ChainID),
			slog.Uint64("block", snapshot.BlockNumber),
		)
	}

	ledger := erc20.NewLedger(client.Backend(), signer)
	pool := aave.NewPool(client.Backend(), signer, ledger, aave.Config{
		Pool:         common.HexToAddress(a.cfg.Lending.Pool),
		ReferralCode: a.cfg.Lending.ReferralCode,
	})
	return pool, ledger, nil
}

// buildMemoryPool 构造内存借贷池并按配置上架资产、增发余额。
func buildMemoryPool(cfg config.LendingConfig, vaultAddr common.Address) (*memory.Client, error) {
	address := defaultMemoryPool
	if cfg.Pool != "" {
		address = common.HexToAddress(cfg.Pool)
	}
	pool := memory.NewPool(address)
	for _, r := range cfg.Reserves {
		price, err := lending.ParseWAD(r.Price)
		if err != nil {
			return nil, err
		}
		if err := pool.ListReserve(common.HexToAddress(r.Asset), price, r.LiquidationThresholdBps); err != nil {
			return nil, err
		}
	}
	for _, b := range cfg.Balances {
		amount, err := lending.ParseAmount(b.Amount)
		if err != nil {
			return nil, err
		}
		pool.Mint(common.HexToAddress(b.Asset), common.HexToAddress(b.Holder), amount)
	}
	return pool.Client(vaultAddr), nil
}

func buildStateStore(cfg *config.Config, db *sql.DB, rdb *goredis.Client) (vault.StateStore, error) {
	switch cfg.Storage.State.Driver {
	case "mysql":
		return mysql.NewStateStore(db)
	case "redis":
		return redisstore.NewStateStore(rdb, cfg.Storage.Redis.KeyPrefix)
	default:
		return memstore.NewStateStore(), nil
	}
}

// eventStore 同时支持写入与查询审计事件。
type eventStore interface {
	vault.EventSink
	vault.EventReader
}

func buildEventStore(cfg *config.Config, db *sql.DB) (eventStore, error) {
	switch cfg.Storage.Events.Driver {
	case "mysql":
		return mysql.NewEventRepository(db)
	default:
		return memstore.NewEventLog(cfg.Storage.Events.Path)
	}
}

func buildPlanStore(cfg *config.Config, db *sql.DB) (plan.Store, error) {
	switch cfg.Storage.Plans.Driver {
	case "mysql":
		return mysql.NewPlanStore(db)
	default:
		return plan.NewMemoryStore(), nil
	}
}

func buildQueue(cfg *config.Config, rdb *goredis.Client) (plan.Queue, error) {
	switch cfg.Queue.Driver {
	case "redis":
		return plan.NewRedisQueue(rdb, plan.RedisQueueConfig{
			Queue:     cfg.Queue.Name,
			BlockWait: time.Duration(cfg.Queue.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return plan.NewRabbitMQQueue(plan.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.Name,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return plan.NewMemoryQueue(cfg.Queue.Size), nil
	}
}

func buildAlerting(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookHeaders))
	}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackWebhookSender(cfg.SlackWebhookURL),
			ChannelID: cfg.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...)
}

func mysqlConfig(cfg config.MySQLConfig) mysql.Config {
	return mysql.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSeconds) * time.Second,
		SkipMigrations:  cfg.SkipMigrations,
	}
}
