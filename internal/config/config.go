package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"AgentVault/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "VAULTD_CONFIG"

// Config 描述 vaultd 启动时需要的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Logging  logger.Config  `json:"logging" yaml:"logging"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Vault    VaultConfig    `json:"vault" yaml:"vault"`
	Lending  LendingConfig  `json:"lending" yaml:"lending"`
	Web3     Web3Config     `json:"web3" yaml:"web3"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 与指标服务的监听地址。
type ServerConfig struct {
	Address        string `json:"address" yaml:"address"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
	// ShutdownSeconds 为优雅退出等待时间。
	ShutdownSeconds int `json:"shutdown_seconds" yaml:"shutdown_seconds"`
}

// AuthConfig 描述 API 鉴权方式。密钥优先读取 SecretEnv 指向的环境变量。
type AuthConfig struct {
	Mode             string   `json:"mode" yaml:"mode"`
	Secret           string   `json:"secret" yaml:"secret"`
	SecretEnv        string   `json:"secret_env" yaml:"secret_env"`
	Issuer           string   `json:"issuer" yaml:"issuer"`
	Audience         []string `json:"audience" yaml:"audience"`
	AccessTTLMinutes int      `json:"access_ttl_minutes" yaml:"access_ttl_minutes"`
}

// VaultConfig 描述托管金库的身份、策略与白名单。
type VaultConfig struct {
	ID            string          `json:"id" yaml:"id"`
	Address       string          `json:"address" yaml:"address"`
	ChainID       uint64          `json:"chain_id" yaml:"chain_id"`
	Verifier      string          `json:"verifier" yaml:"verifier"`
	BorrowPreview bool            `json:"borrow_preview" yaml:"borrow_preview"`
	Policy        PolicyConfig    `json:"policy" yaml:"policy"`
	Allowlists    AllowlistConfig `json:"allowlists" yaml:"allowlists"`
}

// PolicyConfig 以字符串保存金额，健康因子为十进制小数。
type PolicyConfig struct {
	MinHealthFactor string `json:"min_health_factor" yaml:"min_health_factor"`
	CooldownSeconds uint64 `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	MaxBorrowPerTx  string `json:"max_borrow_per_tx" yaml:"max_borrow_per_tx"`
	MaxBorrowPerDay string `json:"max_borrow_per_day" yaml:"max_borrow_per_day"`
}

// AllowlistConfig 列出三类白名单的初始地址。
type AllowlistConfig struct {
	Collateral []string `json:"collateral" yaml:"collateral"`
	Borrow     []string `json:"borrow" yaml:"borrow"`
	Payee      []string `json:"payee" yaml:"payee"`
}

// LendingConfig 选择借贷池实现。
type LendingConfig struct {
	Driver       string `json:"driver" yaml:"driver"`
	Pool         string `json:"pool" yaml:"pool"`
	ReferralCode uint16 `json:"referral_code" yaml:"referral_code"`
	SignerKeyEnv string `json:"signer_key_env" yaml:"signer_key_env"`
	// Reserves 与 Balances 只用于 memory 驱动的初始数据。
	Reserves []ReserveConfig `json:"reserves" yaml:"reserves"`
	Balances []BalanceConfig `json:"balances" yaml:"balances"`
}

// ReserveConfig 描述内存池中上架的资产。
type ReserveConfig struct {
	Asset                   string `json:"asset" yaml:"asset"`
	Price                   string `json:"price" yaml:"price"`
	LiquidationThresholdBps uint64 `json:"liquidation_threshold_bps" yaml:"liquidation_threshold_bps"`
}

// BalanceConfig 描述内存池启动时增发的代币余额。
type BalanceConfig struct {
	Asset  string `json:"asset" yaml:"asset"`
	Holder string `json:"holder" yaml:"holder"`
	Amount string `json:"amount" yaml:"amount"`
}

// Web3Config 指向链配置文件。
type Web3Config struct {
	ChainConfig  string `json:"chain_config" yaml:"chain_config"`
	DefaultChain string `json:"default_chain" yaml:"default_chain"`
}

// StorageConfig 统一描述状态、事件与计划的存储后端。
type StorageConfig struct {
	State  DriverConfig `json:"state" yaml:"state"`
	Events EventsConfig `json:"events" yaml:"events"`
	Plans  DriverConfig `json:"plans" yaml:"plans"`
	Lock   LockConfig   `json:"lock" yaml:"lock"`
	MySQL  MySQLConfig  `json:"mysql" yaml:"mysql"`
	Redis  RedisConfig  `json:"redis" yaml:"redis"`
}

// DriverConfig 只包含驱动名称。
type DriverConfig struct {
	Driver string `json:"driver" yaml:"driver"`
}

// EventsConfig 描述审计事件日志，file 驱动写入 JSONL 文件。
type EventsConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	Path   string `json:"path" yaml:"path"`
}

// LockConfig 配置跨进程互斥，driver 为 none 或 redis。
type LockConfig struct {
	Driver     string `json:"driver" yaml:"driver"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
	SkipMigrations         bool   `json:"skip_migrations" yaml:"skip_migrations"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// QueueConfig 描述计划队列。
type QueueConfig struct {
	Driver    string         `json:"driver" yaml:"driver"`
	Name      string         `json:"name" yaml:"name"`
	Size      int            `json:"size" yaml:"size"`
	Workers   int            `json:"workers" yaml:"workers"`
	BlockWait int            `json:"block_wait_seconds" yaml:"block_wait_seconds"`
	RabbitMQ  RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// AlertingConfig 描述告警渠道。日志渠道始终启用。
type AlertingConfig struct {
	WebhookURL      string            `json:"webhook_url" yaml:"webhook_url"`
	WebhookHeaders  map[string]string `json:"webhook_headers" yaml:"webhook_headers"`
	SlackWebhookURL string            `json:"slack_webhook_url" yaml:"slack_webhook_url"`
	SlackChannel    string            `json:"slack_channel" yaml:"slack_channel"`
}

// RuntimeConfig 放置运行时通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load 解析指定路径的配置文件，扩展名为 .yaml/.yml 时按 YAML 解析，否则按 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PathFromEnv 返回 VAULTD_CONFIG 指定的路径，未设置时使用 configs/vaultd.yaml。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return filepath.Join("configs", "vaultd.yaml")
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "jwt"
	}
	if c.Auth.SecretEnv == "" {
		c.Auth.SecretEnv = "VAULTD_JWT_SECRET"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "agentvault"
	}
	if c.Auth.AccessTTLMinutes <= 0 {
		c.Auth.AccessTTLMinutes = 60
	}

	if c.Vault.Policy.MinHealthFactor == "" {
		c.Vault.Policy.MinHealthFactor = "1.5"
	}
	if c.Vault.Policy.MaxBorrowPerTx == "" {
		c.Vault.Policy.MaxBorrowPerTx = "0"
	}
	if c.Vault.Policy.MaxBorrowPerDay == "" {
		c.Vault.Policy.MaxBorrowPerDay = "0"
	}

	if c.Lending.Driver == "" {
		c.Lending.Driver = "memory"
	}
	if c.Lending.SignerKeyEnv == "" {
		c.Lending.SignerKeyEnv = "VAULTD_SIGNER_KEY"
	}
	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.State.Driver == "" {
		c.Storage.State.Driver = "memory"
	}
	if c.Storage.Events.Driver == "" {
		c.Storage.Events.Driver = "file"
	}
	if c.Storage.Events.Driver == "file" {
		if c.Storage.Events.Path == "" {
			c.Storage.Events.Path = filepath.Join(c.Runtime.DataDir, "events.jsonl")
		} else {
			c.Storage.Events.Path = resolve(baseDir, c.Storage.Events.Path)
		}
	}
	if c.Storage.Plans.Driver == "" {
		c.Storage.Plans.Driver = "memory"
	}
	if c.Storage.Lock.Driver == "" {
		c.Storage.Lock.Driver = "none"
	}
	if c.Storage.Lock.TTLSeconds <= 0 {
		c.Storage.Lock.TTLSeconds = 120
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	if c.Queue.BlockWait <= 0 {
		c.Queue.BlockWait = 5
	}
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
