package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentVault/internal/auth"
	"AgentVault/internal/lending"
	"AgentVault/internal/vault"
)

var (
	lendingDrivers = []string{"memory", "aave"}
	stateDrivers   = []string{"memory", "mysql", "redis"}
	eventDrivers   = []string{"file", "mysql"}
	planDrivers    = []string{"memory", "mysql"}
	lockDrivers    = []string{"none", "redis"}
	queueDrivers   = []string{"memory", "redis", "rabbitmq"}
	authModes      = []string{string(auth.ModeDisabled), string(auth.ModeJWT)}
)

// Validate 汇总所有配置错误后一次性返回。
func (c *Config) Validate() error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	check(oneOf("auth.mode", c.Auth.Mode, authModes))
	check(oneOf("lending.driver", c.Lending.Driver, lendingDrivers))
	check(oneOf("storage.state.driver", c.Storage.State.Driver, stateDrivers))
	check(oneOf("storage.events.driver", c.Storage.Events.Driver, eventDrivers))
	check(oneOf("storage.plans.driver", c.Storage.Plans.Driver, planDrivers))
	check(oneOf("storage.lock.driver", c.Storage.Lock.Driver, lockDrivers))
	check(oneOf("queue.driver", c.Queue.Driver, queueDrivers))

	if strings.TrimSpace(c.Vault.ID) == "" {
		errs = append(errs, errors.New("vault.id 不能为空"))
	}
	if _, err := c.Vault.Build(); err != nil {
		errs = append(errs, err)
	}

	if c.Lending.Driver == "aave" {
		check(requireAddress("lending.pool", c.Lending.Pool))
		if c.Web3.ChainConfig == "" {
			errs = append(errs, errors.New("aave 驱动需要配置 web3.chain_config"))
		}
	}
	if c.Lending.Driver == "memory" {
		for i, r := range c.Lending.Reserves {
			check(requireAddress(fmt.Sprintf("lending.reserves[%d].asset", i), r.Asset))
			if _, err := lending.ParseWAD(r.Price); err != nil {
				errs = append(errs, fmt.Errorf("lending.reserves[%d].price: %w", i, err))
			}
		}
		for i, b := range c.Lending.Balances {
			check(requireAddress(fmt.Sprintf("lending.balances[%d].asset", i), b.Asset))
			check(requireAddress(fmt.Sprintf("lending.balances[%d].holder", i), b.Holder))
			if _, err := lending.ParseAmount(b.Amount); err != nil {
				errs = append(errs, fmt.Errorf("lending.balances[%d].amount: %w", i, err))
			}
		}
	}

	if c.usesDriver("mysql") && strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
		errs = append(errs, errors.New("使用 mysql 驱动时必须配置 storage.mysql.dsn"))
	}
	if c.usesDriver("redis") && strings.TrimSpace(c.Storage.Redis.Addr) == "" {
		errs = append(errs, errors.New("使用 redis 驱动时必须配置 storage.redis.addr"))
	}
	if c.Queue.Driver == "rabbitmq" && strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
		errs = append(errs, errors.New("使用 rabbitmq 队列时必须配置 queue.rabbitmq.url"))
	}
	return errors.Join(errs...)
}

// UsesRedis 判断是否有组件需要 Redis 连接。
func (c *Config) UsesRedis() bool { return c.usesDriver("redis") }

// UsesMySQL 判断是否有组件需要 MySQL 连接。
func (c *Config) UsesMySQL() bool { return c.usesDriver("mysql") }

func (c *Config) usesDriver(name string) bool {
	for _, driver := range []string{
		c.Storage.State.Driver,
		c.Storage.Events.Driver,
		c.Storage.Plans.Driver,
		c.Storage.Lock.Driver,
		c.Queue.Driver,
	} {
		if driver == name {
			return true
		}
	}
	return false
}

// Build 把金库配置转换为 vault.Config。
func (v VaultConfig) Build() (vault.Config, error) {
	if err := requireAddress("vault.address", v.Address); err != nil {
		return vault.Config{}, err
	}
	policy, err := v.Policy.Build()
	if err != nil {
		return vault.Config{}, err
	}
	cfg := vault.Config{
		ID:         strings.TrimSpace(v.ID),
		Address:    common.HexToAddress(strings.TrimSpace(v.Address)),
		ChainID:    new(big.Int).SetUint64(v.ChainID),
		Policy:     policy,
		Allowlists: make(map[vault.AllowlistKind][]common.Address, len(vault.AllowlistKinds)),
	}
	if strings.TrimSpace(v.Verifier) != "" {
		if err := requireAddress("vault.verifier", v.Verifier); err != nil {
			return vault.Config{}, err
		}
		verifier := common.HexToAddress(strings.TrimSpace(v.Verifier))
		cfg.Verifier = &verifier
	}
	lists := map[vault.AllowlistKind][]string{
		vault.AllowlistCollateral: v.Allowlists.Collateral,
		vault.AllowlistBorrow:     v.Allowlists.Borrow,
		vault.AllowlistPayee:      v.Allowlists.Payee,
	}
	for kind, raw := range lists {
		for i, addr := range raw {
			if err := requireAddress(fmt.Sprintf("vault.allowlists.%s[%d]", kind, i), addr); err != nil {
				return vault.Config{}, err
			}
			cfg.Allowlists[kind] = append(cfg.Allowlists[kind], common.HexToAddress(strings.TrimSpace(addr)))
		}
	}
	return cfg, nil
}

// Build 解析策略中的数值字段。
func (p PolicyConfig) Build() (vault.Policy, error) {
	minHF, err := lending.ParseWAD(p.MinHealthFactor)
	if err != nil {
		return vault.Policy{}, fmt.Errorf("vault.policy.min_health_factor: %w", err)
	}
	perTx, err := lending.ParseAmount(p.MaxBorrowPerTx)
	if err != nil {
		return vault.Policy{}, fmt.Errorf("vault.policy.max_borrow_per_tx: %w", err)
	}
	perDay, err := lending.ParseAmount(p.MaxBorrowPerDay)
	if err != nil {
		return vault.Policy{}, fmt.Errorf("vault.policy.max_borrow_per_day: %w", err)
	}
	return vault.Policy{
		MinHealthFactor: minHF,
		CooldownSeconds: p.CooldownSeconds,
		MaxBorrowPerTx:  perTx,
		MaxBorrowPerDay: perDay,
	}, nil
}

// Build 生成鉴权服务配置。SecretEnv 指向的环境变量非空时覆盖 Secret。
func (a AuthConfig) Build() auth.Config {
	secret := a.Secret
	if a.SecretEnv != "" {
		if fromEnv := strings.TrimSpace(os.Getenv(a.SecretEnv)); fromEnv != "" {
			secret = fromEnv
		}
	}
	return auth.Config{
		Mode: auth.Mode(a.Mode),
		JWT: auth.JWTOptions{
			Secret:    secret,
			Issuer:    a.Issuer,
			Audience:  a.Audience,
			AccessTTL: time.Duration(a.AccessTTLMinutes) * time.Minute,
		},
	}
}

func oneOf(field, value string, allowed []string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("%s 的取值 %q 无效，可选: %s", field, value, strings.Join(allowed, ", "))
}

func requireAddress(field, raw string) error {
	if !common.IsHexAddress(strings.TrimSpace(raw)) {
		return fmt.Errorf("%s 不是合法地址: %q", field, raw)
	}
	return nil
}
