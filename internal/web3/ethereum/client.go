package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentVault/internal/web3"
)

// Config 描述如何连接一条 EVM 兼容链。
type Config struct {
	Name           string
	RPCURL         string
	ChainID        uint64
	ReceiptTimeout time.Duration
}

// Client 封装 EVM 链的 RPC 连接，为合约绑定提供后端并负责交易确认。
type Client struct {
	name           string
	rpcClient      *gethrpc.Client
	eth            *ethclient.Client
	backend        web3.Backend
	chainID        *big.Int
	receiptTimeout time.Duration
	// commit 仅在模拟链上设置，用于在等待回执前出块。
	commit func()
	mu     sync.Mutex
}

// NewClient 拨号 RPC 节点并核对链 ID。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if cfg.ChainID != 0 && (!chainID.IsUint64() || chainID.Uint64() != cfg.ChainID) {
		eth.Close()
		return nil, fmt.Errorf("链 %s 的 ID 为 %s，与配置的 %d 不一致", cfg.Name, chainID, cfg.ChainID)
	}

	return &Client{
		name:           cfg.Name,
		rpcClient:      rpcClient,
		eth:            eth,
		backend:        eth,
		chainID:        chainID,
		receiptTimeout: cfg.ReceiptTimeout,
	}, nil
}

// NewSimulatedClient 包装 go-ethereum 模拟链，供测试与本地演示使用。
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend) *Client {
	return &Client{
		name:    name,
		backend: backend,
		chainID: new(big.Int).Set(chainID),
		commit:  func() { backend.Commit() },
	}
}

// Name 返回链名称。
func (c *Client) Name() string { return c.name }

// Backend 返回合约绑定使用的链后端。
func (c *Client) Backend() web3.Backend { return c.backend }

// ChainID 返回链 ID 的副本。
func (c *Client) ChainID() *big.Int {
	if c == nil || c.chainID == nil {
		return nil
	}
	return new(big.Int).Set(c.chainID)
}

// Close 释放网络连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// FetchChainSnapshot 读取链 ID 与最新区块高度。
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(c.chainID),
		BlockNumber: head.Number.Uint64(),
	}, nil
}

// WaitMined 等待交易上链，回执状态失败时返回 web3.ErrReverted。
func (c *Client) WaitMined(ctx context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error) {
	if tx == nil {
		return nil, errors.New("交易不能为空")
	}
	if c.commit != nil {
		c.commit()
	}
	if c.receiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.receiptTimeout)
		defer cancel()
	}
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("等待交易 %s 上链失败: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", web3.ErrReverted, tx.Hash().Hex())
	}
	return receipt, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
