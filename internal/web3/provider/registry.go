package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"AgentVault/internal/web3"
	"AgentVault/internal/web3/ethereum"
)

// Registry 按名称管理已连接的链客户端。
type Registry struct {
	defaultChain string
	clients      map[string]*ethereum.Client
}

// New 构造空注册表。defaultChain 为空时取名称排序后的第一条链。
func New(defaultChain string) *Registry {
	return &Registry{defaultChain: strings.TrimSpace(defaultChain), clients: make(map[string]*ethereum.Client)}
}

// Load 按链配置逐一建立连接。任一链失败时关闭已建立的连接并返回错误。
func Load(ctx context.Context, defs web3.ChainDefinitions, defaultChain string) (*Registry, error) {
	if defaultChain == "" {
		defaultChain = defs.Default
	}
	r := New(defaultChain)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:           name,
			RPCURL:         chain.RPCURL,
			ChainID:        chain.ChainID,
			ReceiptTimeout: chain.Timeout(),
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.Register(name, client)
	}
	if len(r.clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	if _, err := r.Default(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Register 登记客户端，同名时替换并关闭旧连接。
func (r *Registry) Register(name string, client *ethereum.Client) {
	if old, ok := r.clients[name]; ok && old != client {
		old.Close()
	}
	r.clients[name] = client
}

// Default 返回默认链客户端。
func (r *Registry) Default() (*ethereum.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	name := r.defaultChain
	if name == "" {
		chains := r.Chains()
		if len(chains) == 0 {
			return nil, errors.New("注册表中没有链客户端")
		}
		name = chains[0]
	}
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", name)
	}
	return client, nil
}

// Client 按名称返回链客户端。
func (r *Registry) Client(name string) (*ethereum.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Chains 返回已登记的链名称。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 关闭全部客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}
