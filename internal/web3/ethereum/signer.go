package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentVault/internal/web3"
)

// Signer 使用本地私钥为交易签名，并通过所属客户端确认交易。
type Signer struct {
	client *Client
	opts   *bind.TransactOpts
}

var _ web3.Transactor = (*Signer)(nil)

// NewSigner 基于私钥构造签名器，签名绑定客户端的链 ID。
func (c *Client) NewSigner(key *ecdsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, errors.New("签名私钥不能为空")
	}
	if c.chainID == nil {
		return nil, errors.New("客户端缺少链 ID")
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("构造交易签名器失败: %w", err)
	}
	return &Signer{client: c, opts: opts}, nil
}

// From 返回签名账户。
func (s *Signer) From() common.Address { return s.opts.From }

// TransactOpts 返回绑定 ctx 的签名参数副本，调用方可以安全修改。
func (s *Signer) TransactOpts(ctx context.Context) *bind.TransactOpts {
	opts := *s.opts
	opts.Context = ctx
	return &opts
}

// WaitMined 委托给客户端等待回执。
func (s *Signer) WaitMined(ctx context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error) {
	return s.client.WaitMined(ctx, tx)
}

// LoadKeyFromEnv 从环境变量读取十六进制私钥，允许带 0x 前缀。
func LoadKeyFromEnv(name string) (*ecdsa.PrivateKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("未配置私钥环境变量")
	}
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, fmt.Errorf("环境变量 %s 为空", name)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析环境变量 %s 中的私钥失败: %w", name, err)
	}
	return key, nil
}
