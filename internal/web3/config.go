package web3

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions 对应链配置 YAML 文件的结构。
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述单条链的接入参数。
type ChainDefinition struct {
	Type           string `yaml:"type"`
	RPCURL         string `yaml:"rpc_url"`
	ChainID        uint64 `yaml:"chain_id"`
	ReceiptTimeout string `yaml:"receipt_timeout"`
	Description    string `yaml:"description"`
}

// Timeout 返回等待回执的超时，未配置或格式错误时为 0。
func (d ChainDefinition) Timeout() time.Duration {
	if strings.TrimSpace(d.ReceiptTimeout) == "" {
		return 0
	}
	dur, err := time.ParseDuration(d.ReceiptTimeout)
	if err != nil || dur < 0 {
		return 0
	}
	return dur
}

// LoadChainDefinitions 解析链配置文件。路径为空时返回空集合。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions 解析 YAML 内容并校验每条链的必填字段。
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		if strings.TrimSpace(chain.RPCURL) == "" {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
		if chain.ReceiptTimeout != "" {
			if _, err := time.ParseDuration(chain.ReceiptTimeout); err != nil {
				return ChainDefinitions{}, fmt.Errorf("链 %s 的 receipt_timeout 无效: %w", name, err)
			}
		}
	}
	if defs.Default != "" {
		if _, ok := defs.Chains[defs.Default]; !ok {
			return ChainDefinitions{}, fmt.Errorf("默认链 %s 未在配置中找到", defs.Default)
		}
	}
	return defs, nil
}
