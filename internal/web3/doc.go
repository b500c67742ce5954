// Package web3 提供金库访问 EVM 链所需的连接工具：多链配置、RPC 客户端、
// 交易签名以及回执确认。链上借贷适配器与 ERC-20 账本都建立在这里的抽象之上。
package web3
