// vaultd 是 AgentVault 的守护进程：托管一个借款即付款金库，
// 对外提供计划提交、管理接口与指标。
//
// 用法:
//
//	vaultd serve --config configs/vaultd.yaml
//	vaultd token --name agent-1 --role executor
//	vaultd migrate
package main

func main() {
	Execute()
}
