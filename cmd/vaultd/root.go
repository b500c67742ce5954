package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"AgentVault/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "vaultd",
	Short: "AgentVault 借款即付款金库守护进程",
	Long: `vaultd 托管一个受策略约束的借贷金库。执行方提交计划后，金库在
白名单、限额、冷却期与健康因子检查全部通过时从借贷池借出资产并支付给收款方。`,
	SilenceUsage: true,
}

// Execute 运行根命令。
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径，默认读取 "+config.EnvConfigPath)
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.PathFromEnv()
	}
	return config.Load(path)
}
