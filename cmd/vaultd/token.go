package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"AgentVault/internal/auth"
	"AgentVault/internal/vault"
)

var tokenFlags struct {
	name string
	role string
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "签发 API 访问令牌",
	Long: `使用配置中的 JWT 密钥签发访问令牌。owner 令牌可以调用管理接口，
executor 令牌只能提交与查询计划。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		role, err := vault.ParseRole(tokenFlags.role)
		if err != nil {
			return err
		}
		if tokenFlags.name == "" {
			return errors.New("--name 不能为空")
		}
		svc, err := auth.NewService(cfg.Auth.Build())
		if err != nil {
			return err
		}
		token, expiresAt, err := svc.Issue(tokenFlags.name, role)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenFlags.name, "name", "", "令牌主体名称")
	tokenCmd.Flags().StringVar(&tokenFlags.role, "role", string(vault.RoleExecutor), "角色: owner 或 executor")
	rootCmd.AddCommand(tokenCmd)
}
