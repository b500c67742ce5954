package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"AgentVault/internal/storage/mysql"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "对 MySQL 执行内置的数据库迁移",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Storage.MySQL.DSN == "" {
			return errors.New("未配置 storage.mysql.dsn")
		}
		mc := mysqlConfig(cfg.Storage.MySQL)
		mc.SkipMigrations = false
		db, err := mysql.Open(cmd.Context(), mc)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
