package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"AgentVault/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动金库服务",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := logger.Init(cfg.Logging); err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()
		return a.run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
