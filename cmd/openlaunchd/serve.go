package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"OpenLaunch/internal/api"
	"OpenLaunch/internal/builtin"
	"OpenLaunch/internal/launcher"
	"OpenLaunch/pkg/logger"
	"OpenLaunch/pkg/plugin"
)

const frontendPlugin = "frontend_http"

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the launcher daemon",
	Long:  "Load plugins, serve the HTTP API through the frontend plugin and block until interrupted.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for plugins to unload on exit")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := store.Config()
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("openlaunchd")

	l, err := launcher.New(ctx, store, launcher.WithFrontend(func(l *launcher.Launcher) builtin.Frontend {
		return api.NewServer(cfg.Server.Address, l, api.WithToken(cfg.Server.Token),
			api.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := l.Close(closeCtx); err != nil {
			log.Warn("关闭启动器失败", slog.Any("error", err))
		}
	}()

	if err := l.Start(ctx); err != nil {
		return err
	}
	info, err := l.Plugins().Info(frontendPlugin)
	if err != nil {
		return err
	}
	if info.State != plugin.StateLoaded {
		return fmt.Errorf("前端插件未能启动: %s", info.Error)
	}

	metricsErr := make(chan error, 1)
	if addr := cfg.Server.MetricsAddress; addr != "" {
		go func() {
			metricsErr <- l.Metrics().StartServer(ctx, addr)
		}()
	}

	log.Info("OpenLaunch 已就绪",
		slog.String("config", store.Path()),
		slog.String("address", cfg.Server.Address),
		slog.Int("plugins", len(l.Plugins().List())),
	)

	select {
	case <-ctx.Done():
		log.Info("收到退出信号，开始关闭")
		return nil
	case err := <-metricsErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("指标服务退出: %w", err)
		}
		<-ctx.Done()
		return nil
	}
}
