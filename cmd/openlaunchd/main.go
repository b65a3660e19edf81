package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"OpenLaunch/internal/config"
)

var (
	configPath string
	serverURL  string
	apiToken   string
	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:           "openlaunchd",
	Short:         "OpenLaunch launcher daemon and control client",
	Long:          "openlaunchd runs the launcher core behind an HTTP API and talks to a running daemon.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $OPENLAUNCH_CONFIG or the user config dir)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "daemon base URL for client commands (default derived from server.address)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "bearer token for client commands (default server.token)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print client output as JSON")
}

// main 是 OpenLaunch 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "openlaunchd: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func loadConfig() (*config.Store, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}
