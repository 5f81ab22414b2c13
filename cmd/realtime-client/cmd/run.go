/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/realtime-client/pkg/api"
	"github.com/wso2/api-platform/realtime-client/pkg/client"
	"github.com/wso2/api-platform/realtime-client/pkg/config"
	"github.com/wso2/api-platform/realtime-client/pkg/logger"
	"github.com/wso2/api-platform/realtime-client/pkg/metrics"
)

const (
	RunCmdLiteral = "run"
	RunCmdExample = `# Start the client with a configuration file
` + CliName + ` ` + RunCmdLiteral + ` -c ./configs/config.toml`
)

var runCmd = &cobra.Command{
	Use:     RunCmdLiteral,
	Short:   "Start the realtime client",
	Long:    "Start the realtime client and keep the session alive until interrupted.",
	Example: RunCmdExample,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runClient(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runClient(path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting realtime client",
		zap.String("version", Version),
		zap.String("base_url", cfg.Server.BaseURL),
		zap.String("stream_url", cfg.Server.StreamURL),
	)

	metrics.SetEnabled(cfg.Metrics.Enabled)
	metrics.Init()
	metrics.SetBuildInfo(Version, BuildTime)

	c, err := client.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(&cfg.Metrics, c.Running, log)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	c.Start()

	var adminServer *api.Server
	if cfg.Admin.Enabled {
		adminServer = api.NewServer(&cfg.Admin, c, log)
		if err := adminServer.Start(); err != nil {
			c.Stop()
			return fmt.Errorf("failed to start admin server: %w", err)
		}
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down realtime client")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if adminServer != nil {
		if err := adminServer.Stop(ctx); err != nil {
			log.Error("Admin server forced to shutdown", zap.Error(err))
		}
	}

	c.Stop()

	if metricsServer != nil {
		if err := metricsServer.Stop(ctx); err != nil {
			log.Error("Metrics server forced to shutdown", zap.Error(err))
		}
	}

	log.Info("Realtime client stopped")
	return nil
}
