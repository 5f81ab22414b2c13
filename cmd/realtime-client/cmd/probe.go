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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/realtime-client/pkg/config"
	"github.com/wso2/api-platform/realtime-client/pkg/transport"
)

const (
	ProbeCmdLiteral = "probe"
	ProbeCmdExample = `# Check that the server is reachable and the session credential is accepted
` + CliName + ` ` + ProbeCmdLiteral + ` -c ./configs/config.toml`
)

var probeCmd = &cobra.Command{
	Use:     ProbeCmdLiteral,
	Short:   "Probe the messaging server",
	Long:    "Send one reachability probe and one credential validation to the messaging server.",
	Example: ProbeCmdExample,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runProbeCommand(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

type staticToken string

func (t staticToken) Token() string { return string(t) }

func runProbeCommand(path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rest := transport.NewRESTClient(transport.RESTConfig{
		BaseURL:            cfg.Server.BaseURL,
		Timeout:            cfg.Server.RequestTimeout,
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
	}, staticToken(cfg.Auth.SessionToken), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Reachability.ProbeTimeout)
	defer cancel()

	if err := rest.Probe(ctx); err != nil {
		fmt.Printf("Server %s is unreachable: %v\n", cfg.Server.BaseURL, err)
		return fmt.Errorf("probe failed: %w", err)
	}
	fmt.Printf("Server %s is reachable\n", cfg.Server.BaseURL)

	if cfg.Auth.SessionToken == "" {
		fmt.Println("No session token configured, skipping validation")
		return nil
	}

	result, err := rest.Validate(ctx)
	if err != nil && result == transport.NoResponse {
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Printf("Session credential: %s\n", result)
	if result == transport.Rejected {
		return fmt.Errorf("session credential was rejected")
	}
	return nil
}
