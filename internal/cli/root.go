// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli builds the relay root command.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/relay/internal/commands/call"
	"github.com/tombee/relay/internal/commands/shared"
	versioncmd "github.com/tombee/relay/internal/commands/version"
	"github.com/tombee/relay/internal/commands/whoami"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "relay - resilient calls to remote HTTP APIs",
		Long: `relay sends requests to remote HTTP APIs through a client runtime
that signs requests, retries transient failures under a shared token
bucket, enforces timeouts and drops unhealthy connections.

Configuration is read from ~/.config/relay/config.yaml (or --config) and
RELAY_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(flags.Verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(flags.JSON, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(flags.Config, "config", "", "Path to config file (default: ~/.config/relay/config.yaml)")
	cmd.PersistentFlags().StringVar(flags.Region, "region", "", "Override the configured region")
	cmd.PersistentFlags().StringVar(flags.Endpoint, "endpoint", "", "Override endpoint resolution with a fixed URL")
	cmd.PersistentFlags().StringVar(flags.EnvFile, "env-file", "", "Load environment variables from this file (default: ./.env when present)")

	cmd.AddCommand(call.NewCommand())
	cmd.AddCommand(whoami.NewCommand())
	cmd.AddCommand(versioncmd.NewVersionCommand())
	return cmd
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
