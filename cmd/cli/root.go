package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"agentrunner/cmd/cli/runcmd"
	"agentrunner/internal/config"
)

var RootCmd = &cobra.Command{
	Use:   "arctl",
	Short: "AgentRunner - Runs AI agents in the background",
	Long: `AgentRunner executes long running agent pipelines outside of the HTTP request that started
them. Runs are persisted as records that clients observe until they finish.

At a minimum, you need to start the server, at least 1 worker and the reconciler, or everything
at once with "arctl run all".`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		zerolog.SetGlobalLevel(conf.Level())
	},
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
	RootCmd.AddCommand(migrateCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
