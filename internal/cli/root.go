// Package cli implements the examflow command line client.
package cli

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shehryarbajwa/examflow/internal/logging"
)

// Version is set at build time via -ldflags "-X github.com/shehryarbajwa/examflow/internal/cli.Version=X.Y.Z"
var Version = "0.0.0-dev"

var rootCmd = &cobra.Command{
	Use:   "examflow",
	Short: "Run exam registration automations from the terminal",
	Long: `examflow drives exam registration automations on an automation worker
and answers the worker's OTP, captcha and form questions from the terminal.

Examples:
  examflow exams                              # List exams open for automation
  examflow apply 7 --user 42                  # Apply and run the automation
  examflow run 7 --user 42                    # Run without touching the registry
  echo 123456 | examflow run 7 --user 42      # Pipe answers in

Settings can also come from EXAMFLOW_SERVER, EXAMFLOW_TOKEN and
EXAMFLOW_REGISTRY.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("verbose") {
			slog.SetDefault(logging.New("development", os.Stderr))
			return
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	},
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	viper.SetEnvPrefix("EXAMFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	flags := rootCmd.PersistentFlags()
	flags.String("server", "ws://localhost:8080", "automation worker base URL (ws:// or wss://)")
	flags.String("token", "", "bearer token for the worker and registry")
	flags.String("registry", "http://localhost:5000", "application registry base URL")
	flags.BoolP("verbose", "v", false, "log transport diagnostics to stderr")
	for _, name := range []string{"server", "token", "registry", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(examsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tokenCmd)
}
