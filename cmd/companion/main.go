// Command companion is a terminal device for the readycheck API: it logs a
// member in, manages groups and takes part in summons.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"readycheck/api/internal/client"
	"readycheck/api/internal/logging"
)

const programName = "companion"

var globalFlags = struct {
	server string
	token  string
	debug  bool
}{}

func newClient() *client.Client {
	return client.New(globalFlags.server, client.WithToken(globalFlags.token))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Take part in group ready-checks from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "warn"
			if globalFlags.debug {
				level = "debug"
			}
			logging.Setup(os.Stderr, level, true)
		},
	}

	rootCmd.PersistentFlags().
		StringVar(&globalFlags.server, "server", envOr("READYCHECK_SERVER", "http://localhost:8787"), "API base URL")
	rootCmd.PersistentFlags().
		StringVar(&globalFlags.token, "token", os.Getenv("READYCHECK_TOKEN"), "bearer token from 'companion login'")
	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")

	rootCmd.AddCommand(loginCommand())
	rootCmd.AddCommand(groupCommand())
	rootCmd.AddCommand(startCommand())
	rootCmd.AddCommand(joinCommand())
	rootCmd.AddCommand(cancelCommand())
	rootCmd.AddCommand(historyCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		stop()
		os.Exit(1)
	}
}
