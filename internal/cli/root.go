// Package cli provides ledgerctl, the command-line client for RebaseLedger.
package cli

import (
	"RebaseLedger/internal/server"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	addrFlag    string
	timeoutFlag time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "ledgerctl submits commands to and queries a RebaseLedger server.",
	Long: `ledgerctl submits commands to and queries a RebaseLedger server ` +
		`over gRPC. Amounts are decimal strings in base units; "max" selects ` +
		`the whole balance or an unlimited allowance.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", envOr("LEDGER_ADDR", "localhost:9090"), "gRPC address of the ledger")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "Per-call timeout")
}

// withClient dials the ledger, runs fn and prints its result as JSON.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) (any, error)) error {
	conn, err := grpc.NewClient(addrFlag, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addrFlag, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
	defer cancel()

	resp, err := fn(ctx, server.NewClient(conn))
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
