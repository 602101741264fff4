package cli

import (
	"RebaseLedger/internal/event"
	"RebaseLedger/internal/server"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// commandFlags holds the flags shared by every ledger command.
type commandFlags struct {
	id        string
	caller    string
	from      string
	to        string
	spender   string
	amount    string
	rate      string
	sequence  int64
	timestamp string
}

// request builds the wire request. A missing id gets a fresh UUID, so a
// retry must pass --id explicitly to be deduplicated.
func (f *commandFlags) request() *server.CommandRequest {
	id := f.id
	if id == "" {
		id = uuid.NewString()
	}
	req := &server.CommandRequest{
		CommandID: id,
		Caller:    f.caller,
		From:      f.from,
		To:        f.to,
		Spender:   f.spender,
		Amount:    f.amount,
		Rate:      f.rate,
		Sequence:  f.sequence,
	}
	if f.timestamp != "" {
		req.Timestamp, _ = json.Marshal(f.timestamp)
	}
	return req
}

// newCommandCmd builds a subcommand that submits one ledger command type.
// fields names the type-specific flags beyond --id, --caller, --sequence
// and --timestamp.
func newCommandCmd(et event.EventType, use, short string, fields ...string) *cobra.Command {
	f := &commandFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.Submit(ctx, et, f.request())
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.id, "id", "", "Command id (UUID); generated when empty")
	flags.StringVar(&f.caller, "caller", "", "Calling account (UUID)")
	flags.Int64Var(&f.sequence, "sequence", 0, "Source sequence number (0 = unsequenced)")
	flags.StringVar(&f.timestamp, "timestamp", "", "Command time, RFC3339 or unix seconds (default: now)")
	_ = cmd.MarkFlagRequired("caller")

	for _, name := range fields {
		switch name {
		case "from":
			flags.StringVar(&f.from, "from", "", "Source account (UUID)")
		case "to":
			flags.StringVar(&f.to, "to", "", "Destination account (UUID)")
			_ = cmd.MarkFlagRequired("to")
		case "spender":
			flags.StringVar(&f.spender, "spender", "", "Spender account (UUID)")
			_ = cmd.MarkFlagRequired("spender")
		case "amount":
			flags.StringVar(&f.amount, "amount", "", `Amount in base units, or "max"`)
			_ = cmd.MarkFlagRequired("amount")
		case "rate":
			flags.StringVar(&f.rate, "rate", "", "New rate per second, scaled by 1e18")
			_ = cmd.MarkFlagRequired("rate")
		default:
			panic(fmt.Sprintf("unknown command field %q", name))
		}
	}
	return cmd
}

var (
	atFlag     int64
	limitFlag  int
	beforeFlag int64
	fromFlag   int64
)

func holderQueryCmd(use, short string, fn func(ctx context.Context, c *server.Client, holder string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <holder>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return fn(ctx, c, args[0])
			})
		},
	}
}

func simpleQueryCmd(use, short string, fn func(ctx context.Context, c *server.Client) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, fn)
		},
	}
}

func init() {
	rootCmd.AddCommand(
		newCommandCmd(event.EventTypeMint, "mint", "Create new principal for an account", "to", "amount"),
		newCommandCmd(event.EventTypeBurn, "burn", "Destroy principal (default: the caller's)", "from", "amount"),
		newCommandCmd(event.EventTypeTransfer, "transfer", "Move principal between accounts", "from", "to", "amount"),
		newCommandCmd(event.EventTypeTransferFrom, "transfer-from", "Move principal using an allowance", "from", "to", "amount"),
		newCommandCmd(event.EventTypeApprove, "approve", "Set a spender's allowance", "spender", "amount"),
		newCommandCmd(event.EventTypeSetRate, "set-rate", "Change the global rate", "rate"),
	)

	balanceCmd := holderQueryCmd("balance", "Balance including interest accrued up to --at", func(ctx context.Context, c *server.Client, h string) (any, error) {
		return c.BalanceOf(ctx, h, atFlag)
	})
	balanceCmd.Flags().Int64Var(&atFlag, "at", 0, "Unix seconds to accrue to (default: now)")

	holderCmd := holderQueryCmd("holder", "Stored record and derived balance of an account", func(ctx context.Context, c *server.Client, h string) (any, error) {
		return c.GetHolder(ctx, h, atFlag)
	})
	holderCmd.Flags().Int64Var(&atFlag, "at", 0, "Unix seconds to accrue to (default: now)")

	journalsCmd := holderQueryCmd("journals", "Journal entries touching an account, newest first", func(ctx context.Context, c *server.Client, h string) (any, error) {
		return c.ListJournals(ctx, &server.HistoryRequest{Holder: h, Limit: limitFlag, Before: beforeFlag})
	})
	journalsCmd.Flags().IntVar(&limitFlag, "limit", 100, "Maximum entries")
	journalsCmd.Flags().Int64Var(&beforeFlag, "before", 0, "Only entries before this sequence")

	interestCmd := holderQueryCmd("interest", "Interest settled to an account, newest first", func(ctx context.Context, c *server.Client, h string) (any, error) {
		return c.ListInterest(ctx, &server.HistoryRequest{Holder: h, Limit: limitFlag})
	})
	interestCmd.Flags().IntVar(&limitFlag, "limit", 100, "Maximum entries")

	rateHistoryCmd := simpleQueryCmd("rate-history", "Global rate changes, newest first", func(ctx context.Context, c *server.Client) (any, error) {
		return c.GetRateHistory(ctx, limitFlag)
	})
	rateHistoryCmd.Flags().IntVar(&limitFlag, "limit", 100, "Maximum entries")

	eventsCmd := simpleQueryCmd("events", "Logged commands from a sequence", func(ctx context.Context, c *server.Client) (any, error) {
		return c.ListEvents(ctx, &server.EventsRequest{From: fromFlag, Limit: limitFlag})
	})
	eventsCmd.Flags().Int64Var(&fromFlag, "from", 1, "First sequence")
	eventsCmd.Flags().IntVar(&limitFlag, "limit", 100, "Maximum entries")

	allowanceCmd := &cobra.Command{
		Use:   "allowance <owner> <spender>",
		Short: "Allowance granted by owner to spender",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.GetAllowance(ctx, args[0], args[1])
			})
		},
	}

	rootCmd.AddCommand(
		balanceCmd,
		holderCmd,
		journalsCmd,
		interestCmd,
		rateHistoryCmd,
		eventsCmd,
		allowanceCmd,
		holderQueryCmd("principal", "Stored principal of an account", func(ctx context.Context, c *server.Client, h string) (any, error) {
			return c.PrincipalBalanceOf(ctx, h)
		}),
		holderQueryCmd("user-rate", "Rate locked in an account's record", func(ctx context.Context, c *server.Client, h string) (any, error) {
			return c.GetUserRate(ctx, h)
		}),
		simpleQueryCmd("rate", "Current global rate", func(ctx context.Context, c *server.Client) (any, error) {
			return c.GetRate(ctx)
		}),
		simpleQueryCmd("supply", "Supply counters", func(ctx context.Context, c *server.Client) (any, error) {
			return c.GetSupply(ctx)
		}),
		simpleQueryCmd("integrity", "Verify the event log hash chain and supply", func(ctx context.Context, c *server.Client) (any, error) {
			return c.VerifyIntegrity(ctx)
		}),
		simpleQueryCmd("snapshot", "Take a state snapshot now", func(ctx context.Context, c *server.Client) (any, error) {
			return c.TakeSnapshot(ctx)
		}),
		simpleQueryCmd("rebuild-projections", "Rewrite projection tables from live state", func(ctx context.Context, c *server.Client) (any, error) {
			return c.RebuildProjections(ctx)
		}),
	)
}
