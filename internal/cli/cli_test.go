package cli

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestCommandRequest(t *testing.T) {
	f := &commandFlags{caller: "a", to: "b", amount: "max", timestamp: "1700000000"}

	req := f.request()
	if _, err := uuid.Parse(req.CommandID); err != nil {
		t.Fatalf("generated command id should be a UUID, got %q", req.CommandID)
	}
	if string(req.Timestamp) != `"1700000000"` {
		t.Errorf("timestamp: got %s", req.Timestamp)
	}
	if again := f.request(); again.CommandID == req.CommandID {
		t.Error("each request without --id should get a fresh id")
	}

	f.id = "550e8400-e29b-41d4-a716-446655440000"
	if got := f.request().CommandID; got != f.id {
		t.Errorf("explicit id: got %s", got)
	}

	f.timestamp = ""
	if ts := f.request().Timestamp; ts != nil {
		t.Errorf("empty timestamp should be omitted, got %s", ts)
	}
}

func TestCommandTree(t *testing.T) {
	want := []string{
		"mint", "burn", "transfer", "transfer-from", "approve", "set-rate",
		"balance", "holder", "principal", "user-rate", "allowance",
		"rate", "rate-history", "supply", "journals", "interest", "events",
		"integrity", "snapshot", "rebuild-projections",
	}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd == rootCmd {
			t.Errorf("subcommand %q not registered", name)
			continue
		}
		if !strings.HasPrefix(cmd.Use, name) {
			t.Errorf("%q resolved to %q", name, cmd.Use)
		}
	}

	mint, _, _ := rootCmd.Find([]string{"mint"})
	for _, flag := range []string{"caller", "to", "amount", "id", "timestamp"} {
		if mint.Flags().Lookup(flag) == nil {
			t.Errorf("mint is missing --%s", flag)
		}
	}
	if mint.Flags().Lookup("spender") != nil {
		t.Error("mint should not take --spender")
	}
}
