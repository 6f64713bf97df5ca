package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/lucks-13/foodtrace-capstone/pkg/chain"
	"github.com/lucks-13/foodtrace-capstone/pkg/config"
)

type verifyResult struct {
	Journal string `json:"journal"`
	OK      bool   `json:"ok"`
	Length  int    `json:"length"`
	Head    string `json:"head"`
	Error   string `json:"error,omitempty"`
}

// runVerifyCmd replays a journal from genesis without starting the server.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		target     string
		jsonOutput bool
	)
	cmd.StringVar(&target, "journal", "", "Journal to verify: Postgres DSN, .jsonl file or SQLite path (default from environment)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if target == "" {
		target = journalTarget(cfg)
	}
	logger := newLogger("ERROR", stderr)
	ctx := context.Background()

	records, err := loadRecords(ctx, target, logger)
	if err != nil && !errors.Is(err, chain.ErrChainBroken) {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err == nil {
		err = chain.Verify(records)
	}

	res := verifyResult{Journal: target, Head: chain.GenesisHash}
	res.Length = len(records)
	if n := len(records); n > 0 {
		res.Head = records[n-1].RecordHash
	}
	res.OK = err == nil
	if err != nil {
		res.Error = err.Error()
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if res.OK {
		_, _ = fmt.Fprintf(stdout, "%sChain verified%s: %s\n", ColorGreen, ColorReset, target)
		_, _ = fmt.Fprintf(stdout, "   Records: %d\n", res.Length)
		_, _ = fmt.Fprintf(stdout, "   Head:    %s\n", res.Head)
	} else {
		_, _ = fmt.Fprintf(stdout, "%sChain BROKEN%s: %s\n", ColorRed, ColorReset, target)
		_, _ = fmt.Fprintf(stdout, "   %s\n", res.Error)
	}
	if !res.OK {
		return 1
	}
	return 0
}

// loadRecords reads every record from target without writing to it.
// Tampering detected by the medium itself is reported as
// chain.ErrChainBroken.
func loadRecords(ctx context.Context, target string, logger *slog.Logger) ([]chain.BatchRecord, error) {
	return readJournal(ctx, target, logger)
}
