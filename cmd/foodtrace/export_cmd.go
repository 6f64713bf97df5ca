package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/lucks-13/foodtrace-capstone/pkg/archive"
	"github.com/lucks-13/foodtrace-capstone/pkg/chain"
	"github.com/lucks-13/foodtrace-capstone/pkg/config"
)

// runExportCmd writes a verified snapshot of a journal to an archive sink.
//
// Exit codes:
//
//	0 = snapshot stored
//	1 = chain broken, nothing stored
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dest       string
		target     string
		timeout    time.Duration
		jsonOutput bool
	)
	cmd.StringVar(&dest, "dest", "", "Destination: directory, file://, s3://bucket/prefix or gs://bucket/prefix (REQUIRED)")
	cmd.StringVar(&target, "journal", "", "Journal to export (default from environment)")
	cmd.DurationVar(&timeout, "timeout", 2*time.Minute, "Upload timeout")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dest == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --dest is required")
		cmd.Usage()
		return 2
	}
	if target == "" {
		target = journalTarget(config.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	logger := newLogger("ERROR", stderr)

	records, err := loadRecords(ctx, target, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, chain.ErrChainBroken) {
			return 1
		}
		return 2
	}

	sink, err := archive.OpenSink(ctx, dest, archive.SinkOptionsFromEnv())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if c, ok := sink.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	res, err := archive.Export(ctx, records, sink, time.Now())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, archive.ErrBrokenChain) {
			return 1
		}
		return 2
	}

	if jsonOutput {
		out := struct {
			Dest string `json:"dest"`
			archive.Result
		}{Dest: dest, Result: res}
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "%sSnapshot exported%s: %s\n", ColorGreen, ColorReset, dest)
		_, _ = fmt.Fprintf(stdout, "   Ref:     %s\n", res.Ref)
		_, _ = fmt.Fprintf(stdout, "   Records: %d\n", res.Length)
		_, _ = fmt.Fprintf(stdout, "   Head:    %s\n", res.Head)
	}
	return 0
}
