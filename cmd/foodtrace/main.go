package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lucks-13/foodtrace-capstone/pkg/config"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sFoodTrace Ledger%s\n", ColorBold+ColorBlue, ColorReset)
	_, _ = fmt.Fprintf(w, "%sTamper-evident batch records and district risk.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  foodtrace <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the HTTP API (default)")
	printCommand(w, "health", "Check server health (--url)")

	printSection(w, "CHAIN")
	printCommand(w, "verify", "Replay and verify a journal (--journal, --json)")
	printCommand(w, "export", "Export a verified snapshot (--dest, --journal)")

	printSection(w, "UTILITIES")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-10s%s %s\n", ColorGreen, name, ColorReset, desc)
}

func runHealthCmd(args []string, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(errOut)

	var url string
	cmd.StringVar(&url, "url", "", "Health endpoint (default http://localhost:$FOODTRACE_PORT/health)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if url == "" {
		url = defaultHealthURL(config.Load().Port)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	_, _ = fmt.Fprintln(out, "OK")
	return 0
}

func defaultHealthURL(port string) string {
	if strings.Contains(port, ":") {
		host := port
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		return "http://" + host + "/health"
	}
	return "http://localhost:" + port + "/health"
}
