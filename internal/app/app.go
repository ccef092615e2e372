package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "scrape":
		return runScrape(args[1:])
	case "detect":
		return runDetect(args[1:])
	case "daily", "run-once":
		return runDaily(args[1:])
	case "digest":
		return runDigest(args[1:])
	case "serve":
		return runServe(args[1:])
	case "schedule":
		return runSchedule(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "chronicle CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  chronicle <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health    Verify database, NER, and embedding connectivity")
	fmt.Fprintln(os.Stderr, "  scrape    Fetch new articles from the configured sources")
	fmt.Fprintln(os.Stderr, "  detect    Assign unclustered articles to conflicts")
	fmt.Fprintln(os.Stderr, "  daily     Run the daily pass: cluster, update centroids, write episodes")
	fmt.Fprintln(os.Stderr, "  run-once  Alias for daily")
	fmt.Fprintln(os.Stderr, "  digest    Email the daily digest for a given date")
	fmt.Fprintln(os.Stderr, "  serve     Start the Echo API server")
	fmt.Fprintln(os.Stderr, "  schedule  Run scrape + daily + digest every day at a fixed UTC hour")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"chronicle <command> -h\" for command-specific flags.")
}
