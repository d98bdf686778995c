// Command drivestreamctl is an operator CLI for a running streamnode/dbfeed
// process: tailing its live stream, dumping score-index diagnostics, and
// following a persisted event log on disk.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "tail":
		if err := runTail(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "drivestreamctl tail: %v\n", err)
			os.Exit(1)
		}
	case "dump-index":
		if err := runDumpIndex(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "drivestreamctl dump-index: %v\n", err)
			os.Exit(1)
		}
	case "log-tail":
		if err := runLogTail(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "drivestreamctl log-tail: %v\n", err)
			os.Exit(1)
		}
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "drivestreamctl: unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: drivestreamctl <command> [flags]

Commands:
  tail <stream-url>      Long-poll a running node's stream and print events
  dump-index <node-url>  Trigger and print a node's /dump_index diagnostic
  log-tail <file>        Follow a persisted flat-file event log

Run 'drivestreamctl <command> --help' for command-specific flags.
`)
}
