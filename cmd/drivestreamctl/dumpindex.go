package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
)

func runDumpIndex(args []string) error {
	fs := flag.NewFlagSet("dump-index", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: drivestreamctl dump-index <node-url>")
	}
	nodeURL := strings.TrimRight(fs.Arg(0), "/")

	resp, err := http.Get(nodeURL + "/dump_index")
	if err != nil {
		return fmt.Errorf("requesting dump_index: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading dump_index response: %w", err)
	}
	fmt.Print(string(body))
	return nil
}
