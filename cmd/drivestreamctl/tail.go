package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetsignal/drivestream/event"
	"github.com/fleetsignal/drivestream/relay"
)

func runTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	label := fs.String("label", "drivestreamctl", "client label reported to the upstream")
	deflate := fs.Bool("deflate", true, "request deflate transport compression")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: drivestreamctl tail [flags] <stream-url>")
	}
	upstreamURL := fs.Arg(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigCh; cancel() }()

	client := relay.NewClient(relay.ClientOptions{
		UpstreamURL: upstreamURL,
		Label:       *label,
		Deflate:     *deflate,
	}, func(events []event.Event) error {
		for _, e := range events {
			fmt.Printf("%s  %s  %s/%s  %d bytes\n",
				e.Timestamp.Format("2006-01-02T15:04:05.000"), e.EventID, e.ApplicationID, e.EventType, len(e.Body))
		}
		return nil
	})
	client.Run(ctx)
	return nil
}
