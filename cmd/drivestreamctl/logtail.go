package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fleetsignal/drivestream/wire"
)

// runLogTail follows a persist.FileStore flat-file event log the way `tail
// -f` follows a growing text file: print every frame already on disk, then
// keep polling for frames appended after new events land.
func runLogTail(args []string) error {
	fs := flag.NewFlagSet("log-tail", flag.ContinueOnError)
	follow := fs.Bool("follow", true, "keep polling for events appended after startup")
	poll := fs.Duration("poll", 500*time.Millisecond, "poll interval while following")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: drivestreamctl log-tail [flags] <path>")
	}
	path := fs.Arg(0)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	dec := wire.NewDecoder(f)
	for {
		e, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !*follow {
					return nil
				}
				time.Sleep(*poll)
				continue
			}
			return fmt.Errorf("decoding %s: %w", path, err)
		}
		fmt.Printf("%s  %s  %s/%s  %d bytes\n",
			e.Timestamp.Format("2006-01-02T15:04:05.000"), e.EventID, e.ApplicationID, e.EventType, len(e.Body))
	}
}
