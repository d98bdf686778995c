// Command dbfeed relays events from one or more upstream collector
// streams into a local node for durable storage, filtering out driver-app
// Vehicle Location events (already handled synchronously by the feedback
// path at the collector) the way
// original_source/semserver/dbfeed.py's DBFeedFilter does.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/fleetsignal/drivestream/event"
	"github.com/fleetsignal/drivestream/persist"
	"github.com/fleetsignal/drivestream/relay"
	sqsrelay "github.com/fleetsignal/drivestream/relay/sqs"
	"github.com/fleetsignal/drivestream/stream"
	"github.com/fleetsignal/drivestream/telemetry"
	arrivaltracker "github.com/fleetsignal/drivestream/tracker"
)

const (
	driverApplicationID = "SmartDriver"
	vehicleLocationType = "Vehicle Location"
)

func main() {
	port := flag.Int("port", 9102, "TCP port to listen on")
	buffer := flag.Duration("buffer", 2*time.Second, "publish buffering time (0 for no buffering)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn")
	disableStderr := flag.Bool("disable-stderr", false, "suppress log output")
	disablePersistence := flag.Bool("disable-persistence", false, "don't persist relayed events to disk")
	persistFile := flag.String("persist-file", "dbfeed.events.log", "flat-file path for event persistence")
	s3Bucket := flag.String("s3-bucket", "", "also archive every relayed batch to this S3 bucket (disabled if empty)")
	s3Prefix := flag.String("s3-prefix", "dbfeed", "key prefix for S3 archival objects")
	awsRegion := flag.String("aws-region", "us-east-1", "AWS region for S3 archival")
	awsAccessKeyID := flag.String("aws-access-key-id", "", "static AWS access key id for S3 archival and SQS relay (if empty, no credentials are configured)")
	awsSecretAccessKey := flag.String("aws-secret-access-key", "", "static AWS secret access key for S3 archival and SQS relay")
	sqsQueueURL := flag.String("sqs-queue-url", "", "consume relayed events from this SQS queue in addition to --collectors (disabled if empty)")
	arrivalLogFile := flag.String("arrival-log-file", "", "CSV file to record per-event arrival latency to, for latency studies (disabled if empty)")
	flag.Parse()

	collectors := flag.Args()
	if len(collectors) == 0 {
		collectors = []string{"http://localhost:9090/collector/compressed"}
	}

	configureLogging(*logLevel, *disableStderr)

	var persistHook stream.PersistHook
	if !*disablePersistence {
		fileStore, err := persist.OpenFile(*persistFile)
		if err != nil {
			slog.Error("dbfeed: opening persistence file failed", "error", err)
			os.Exit(1)
		}
		defer fileStore.Close()
		persistHook = fileStore
	}

	node := stream.New("/dbfeed", stream.Options{
		BufferingTime: *buffer,
		AllowPublish:  false,
		Persist:       persistHook,
	})
	defer node.Stop()

	if !*disablePersistence {
		if events, err := persist.Preload(*persistFile); err != nil {
			slog.Error("dbfeed: preloading persisted events failed", "error", err)
		} else if len(events) > 0 {
			node.Seed(events)
			slog.Info("dbfeed: preloaded events", "count", len(events))
		}
	}

	var archive *persist.S3Archive
	if *s3Bucket != "" {
		archive = persist.NewS3Archive(newS3Client(*awsRegion, *awsAccessKeyID, *awsSecretAccessKey), *s3Bucket, *s3Prefix)
	}

	tracker := telemetry.NewTracker("dbfeed")
	node.Tap(func(events []event.Event) { tracker.Count(len(events)) })

	statsCtx, cancelStats := context.WithCancel(context.Background())
	defer cancelStats()
	go tracker.Run(statsCtx, telemetry.LogSample)

	if *arrivalLogFile != "" {
		arrivalFile, err := os.OpenFile(*arrivalLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Error("dbfeed: opening arrival log file failed", "error", err)
			os.Exit(1)
		}
		defer arrivalFile.Close()
		at := arrivaltracker.New(arrivalFile)
		node.Tap(at.Observe)
	}

	relayCtx, cancelRelays := context.WithCancel(context.Background())
	defer cancelRelays()
	for _, upstream := range collectors {
		client := relay.NewClient(relay.ClientOptions{
			UpstreamURL: upstream,
			Label:       "dbfeed",
			Deflate:     true,
		}, func(events []event.Event) error {
			filtered := filterDBFeed(events)
			if archive != nil {
				if err := archive.ArchiveSegment(relayCtx, "dbfeed", filtered); err != nil {
					slog.Error("dbfeed: s3 archival failed", "error", err)
				}
			}
			return node.Publish(filtered)
		})
		go client.Run(relayCtx)
	}

	if *sqsQueueURL != "" {
		sqsRelay := sqsrelay.New(sqs.NewFromConfig(newAWSConfig(*awsRegion, *awsAccessKeyID, *awsSecretAccessKey)), *sqsQueueURL)
		go func() {
			err := sqsRelay.Consume(relayCtx, func(e event.Event) error {
				filtered := filterDBFeed([]event.Event{e})
				if len(filtered) == 0 {
					return nil
				}
				if archive != nil {
					if err := archive.ArchiveSegment(relayCtx, "dbfeed", filtered); err != nil {
						slog.Error("dbfeed: s3 archival failed", "error", err)
					}
				}
				return node.Publish(filtered)
			})
			if err != nil && relayCtx.Err() == nil {
				slog.Error("dbfeed: sqs relay consume stopped", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf(":%d", *port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("dbfeed: listen failed", "addr", addr, "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	(&stream.Handler{Node: node}).Register(mux, "/dbfeed")

	httpSrv := &http.Server{Handler: mux}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	slog.Info("dbfeed: listening", "addr", ln.Addr().String(), "collectors", collectors)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("dbfeed: received signal, shutting down", "signal", sig.String())
	case err := <-serveErr:
		slog.Error("dbfeed: serve error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
}

// filterDBFeed drops driver-app Vehicle Location events, mirroring
// DBFeedFilter.filter_event: those are already handled synchronously by
// the feedback path at the collector and would otherwise be double-fed
// into the durable store.
func filterDBFeed(events []event.Event) []event.Event {
	out := make([]event.Event, 0, len(events))
	for _, e := range events {
		if e.ApplicationID == driverApplicationID && e.EventType == vehicleLocationType {
			continue
		}
		out = append(out, e)
	}
	return out
}

// newAWSConfig builds an aws.Config from static credentials, shared by the
// S3 archival and SQS relay clients. When either key is empty the config
// has no credentials provider; the SDK's default credential chain
// (environment, shared config, IMDS/container role) is not loaded.
func newAWSConfig(region, accessKeyID, secretAccessKey string) aws.Config {
	cfg := aws.Config{Region: region}
	if accessKeyID != "" && secretAccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")
	}
	return cfg
}

// newS3Client builds an S3 client for archival from static credentials.
func newS3Client(region, accessKeyID, secretAccessKey string) *s3.Client {
	return s3.NewFromConfig(newAWSConfig(region, accessKeyID, secretAccessKey))
}

func configureLogging(level string, disableStderr bool) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	default:
		lvl = slog.LevelInfo
	}
	handlerLevel := lvl
	if disableStderr {
		handlerLevel = slog.LevelError + 1
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: handlerLevel})))
}
