// Command streamnode runs a single stream node: the collector stream's
// HTTP long-poll surface (spec.md §4.E/§6), the scores endpoint (§4.J),
// and, unless disabled, the synchronous feedback path (§4.I).
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
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetsignal/drivestream/event"
	"github.com/fleetsignal/drivestream/feedback"
	"github.com/fleetsignal/drivestream/geo"
	"github.com/fleetsignal/drivestream/persist"
	"github.com/fleetsignal/drivestream/recency"
	"github.com/fleetsignal/drivestream/scoreindex"
	"github.com/fleetsignal/drivestream/scoreindex/redisbacked"
	"github.com/fleetsignal/drivestream/scoresapi"
	"github.com/fleetsignal/drivestream/stream"
)

func main() {
	port := flag.Int("port", 9090, "TCP port to listen on")
	buffer := flag.Duration("buffer", 2*time.Second, "publish buffering time (0 for no buffering)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn")
	disableStderr := flag.Bool("disable-stderr", false, "suppress log output")
	disablePersistence := flag.Bool("disable-persistence", false, "don't persist events to disk")
	disableFeedback := flag.Bool("disable-feedback", false, "don't compute feedback for driver-app publishes")
	disableRoadInfo := flag.Bool("disable-road-info", false, "don't issue road-info requests from the feedback path")
	scoreInfoURL := flag.String("score-info-url", "", "scores endpoint URL the feedback handler calls (default: self)")
	roadInfoURL := flag.String("road-info-url", "", "external road-info service URL")
	indexTTL := flag.Duration("index-ttl", 2*time.Hour, "score index entry time-to-live")
	allowSameUser := flag.Bool("allow-same-user", false, "allow a caller's own entries older than one hour in score lookups")
	persistFile := flag.String("persist-file", "streamnode.events.log", "flat-file path for event persistence")
	persistBackend := flag.String("persist-backend", "file", "persistence backend: file or postgres")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string, required when --persist-backend=postgres")
	redisAddr := flag.String("redis-addr", "", "Redis address for sharing score-index inserts across sibling processes (disabled if empty)")
	runDir := flag.String("run-dir", "", "directory to write the node.addr handshake file in (disabled if empty)")
	flag.Parse()

	if *persistBackend != "file" && *persistBackend != "postgres" {
		slog.Error("streamnode: invalid --persist-backend", "value", *persistBackend)
		os.Exit(1)
	}

	configureLogging(*logLevel, *disableStderr)

	addr := fmt.Sprintf(":%d", *port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("streamnode: listen failed", "addr", addr, "error", err)
		os.Exit(1)
	}

	if *runDir != "" {
		addrFile, err := writeAddrFile(*runDir, ln.Addr().String())
		if err != nil {
			slog.Error("streamnode: writing node.addr failed", "error", err)
			os.Exit(1)
		}
		defer os.Remove(addrFile)
	}

	index := scoreindex.New(scoreindex.Options{
		SearchRadius:  1000,
		TTL:           *indexTTL,
		AllowSameUser: *allowSameUser,
	})
	rollerCtx, cancelRoller := context.WithCancel(context.Background())
	defer cancelRoller()
	go index.RunRoller(rollerCtx, 60*time.Second)

	shortBuf := recency.New[geo.Location]()
	longBuf := recency.New[geo.Location]()
	go rollOnTicker(rollerCtx, shortBuf, 30*time.Second)
	go rollOnTicker(rollerCtx, longBuf, 300*time.Second)

	scores := scoresapi.New(index, shortBuf, longBuf)

	if *redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: *redisAddr})
		scores.Mirror = redisbacked.NewPublisher(redisClient)

		redisCtx, cancelRedis := context.WithCancel(context.Background())
		defer cancelRedis()
		go func() {
			if err := redisbacked.NewSubscriber(redisClient, index).Run(redisCtx); err != nil && redisCtx.Err() == nil {
				slog.Error("streamnode: redis insert subscriber stopped", "error", err)
			}
		}()
	}

	var persistHook stream.PersistHook
	var preloaded []event.Event
	if !*disablePersistence {
		switch *persistBackend {
		case "postgres":
			if *postgresDSN == "" {
				slog.Error("streamnode: --postgres-dsn is required when --persist-backend=postgres")
				os.Exit(1)
			}
			pgStore, err := persist.ConnectPostgres(context.Background(), *postgresDSN)
			if err != nil {
				slog.Error("streamnode: connecting to postgres failed", "error", err)
				os.Exit(1)
			}
			defer pgStore.Close()
			persistHook = pgStore

			events, err := pgStore.Preload(context.Background())
			if err != nil {
				slog.Error("streamnode: preloading from postgres failed", "error", err)
			} else {
				preloaded = events
			}
		default:
			fileStore, err := persist.OpenFile(*persistFile)
			if err != nil {
				slog.Error("streamnode: opening persistence file failed", "error", err)
				os.Exit(1)
			}
			defer fileStore.Close()
			persistHook = fileStore

			events, err := persist.Preload(*persistFile)
			if err != nil {
				slog.Error("streamnode: preloading persisted events failed", "error", err)
			} else {
				preloaded = events
			}
		}
	}

	node := stream.New("/collector", stream.Options{
		BufferingTime: *buffer,
		AllowPublish:  true,
		Persist:       persistHook,
	})
	defer node.Stop()

	if len(preloaded) > 0 {
		node.Seed(preloaded)
		slog.Info("streamnode: preloaded events", "count", len(preloaded), "backend", *persistBackend)
	}

	mux := http.NewServeMux()

	streamHandler := &stream.Handler{Node: node}
	if !*disableFeedback {
		selfScoresURL := *scoreInfoURL
		if selfScoresURL == "" {
			selfScoresURL = fmt.Sprintf("http://127.0.0.1:%d/driver_scores", *port)
		}
		streamHandler.Interceptor = feedback.New(selfScoresURL, *roadInfoURL, true, !*disableRoadInfo)
		streamHandler.ParseBody = true
	}
	streamHandler.Register(mux, "/collector")
	scores.Register(mux)

	httpSrv := &http.Server{Handler: mux}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	slog.Info("streamnode: listening", "addr", ln.Addr().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("streamnode: received signal, shutting down", "signal", sig.String())
	case err := <-serveErr:
		slog.Error("streamnode: serve error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("streamnode: graceful shutdown failed", "error", err)
	}
}

// writeAddrFile atomically publishes the node's listen address as
// <runDir>/node.addr, mirroring cmd/rigd/main.go's handshake: a sibling
// process (or operator) can poll for the file's existence rather than
// guessing the port. Writing to a temp file then renaming avoids a reader
// ever observing a partially written address.
func writeAddrFile(runDir, addr string) (string, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}

	addrFile := filepath.Join(runDir, "node.addr")
	tmpFile := addrFile + ".tmp"
	if err := os.WriteFile(tmpFile, []byte(addr), 0o644); err != nil {
		return "", fmt.Errorf("writing temp addr file: %w", err)
	}
	if err := os.Rename(tmpFile, addrFile); err != nil {
		os.Remove(tmpFile)
		return "", fmt.Errorf("renaming addr file into place: %w", err)
	}
	return addrFile, nil
}

func rollOnTicker[V any](ctx context.Context, buf *recency.Buffer[V], interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			buf.Roll()
		case <-ctx.Done():
			return
		}
	}
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

	out := os.Stderr
	var handler slog.Handler
	if disableStderr {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}
