// Command alphascan runs the tag-pass pipeline against an Alien RFID reader
// and serves its control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/alphascan/internal/api"
	"github.com/banshee-data/alphascan/internal/config"
	"github.com/banshee-data/alphascan/internal/db"
	"github.com/banshee-data/alphascan/internal/fsutil"
	"github.com/banshee-data/alphascan/internal/monitoring"
	"github.com/banshee-data/alphascan/internal/output"
	"github.com/banshee-data/alphascan/internal/pipeline"
	"github.com/banshee-data/alphascan/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON config file (defaults are used when empty)")
	listen      = flag.String("listen", ":8080", "Listen address")
	dbPath      = flag.String("db", "alphascan.db", "SQLite database for run history (empty disables it)")
	devMode     = flag.Bool("dev", false, "Use the mock reader regardless of the configured mode")
	autoStart   = flag.Bool("autostart", false, "Start a run as soon as the service is up")
	trace       = flag.Bool("trace", false, "Log every tag reading")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.EmptyConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	monitoring.SetTrace(*trace)
	log.Printf("alphascan %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := cfg.GetReader()
	if *devMode {
		rc.Mode = config.ReaderMock
	}
	transport, readerMux, err := buildTransport(ctx, rc)
	if err != nil {
		log.Fatalf("failed to open reader (%s): %v", rc.Mode, err)
	}
	log.Printf("reader mode %s", rc.Mode)

	// Run logs go to per-run CSV directories and, when enabled, to SQLite.
	var sinks output.MultiSink
	var queues []*output.AsyncSink
	csv := output.NewAsyncSink(output.NewManager(fsutil.OSFileSystem{}, cfg.GetOutputDir()), cfg.GetSaveQueueSize())
	sinks = append(sinks, csv)
	queues = append(queues, csv)

	var store *db.DB
	if *dbPath != "" {
		if store, err = db.OpenDB(*dbPath); err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer store.Close()
		dbq := output.NewAsyncSink(store, cfg.GetSaveQueueSize())
		sinks = append(sinks, dbq)
		queues = append(queues, dbq)
	}

	p := pipeline.New()
	if err := p.Configure(cfg.PipelineSettings(), pipeline.Collaborators{Reader: transport, Sink: sinks}); err != nil {
		log.Fatalf("invalid pipeline settings: %v", err)
	}

	var history api.Store
	if store != nil {
		history = store
	}

	var wg sync.WaitGroup

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// admin debugging routes (accessible only in dev mode or over Tailscale)
		if store != nil {
			store.AttachAdminRoutes(mux)
		}
		readerMux.AttachAdminRoutes(mux)
		mux.Handle("/api/", api.NewServer(p, history).Router())

		server := &http.Server{
			Addr:              *listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("listening on %s", *listen)

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	if *autoStart {
		if err := p.Start(ctx); err != nil {
			log.Printf("failed to start run: %v", err)
		}
	}

	<-ctx.Done()
	log.Print("signal received, draining the current run")

	// A second signal aborts the drain.
	abort := make(chan os.Signal, 1)
	signal.Notify(abort, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if _, ok := <-abort; ok {
			log.Print("second signal, aborting")
			p.Abort()
		}
	}()
	if err := p.StopAndDrain(context.Background()); err != nil {
		log.Printf("drain: %v", err)
	}
	signal.Stop(abort)
	close(abort)

	if err := transport.Close(); err != nil {
		log.Printf("failed to close reader: %v", err)
	}
	p.Hub().Close()
	wg.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, q := range queues {
		if err := q.Close(closeCtx); err != nil {
			log.Printf("failed to flush run logs: %v", err)
		}
		written, dropped, failed := q.Stats()
		log.Printf("run log batches: %d written, %d dropped, %d failed", written, dropped, failed)
	}
	log.Print("graceful shutdown complete")
}
