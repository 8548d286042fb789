package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/coverage.report/internal/api"
	"github.com/banshee-data/coverage.report/internal/clock"
	"github.com/banshee-data/coverage.report/internal/config"
	"github.com/banshee-data/coverage.report/internal/control"
	"github.com/banshee-data/coverage.report/internal/store"
	"github.com/banshee-data/coverage.report/internal/version"
)

var (
	listen      = flag.String("listen", "127.0.0.1:8080", "Listen address")
	dbFile      = flag.String("db", "coverage.db", "Path to the sqlite database")
	configFile  = flag.String("config", "", "Path to a JSON config file (optional)")
	controlURL  = flag.String("control-url", "", "Control server base URL (overrides config)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("coverage.report %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.EmptyCoverageConfig()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadCoverageConfig(*configFile)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	baseURL := cfg.GetControlServerURL()
	if *controlURL != "" {
		baseURL = *controlURL
	}
	if baseURL == "" {
		log.Fatal("a control server URL is required (flag -control-url or config control_server_url)")
	}

	st, err := store.Open(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	clk := clock.New()
	ctl := control.NewClient(baseURL, nil, clk)
	sender := store.NewSender(st, ctl, clk, cfg.GetMaxResendAge(), cfg.GetSubmitRatePerMin())
	apiServer := api.NewServer(st, sender, ctl, cfg, clk)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Resend routine: one sweep at launch to drain anything a previous
	// process left behind, then periodic sweeps for sessions whose
	// submission failed.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sender.Sweep(ctx, true); err != nil && ctx.Err() == nil {
			log.Printf("launch resend sweep failed: %v", err)
		}
		ticker := clk.NewTicker(cfg.GetResendInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Print("resend routine terminated")
				return
			case <-ticker.C:
				if err := sender.Sweep(ctx, false); err != nil && ctx.Err() == nil {
					log.Printf("periodic resend sweep failed: %v", err)
				}
			}
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		mux.Handle("/api/", http.StripPrefix("/api", apiServer.ServeMux()))

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("coverage daemon %s listening on %s", version.Version, *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()
	// Stop any running measurement before the process exits so its open
	// fence is closed and its results submitted.
	apiServer.Shutdown()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
