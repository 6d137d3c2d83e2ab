package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"staycrawler/internal/api"
	"staycrawler/internal/config"
	"staycrawler/internal/crawler"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to crawler configuration file")
	statusAddr := flag.String("status-addr", "", "Optional HTTP listen address for crawl progress, e.g. :8080")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, err := crawler.NewEngine(ctx, *cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise engine: %v\n", err)
		os.Exit(1)
	}

	if *statusAddr != "" {
		httpServer := &http.Server{
			Addr:              *statusAddr,
			Handler:           api.NewServer(engine, 5*time.Second),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "status server error: %v\n", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	runErr := engine.Run(ctx)
	if err := engine.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close engine: %v\n", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "crawler stopped with error: %v\n", runErr)
		os.Exit(1)
	}
}
