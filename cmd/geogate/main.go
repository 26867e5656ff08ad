package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/geogate/geogate/internal/api"
	"github.com/geogate/geogate/internal/broker"
	"github.com/geogate/geogate/internal/catalog"
	"github.com/geogate/geogate/internal/config"
	"github.com/geogate/geogate/internal/events"
	"github.com/geogate/geogate/internal/geoserver"
	"github.com/geogate/geogate/internal/log"
	"github.com/geogate/geogate/internal/pipeline"
	"github.com/geogate/geogate/internal/publish"
	"github.com/geogate/geogate/internal/rasterstore"
	"github.com/geogate/geogate/internal/repo"
	"github.com/geogate/geogate/internal/report"
	"github.com/geogate/geogate/internal/retention"
	"github.com/geogate/geogate/internal/retrieval"
	"github.com/geogate/geogate/internal/storage"
	"github.com/geogate/geogate/internal/vectorstore"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "config":
		os.Exit(runConfig(args))
	case "version":
		fmt.Printf("geogate version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`geogate - Geospatial resource ingestion gateway

Usage:
  geogate <command> [flags]

Commands:
  start          Consume dataset notifications in the foreground
  config check   Validate the configuration file
  version        Show version information
  help           Show this help message
`)
}

func runConfig(args []string) int {
	if len(args) < 1 || args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		fmt.Println("Usage: geogate config check [--config PATH]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	if args[0] != "check" {
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}

	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration check FAILED: %v\n", err)
		return 1
	}

	fingerprint, err := config.Fingerprint(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fingerprint error: %v\n", err)
		return 1
	}
	fmt.Printf("Configuration check PASSED (fingerprint %s)\n", fingerprint)
	return 0
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	fingerprint, err := config.Fingerprint(*configPath)
	if err != nil {
		logger.Error("Failed to fingerprint config", "path", *configPath, "error", err)
		return 1
	}
	logger.Info("geogate starting", "version", version, "config", *configPath, "fingerprint", fingerprint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		return 1
	}
	defer pool.Close()
	logger.Info("Database ready", "host", cfg.Database.Host, "name", cfg.Database.Name)

	records := repo.New(pool)
	cat := catalog.New(cfg.Catalog)
	serving := geoserver.New(cfg.Serving, cfg.Database)
	vectors := vectorstore.New(pool)
	rasters := rasterstore.New(cfg.Serving)

	publisher := publish.New(serving, records, vectors)
	retirer := retention.New(records, publisher, vectors, cfg.Retention.CycleEvery, cfg.Retention.Jitter)
	reporter := report.New(cfg.Broker)
	hub := events.NewHub(256)

	pipe := pipeline.New(cfg.Service.DefaultWorkspace, pipeline.Deps{
		Retriever: retrieval.New(cat, cfg.Service.ScratchDir),
		Vectors:   vectors,
		Rasters:   rasters,
		Publisher: publisher,
		Reporter:  reporter,
		Retirer:   retirer,
		Records:   records,
		Hub:       hub,
	})

	consumer := broker.NewQueueConsumer(cfg.Broker, pipe.Handle)
	consumer.AttachHub(hub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() {
		if err := consumer.Run(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("consumer: %w", err)
		} else {
			errCh <- nil
		}
	}()

	go retirer.Cycle(ctx)

	if cfg.API.Enabled {
		server := api.New(cfg.API, records, retirer, cat, hub, func() string {
			return consumer.State().String()
		})
		go func() {
			if err := server.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("Dashboard enabled", "listen", cfg.API.Listen)
	}

	logger.Info("geogate running", "queue", cfg.Broker.InputQueue)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", "signal", sig.String())
		consumer.Stop()
		cancel()
		<-errCh
	case err := <-errCh:
		cancel()
		if err != nil {
			logger.Error("Component failed", "error", err)
			return 1
		}
	}

	logger.Info("geogate stopped")
	return 0
}
