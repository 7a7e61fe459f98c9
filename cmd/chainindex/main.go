package main

import (
	"context"
	"flag"
	"os"

	"github.com/dd0wney/cluso-chainindex/pkg/api"
	"github.com/dd0wney/cluso-chainindex/pkg/config"
	"github.com/dd0wney/cluso-chainindex/pkg/engine"
	"github.com/dd0wney/cluso-chainindex/pkg/ingest"
	"github.com/dd0wney/cluso-chainindex/pkg/logging"
	"github.com/dd0wney/cluso-chainindex/pkg/metrics"
	"github.com/dd0wney/cluso-chainindex/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dataDir := flag.String("data", "", "data directory (overrides config)")
	nodeURL := flag.String("node", "", "execution node RPC URL (overrides config)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			os.Stderr.WriteString(err.Error() + "\n")
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *nodeURL != "" {
		cfg.Node.URL = *nodeURL
	}

	logger := logging.New(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	registry := metrics.NewRegistry()

	eng, err := engine.Open(cfg, logger, registry)
	if err != nil {
		logger.Error("failed to open engine", logging.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Node.URL != "" {
		ing, err := ingest.Dial(ctx, eng, cfg.Node, logger, registry)
		if err != nil {
			logger.Error("failed to connect to node", logging.Error(err))
			eng.Close()
			os.Exit(1)
		}
		go func() {
			if err := ing.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("ingestion stopped", logging.Error(err))
			}
		}()
	} else {
		logger.Warn("no node url configured, serving existing data only")
	}

	handler := api.NewServer(eng, cfg.HTTP, logger, registry).Handler()
	srv := server.NewGracefulServer(cfg.HTTP.Listen, handler, logger)
	srv.OnShutdown = func() {
		cancel()
		if err := eng.Close(); err != nil {
			logger.Error("engine close failed", logging.Error(err))
		}
	}

	if err := srv.Start(); err != nil {
		logger.Error("server failed", logging.Error(err))
		os.Exit(1)
	}
}
