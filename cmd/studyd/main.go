// Command studyd runs the multi-party study coordinator.
//
// The coordinator hosts the study lifecycle for a group of
// institutions: forming studies, folding key shares, committing
// encrypted datasets, and driving the approval/computation/decryption
// workflow, with every transition recorded in a hash-chain audit log.
//
// # Configuration File
//
// Create a YAML file with coordinator settings:
//
//	http_addr: ":8080"
//	metrics_addr: ":9090"
//	storage: postgres
//	postgres:
//	  host: localhost
//	  port: 5432
//	  user: mpstudy
//	  password: secret
//	  database: mpstudy
//	compute_url: "http://compute.internal:9000"
//
// # Usage
//
//	go run ./cmd/studyd --config=studyd.yaml
//	go run ./cmd/studyd --addr=:8080 --storage=memory
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/securecollab/mpstudy/api/httpserver"
	"github.com/securecollab/mpstudy/cmd/common"
	mpstudy "github.com/securecollab/mpstudy/common"
	"github.com/securecollab/mpstudy/protocol"
	"github.com/securecollab/mpstudy/server"
	"github.com/securecollab/mpstudy/services"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		addr        = flag.String("addr", "", "HTTP listen address")
		metricsAddr = flag.String("metrics-addr", "", "Metrics listen address (empty disables)")
		storage     = flag.String("storage", "", "Storage backend: memory or postgres")
		computeURL  = flag.String("compute-url", "", "External compute service URL (empty runs the in-process engine)")
		logJSON     = flag.Bool("log-json", false, "Log in JSON format")
		logDebug    = flag.Bool("log-debug", false, "Enable debug logging")
		enablePprof = flag.Bool("pprof", false, "Enable pprof debugging API")
	)
	flag.Parse()

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, *addr, *metricsAddr, *storage, *computeURL, *logJSON, *logDebug, *enablePprof)

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfiguration(configPath string) (*common.Config, error) {
	if configPath != "" {
		return common.LoadConfig(configPath)
	}
	return common.DefaultConfig(), nil
}

func applyFlagOverrides(cfg *common.Config, addr, metricsAddr, storage, computeURL string, logJSON, logDebug, enablePprof bool) {
	if addr != "" {
		cfg.HTTPAddr = addr
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if storage != "" {
		cfg.Storage = storage
	}
	if computeURL != "" {
		cfg.ComputeURL = computeURL
	}
	if logJSON {
		cfg.LogJSON = true
	}
	if logDebug {
		cfg.LogDebug = true
	}
	if enablePprof {
		cfg.EnablePprof = true
	}
}

func run(cfg *common.Config) error {
	log := mpstudy.SetupLogger(&mpstudy.LoggingOpts{
		JSON:    cfg.LogJSON,
		Debug:   cfg.LogDebug,
		Service: "studyd",
	})

	var store services.Store
	switch cfg.Storage {
	case common.StoragePostgres:
		pg, err := services.NewPostgresStore(&cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pg.Close()
		store = pg
		log.Info("using postgres storage", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	default:
		store = services.NewMemoryStore()
		log.Warn("using in-memory storage, state is lost on restart")
	}

	var (
		engine     protocol.ComputationEngine
		aggregator protocol.KeyAggregator
		combiner   protocol.ShareCombiner
	)
	if cfg.ComputeURL != "" {
		client := services.NewComputeClient(cfg.ComputeURL)
		engine, aggregator, combiner = client, client, client
		log.Info("using external compute service", "url", cfg.ComputeURL)
	} else {
		local := services.LocalCrypto{}
		engine, aggregator, combiner = local, local, local
		log.Warn("using in-process compute engine, results are not cryptographically protected")
	}

	orch, err := services.NewOrchestrator(&services.OrchestratorConfig{
		Store:          store,
		Engine:         engine,
		Aggregator:     aggregator,
		Combiner:       combiner,
		Log:            log,
		ComputeTimeout: cfg.ComputeTimeout,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.HTTPAddr,
		MetricsAddr:              cfg.MetricsAddr,
		EnablePprof:              cfg.EnablePprof,
		AllowedOrigins:           cfg.AllowedOrigins,
		Log:                      log,
		DrainDuration:            cfg.DrainDuration,
		GracefulShutdownDuration: cfg.GracefulShutdownDuration,
		ReadTimeout:              cfg.ReadTimeout,
		WriteTimeout:             cfg.WriteTimeout,
	}, orch, log)
	if err != nil {
		return err
	}

	srv.RunInBackground()
	log.Info("study coordinator started", "addr", cfg.HTTPAddr, "version", mpstudy.Version)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	srv.Shutdown()
	return nil
}
