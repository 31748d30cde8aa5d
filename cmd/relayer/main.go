// Command relayer wires every component of the cross-chain event relayer
// and runs until SIGINT/SIGTERM, then drains in-flight work.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/polymer-relayer/relayer-core/internal/chainrpc"
	"github.com/polymer-relayer/relayer-core/internal/config"
	"github.com/polymer-relayer/relayer-core/internal/executor"
	"github.com/polymer-relayer/relayer-core/internal/listener"
	"github.com/polymer-relayer/relayer-core/internal/metrics"
	"github.com/polymer-relayer/relayer-core/internal/proofclient"
	"github.com/polymer-relayer/relayer-core/internal/queue"
	"github.com/polymer-relayer/relayer-core/internal/resolver"
	"github.com/polymer-relayer/relayer-core/internal/server"
	"github.com/polymer-relayer/relayer-core/internal/signer"
	"github.com/polymer-relayer/relayer-core/internal/store"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	configPath := flag.String("config", envOr("CONFIG_PATH", "./config/relayer.config.json"), "path to the relayer configuration file")
	flag.Parse()

	logger := log.New(log.Writer(), "[relayer] ", log.LstdFlags)

	if err := run(*configPath, logger); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}

func run(configPath string, logger *log.Logger) error {
	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logFile, err := setupLogging(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetOutput(log.Writer())

	dbDSN := cfg.Database.Path
	if v := os.Getenv("DATABASE_URL"); v != "" {
		dbDSN = v
	}
	dbClient, err := store.NewClient(dbDSN, store.WithLogger(log.New(log.Writer(), "[store] ", log.LstdFlags)))
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbClient.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := dbClient.MigrateUp(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	if os.Getenv("CLEAR_DB_ON_EXIT") == "true" {
		defer func() {
			logger.Printf("CLEAR_DB_ON_EXIT set, leaving database as-is (destructive teardown is an operator action, not an automatic one)")
		}()
	}

	jobStore := store.NewJobStore(dbClient, log.New(log.Writer(), "[jobstore] ", log.LstdFlags))
	chainStore := store.NewChainStore(dbClient, log.New(log.Writer(), "[chainstore] ", log.LstdFlags))

	m := metrics.New()

	resolverRegistry := resolver.NewRegistry()
	if err := resolverRegistry.MustResolveAll(cfg); err != nil {
		return fmt.Errorf("validate destination resolvers: %w", err)
	}

	chainRPCs := make(map[string]chainrpc.ChainRPC, len(cfg.Chains))
	executors := make(map[string]*executor.Executor, len(cfg.Chains))
	listeners := make([]*listener.Listener, 0, len(cfg.Chains))

	for _, ch := range cfg.Chains {
		rpc, err := chainrpc.Dial(ch.RPCEndpoint, ch.ChainID)
		if err != nil {
			return fmt.Errorf("dial chain %s: %w", ch.Name, err)
		}
		chainRPCs[ch.Name] = rpc

		chainSigner, err := signer.NewChainSigner(ch.PrivateKey, ch.ChainID)
		if err != nil {
			return fmt.Errorf("build signer for chain %s: %w", ch.Name, err)
		}

		maxFee, err := weiOrNil(ch.MaxFeePerGasWei)
		if err != nil {
			return fmt.Errorf("chain %s: maxFeePerGasWei: %w", ch.Name, err)
		}
		maxPriority, err := weiOrNil(ch.MaxPriorityFeePerGasWei)
		if err != nil {
			return fmt.Errorf("chain %s: maxPriorityFeePerGasWei: %w", ch.Name, err)
		}

		executors[ch.Name] = executor.New(
			ch.Name, rpc, chainSigner, ch.GasMultiplier, ch.Confirmations,
			maxFee, maxPriority,
			log.New(log.Writer(), fmt.Sprintf("[executor:%s] ", ch.Name), log.LstdFlags),
		)

		l, err := listener.New(
			ch.Name, rpc, jobStore, chainStore,
			cfg.EventMappings, cfg.Contracts, cfg.DestinationResolvers, resolverRegistry.Funcs(),
			ch.Confirmations, ch.PollInterval(), m,
			log.New(log.Writer(), fmt.Sprintf("[listener:%s] ", ch.Name), log.LstdFlags),
		)
		if err != nil {
			return fmt.Errorf("build listener for chain %s: %w", ch.Name, err)
		}
		listeners = append(listeners, l)
	}

	proofClient := proofclient.NewClient(
		cfg.ProofAPI.BaseURL, cfg.ProofAPI.APIKey, cfg.ProofAPI.Timeout(), cfg.ProofAPI.RetryAttempts,
		proofclient.WithLogger(log.New(log.Writer(), "[proofclient] ", log.LstdFlags)),
	)

	q := queue.New(jobStore, proofClient, executors, chainRPCs, m, log.New(log.Writer(), "[queue] ", log.LstdFlags))

	chainNames := make([]string, 0, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		chainNames = append(chainNames, ch.Name)
	}
	handlers := server.New(jobStore, chainStore, chainNames, m, log.New(log.Writer(), "[server] ", log.LstdFlags))

	healthAddr := envOr("HEALTH_ADDR", ":8090")
	httpServer := &http.Server{Addr: healthAddr, Handler: handlers.Mux()}

	for _, l := range listeners {
		l := l
		go func() {
			if err := l.Start(ctx); err != nil {
				logger.Printf("listener stopped: %v", err)
			}
		}()
	}

	go func() {
		if err := q.Run(ctx); err != nil {
			logger.Printf("queue stopped: %v", err)
		}
	}()

	go func() {
		logger.Printf("http api listening on %s", healthAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server error: %v", err)
		}
	}()

	logger.Printf("relayer started: %d chains, %d event mappings", len(cfg.Chains), len(cfg.EventMappings))

	<-ctx.Done()
	logger.Printf("shutdown signal received, draining")

	for _, l := range listeners {
		l.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}

	logger.Printf("relayer stopped")
	return nil
}

// setupLogging applies the LOG_LEVEL / ENABLE_FILE_LOGGING / LOG_PATH
// environment overrides to the loaded logging configuration and, when file
// logging is enabled, tees the process-wide log output into the configured
// file. The returned file, if any, is closed by the caller on shutdown.
func setupLogging(cfg *config.LoggingConfig) (*os.File, error) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("ENABLE_FILE_LOGGING"); v != "" {
		cfg.EnableFileLogging = v == "true"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		cfg.LogPath = v
	}

	if !cfg.EnableFileLogging {
		return nil, nil
	}
	path := cfg.LogPath
	if path == "" {
		path = "relayer.log"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	return f, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func weiOrNil(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return v, nil
}
