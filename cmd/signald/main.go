package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"marketsignal/call"
	"marketsignal/config"
	"marketsignal/escrow"
	"marketsignal/gateway"
	"marketsignal/notify"
	"marketsignal/observability/logging"
	"marketsignal/registry"
	"marketsignal/storage"
	"marketsignal/wallet"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "signald.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup("signald", cfg.Environment, logging.Options{
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	db, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := storage.AutoMigrate(db); err != nil {
		log.Fatalf("migrate schema: %v", err)
	}
	store := storage.NewGormStore(db)
	ledger := wallet.NewGormLedger(db)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := openRegistry(runCtx, cfg.Registry)
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}

	verifier := gateway.NewCachingVerifier(gateway.NewJWTVerifier(gateway.VerifierConfig{
		HMACSecret: cfg.Auth.JWTSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkewDuration(),
	}), cfg.Auth.TokenCacheTTLDuration())

	mailer := notify.NewRetryingMailer(
		notify.NewHTTPMailer(cfg.Notify.EmailURL, cfg.Notify.Secret),
		cfg.Notify.MaxAttempts,
	)
	releases := notify.NewReleaseNotifier(mailer)

	pushes := notify.NewQueue(
		notify.WithQueueCapacity(cfg.Notify.QueueCapacity),
		notify.WithQueueTTL(cfg.Notify.QueueTTLDuration()),
	)
	if cfg.Notify.PushURL != "" {
		worker := notify.NewWorker(pushes, notify.NewHTTPPushSender(cfg.Notify.PushURL, cfg.Notify.Secret), logger)
		go worker.Run(runCtx)
	}

	gw := gateway.New(gateway.Config{
		RequireAuth: cfg.Auth.Required,
		RegistryTTL: cfg.Registry.TTLDuration(),
	}, reg, verifier, store, pushes, logger)
	calls := call.NewEngine(reg, store, gw, logger)
	esc := escrow.NewEngine(store, ledger, releases, gw, logger)
	gw.SetEngines(calls, esc)

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Handle("/ws", gw)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("signaling service listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-runCtx.Done()
	logger.Info("shutting down signaling service")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
	if closer, ok := reg.(*registry.LevelDBRegistry); ok {
		_ = closer.Close()
	}
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func openRegistry(ctx context.Context, cfg config.RegistryConfig) (registry.Registry, error) {
	switch cfg.Backend {
	case "leveldb":
		return registry.NewLevelDBRegistry(cfg.Path)
	case "memory":
		mem := registry.NewMemoryRegistry()
		go mem.Run(ctx)
		return mem, nil
	default:
		return nil, fmt.Errorf("unsupported registry backend %q", cfg.Backend)
	}
}
