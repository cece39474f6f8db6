package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wmag-systems/wmag-kernel/internal/adapters"
	"github.com/wmag-systems/wmag-kernel/internal/api"
	"github.com/wmag-systems/wmag-kernel/internal/audit"
	"github.com/wmag-systems/wmag-kernel/internal/executor"
	"github.com/wmag-systems/wmag-kernel/internal/hashchain"
	"github.com/wmag-systems/wmag-kernel/internal/infra"
	"github.com/wmag-systems/wmag-kernel/internal/infra/auth"
	"github.com/wmag-systems/wmag-kernel/internal/metrics"
	"github.com/wmag-systems/wmag-kernel/internal/pipeline"
	"github.com/wmag-systems/wmag-kernel/internal/ratelimit"
	"github.com/wmag-systems/wmag-kernel/internal/registry"
	"github.com/wmag-systems/wmag-kernel/internal/store"
	"github.com/wmag-systems/wmag-kernel/internal/store/memstore"
	"github.com/wmag-systems/wmag-kernel/internal/store/sqlstore"
	"github.com/wmag-systems/wmag-kernel/internal/streamer"
	"github.com/wmag-systems/wmag-kernel/internal/worker"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auditKeys, err := cfg.LoadAuditKeys()
	if err != nil {
		logger.Fatal("load audit keys", zap.Error(err))
	}
	keyRing, err := hashchain.NewKeyRing(auditKeys)
	if err != nil {
		logger.Fatal("build key ring", zap.Error(err))
	}
	chain := hashchain.New(keyRing)

	reg := registry.NewProvider(cfg.Registry.Path, cfg.Registry.LayersDir)
	if err := reg.LoadBase(); err != nil {
		logger.Fatal("load registry", zap.Error(err))
	}

	var st store.Store
	if cfg.Database.UsePostgres {
		sst, err := sqlstore.New(appCtx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns, chain, logger)
		if err != nil {
			logger.Fatal("open sqlstore", zap.Error(err))
		}
		st = sst
	} else {
		st = memstore.New(chain)
	}
	defer st.Close(context.Background())

	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("parse auth public key", zap.Error(err))
	}
	validator := auth.NewValidator(pubKey)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	limiter := ratelimit.New(rdb, time.Duration(cfg.RateLimit.WindowS)*time.Second, map[ratelimit.Scope]int64{
		ratelimit.ScopeTenant: int64(cfg.Tenant.MaxConcurrency) * 1000,
	})

	auditLog := audit.New(st, logger)
	auditLog.Start()
	defer auditLog.Stop()

	stream := streamer.New(st)

	exec := executor.New(st, adapters.NewStubToolAdapter(), limiter, logger)
	pipe := pipeline.New(st, reg, adapters.StubContextProvider{}, adapters.StubPlanner{}, exec, stream, pipeline.Config{
		ApprovalTimeout: time.Duration(cfg.Approval.TimeoutS) * time.Second,
	}, logger)

	pool := worker.New(st, pipe, worker.Config{
		TenantMaxConcurrency: cfg.Tenant.MaxConcurrency,
	}, logger)
	pool.Start(appCtx)

	promReg := prometheus.NewRegistry()
	_ = metrics.New(promReg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		logger.Info("metrics server listening", zap.String("addr", ":9090"))
		if err := http.ListenAndServe(":9090", mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	srv := api.NewServer(st, pipe, stream, reg, validator, limiter, auditLog, logger)
	httpSrv := &http.Server{
		Addr:         addr(cfg),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("kernel listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("kernel stopping")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("kernel exited properly")
}

func addr(cfg *infra.Config) string {
	host := cfg.Server.Host
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return host + ":" + strconv.Itoa(port)
}
