package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chronicle-labs/chronicle/internal/admission"
	"github.com/chronicle-labs/chronicle/internal/api"
	"github.com/chronicle-labs/chronicle/internal/auth"
	"github.com/chronicle-labs/chronicle/internal/clock"
	"github.com/chronicle-labs/chronicle/internal/config"
	"github.com/chronicle-labs/chronicle/internal/facilitator"
	"github.com/chronicle-labs/chronicle/internal/inference"
	"github.com/chronicle-labs/chronicle/internal/ledger"
	"github.com/chronicle-labs/chronicle/internal/logging"
	"github.com/chronicle-labs/chronicle/internal/metrics"
	"github.com/chronicle-labs/chronicle/internal/payclient"
	"github.com/chronicle-labs/chronicle/internal/ratelimit"
	"github.com/chronicle-labs/chronicle/internal/storage"
	"github.com/chronicle-labs/chronicle/internal/wallet"
	"github.com/chronicle-labs/chronicle/internal/x402"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	log, closeLog, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srvApp, err := newApp(cfg, rdb, reg, log)
	if err != nil {
		log.Fatal("server init failed", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srvApp.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Goroutines ────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ledger.RunRecorder(gctx, rdb, srvApp.store, 5*time.Second, log)
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("network", cfg.Payment.NetworkID()),
			zap.String("pay_to", cfg.Payment.PayTo),
			zap.String("facilitator", cfg.Facilitator.Mode),
			zap.String("policy", string(cfg.Payment.Policy)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
	}
	if err := rdb.Close(); err != nil {
		log.Warn("redis close", zap.Error(err))
	}
	log.Info("shutdown complete")
}

type app struct {
	router *gin.Engine
	store  *ledger.Store
}

// newApp wires every collaborator behind the HTTP router.
func newApp(cfg *config.Config, rdb *redis.Client, reg *prometheus.Registry, log *zap.Logger) (*app, error) {
	clk := clock.System{}
	m := metrics.New(reg)

	var limiter ratelimit.Limiter
	rules := cfg.RateLimit.Rules()
	if cfg.RateLimit.Store == "memory" {
		limiter = ratelimit.NewMemory(rules, clk)
	} else {
		limiter = ratelimit.NewRedis(rdb, rules, clk)
	}

	var fac admission.Facilitator
	if cfg.Facilitator.Mode == "local" {
		log.Warn("local facilitator: payments are verified but never settled")
		fac = facilitator.NewLocal(x402.DefaultNetworks(), rdb, clk, log)
	} else {
		fac = facilitator.NewHTTP(cfg.Facilitator.URL, cfg.Facilitator.APIKey, cfg.Facilitator.Timeout, log)
	}

	unserved := ledger.NewUnserved(rdb, clk, log)
	ctl, err := admission.NewController(admission.Config{
		Network:            cfg.Payment.NetworkID(),
		PayTo:              cfg.Payment.PayTo,
		Asset:              cfg.Payment.AssetAddress(),
		AssetName:          cfg.Payment.AssetName,
		AssetVersion:       cfg.Payment.AssetVersion,
		Decimals:           cfg.Payment.Decimals,
		MaxTimeout:         cfg.Payment.MaxTimeout,
		FacilitatorTimeout: cfg.Facilitator.Timeout,
		Policy:             cfg.Payment.Policy,
		Clock:              clk,
		Metrics:            m,
	}, fac, limiter, unserved, log)
	if err != nil {
		return nil, err
	}

	// ── Collaborators ─────────────────────────────────────────────────────────
	store := storage.NewClient(cfg.Storage.APIURL, cfg.Storage.GatewayURL, cfg.Storage.APIKey, log)
	if cfg.Storage.PayerKey != "" {
		signer, err := wallet.FromHex(cfg.Storage.PayerKey)
		if err != nil {
			return nil, fmt.Errorf("storage payer key: %w", err)
		}
		store.WithPayer(&payclient.Client{Signer: signer, Clock: clk, Log: log})
		log.Info("storage uploads paid upstream", zap.String("payer", signer.Address()))
	}
	ai := inference.NewClient(cfg.Inference.Endpoints, cfg.Inference.APIKey, cfg.Inference.Timeout, log)
	if cfg.Inference.APIKey == "" {
		log.Warn("CHUTES_API_KEY not set: AI routes will answer 503 after payment")
	}
	records := ledger.NewStore(rdb)

	h := api.NewHandler(api.Deps{
		Pricing:      cfg.Pricing.Engine(),
		Flat:         cfg.Pricing.Flat,
		Admission:    ctl,
		Storage:      store,
		Inference:    ai,
		Recorder:     ledger.NewQueue(rdb, clk),
		Records:      records,
		Unserved:     unserved,
		Metrics:      m,
		Decimals:     cfg.Payment.Decimals,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}, log)

	// ── HTTP router ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery(), api.RequestLogger(log), api.CORS(cfg.Server.CORSOrigins), m.Middleware())
	r.GET("/healthz", func(c *gin.Context) {
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "redis unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", m.Handler())

	h.RegisterPublic(r.Group("/api", api.Throttle(cfg.Server.PublicRPS, cfg.Server.PublicBurst)))
	h.Register(r.Group("/api", auth.Middleware(cfg.Auth.Options())))

	return &app{router: r, store: records}, nil
}
