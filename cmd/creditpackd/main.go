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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/inferonet/creditpack/internal/config"
	"github.com/inferonet/creditpack/internal/httpapi"
	"github.com/inferonet/creditpack/internal/ledger"
	"github.com/inferonet/creditpack/internal/purchase"
	"github.com/inferonet/creditpack/internal/wallet"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Wallet engine client ──────────────────────────────────────────────────
	engine := wallet.NewClient(cfg.Wallet.APIURL, cfg.Wallet.APIKey)
	if err := engine.WaitReady(ctx, 30*time.Second); err != nil {
		log.Fatal("wallet engine unreachable", zap.Error(err))
	}

	// ── Ledger (warm from cache, then refresh from the engine) ────────────────
	packs := ledger.New(engine, rdb, ledger.FirstInOrder, log)
	if err := packs.Load(ctx); err != nil {
		log.Warn("ledger warm load failed", zap.Error(err))
	}
	if err := packs.Refresh(ctx); err != nil {
		log.Warn("initial ledger refresh failed", zap.Error(err))
	}

	// ── Purchase service ──────────────────────────────────────────────────────
	svc := purchase.NewService(
		purchase.NewEstimator(engine),
		purchase.NewCoordinator(engine, cfg.FundingOverhead(), log),
		purchase.NewRefundManager(engine, cfg.RefundFeeBuffer(), log),
		purchase.NewPoller(engine, time.Duration(cfg.Polling.IntervalSec)*time.Second, cfg.Polling.MaxAttempts, log),
		engine,
		engine,
		packs,
		purchase.NewAttemptStore(rdb),
		cfg.Wallet.RequesterID,
		log,
	)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api := r.Group("/api")
	httpapi.NewHandler(ctx, svc, packs, log).Register(api)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel() // stops detached purchase flows and confirmation polls

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	svc.Wait()
	log.Info("shutdown complete")
}
