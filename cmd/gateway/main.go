// API Gatewayサービスのエントリポイント。
// ユーザー認証、トークン発行、下流サービスへのリクエスト振り分けを担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/mealprep/internal/gateway"
	"github.com/nao1215/mealprep/pkg/cache"
	"github.com/nao1215/mealprep/pkg/logger"
	"github.com/nao1215/mealprep/pkg/metrics"
	"github.com/nao1215/mealprep/pkg/orchestrator"
	"github.com/nao1215/mealprep/pkg/token"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Gatewayサービスが異常終了しました: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := gateway.LoadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New("gateway")

	db, err := gateway.OpenDB(ctx, cfg.DatabaseURL, cfg.Dialect(), log)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := newCache(ctx, cfg.RedisURL, log)
	if err != nil {
		return err
	}

	tokens, err := token.New(token.Config{
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTTL(),
		RefreshTTL: cfg.RefreshTTL(),
	})
	if err != nil {
		return err
	}

	registry, err := orchestrator.NewRegistry(cfg.Services())
	if err != nil {
		return err
	}
	orch := orchestrator.New(registry,
		orchestrator.WithTimeout(cfg.UpstreamTimeout),
		orchestrator.WithHealthTimeout(cfg.HealthTimeout),
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(m),
	)

	server, err := gateway.New(cfg, gateway.Deps{
		Users:        gateway.NewUserStore(db, cfg.Dialect()),
		Cache:        store,
		Tokens:       tokens,
		Orchestrator: orch,
		Metrics:      m,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	return server.Run(ctx)
}

// newCache はREDIS_URLが設定されていればRedis、未設定ならプロセス内キャッシュを返す。
func newCache(ctx context.Context, redisURL string, log *zap.Logger) (cache.Store, error) {
	if redisURL == "" {
		log.Warn("REDIS_URLが未設定のためプロセス内キャッシュを使用します")
		return cache.NewMemory(), nil
	}

	client, err := cache.Connect(redisURL)
	if err != nil {
		return nil, err
	}
	store := cache.NewRedis(client, "mealprep:")
	if err := store.Ping(ctx); err != nil {
		// 起動時にRedisが停止していても起動は継続し、/healthでunhealthyを報告する
		log.Warn("Redisへの疎通確認に失敗", zap.Error(err))
	}
	return store, nil
}
