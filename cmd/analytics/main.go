// 分析サービスのエントリポイント。
// Gatewayから送信されるユーザー操作のイベントを記録し、集計を提供する。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/mealprep/internal/analytics"
	"github.com/nao1215/mealprep/pkg/logger"
	"github.com/nao1215/mealprep/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "分析サービスが異常終了しました: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := analytics.LoadConfig()
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

	store, err := analytics.OpenStore(ctx, cfg.DatabasePath, log)
	if err != nil {
		return err
	}
	defer store.Close()

	server := analytics.NewServer(cfg.Port, store, metrics.New("analytics"), log)
	return server.Run(ctx)
}
