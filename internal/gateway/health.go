package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// handleHealth はGatewayと依存コンポーネントの状態を返すハンドラを返す。
// データベースとキャッシュと下流サービスの確認は並行に行い、それぞれに期限を設ける。
// データベースまたはキャッシュが停止している場合のみ503を返し、
// 下流サービスの停止はdegradedとして200を返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			resp = HealthResponse{Timestamp: time.Now().UTC()}
			wg   sync.WaitGroup
		)
		wg.Add(3)
		go func() {
			defer wg.Done()
			resp.Database = s.checkWithTimeout(c.Request.Context(), s.users.Ping)
		}()
		go func() {
			defer wg.Done()
			resp.Cache = s.checkWithTimeout(c.Request.Context(), s.cache.Ping)
		}()
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.HealthTimeout)
			defer cancel()
			resp.Services = s.orch.HealthCheck(ctx)
		}()
		wg.Wait()

		code := http.StatusOK
		switch {
		case !resp.Database || !resp.Cache:
			resp.Status = statusUnhealthy
			code = http.StatusServiceUnavailable
			s.logger.Warn("Gatewayの依存コンポーネントが停止しています",
				zap.Bool("database", resp.Database),
				zap.Bool("cache", resp.Cache),
			)
		case !allHealthy(resp.Services):
			resp.Status = statusDegraded
		default:
			resp.Status = statusHealthy
		}
		c.JSON(code, resp)
	}
}

// checkWithTimeout はHealthTimeoutを期限としてpingを実行し、成功したかどうかを返す。
func (s *Server) checkWithTimeout(parent context.Context, ping func(context.Context) error) bool {
	ctx, cancel := context.WithTimeout(parent, s.cfg.HealthTimeout)
	defer cancel()
	return ping(ctx) == nil
}

// handleMetrics はPrometheusのメトリクスを返すハンドラを返す。
func (s *Server) handleMetrics() gin.HandlerFunc {
	if s.metrics == nil {
		return func(c *gin.Context) {
			c.Status(http.StatusNotFound)
		}
	}
	return gin.WrapH(s.metrics.Handler())
}

// handleWebSocket はWebSocketのエンドポイント。
// 認証の許可リストに含まれるが、接続の中継は行わない。
func (s *Server) handleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "WebSocketは未対応です"})
	}
}

func allHealthy(services map[string]bool) bool {
	for _, ok := range services {
		if !ok {
			return false
		}
	}
	return true
}
