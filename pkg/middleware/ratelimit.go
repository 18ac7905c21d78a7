package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// rateLimitWindow はレート制限の固定ウィンドウ幅。
const rateLimitWindow = time.Minute

// rateLimitExemptPaths はレート制限の対象外とするパス。
// 監視系のアクセスでクライアントの枠を消費しない。
var rateLimitExemptPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// WindowCounter は固定ウィンドウのカウンターを提供するインターフェース。
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimit はクライアントIPごとに1分あたりのリクエスト数を制限するGinミドルウェアを返す。
// 上限を超えた場合は429を返す。カウンターが利用できない場合は制限せずに通過させる。
// limitが0以下の場合と/health, /metricsへのアクセスは制限しない。
func RateLimit(counter WindowCounter, limit int, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ratelimit")

	return func(c *gin.Context) {
		if limit <= 0 || counter == nil {
			c.Next()
			return
		}
		if _, exempt := rateLimitExemptPaths[c.Request.URL.Path]; exempt {
			c.Next()
			return
		}

		// ウィンドウの開始時刻をキーに含めることで固定ウィンドウにする
		window := time.Now().Truncate(rateLimitWindow).Unix()
		key := "ratelimit:" + c.ClientIP() + ":" + strconv.FormatInt(window, 10)

		count, err := counter.IncrWindow(c.Request.Context(), key, rateLimitWindow)
		if err != nil {
			logger.Warn("レート制限カウンターの更新に失敗したため制限をスキップ", zap.Error(err))
			c.Next()
			return
		}

		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(limit) {
			c.Header("Retry-After", strconv.Itoa(int(rateLimitWindow.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
