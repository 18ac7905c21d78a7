package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/mealprep/pkg/event"
	"github.com/nao1215/mealprep/pkg/metrics"
	"github.com/nao1215/mealprep/pkg/middleware"
	"go.uber.org/zap"
)

const (
	// defaultListLimit はイベント一覧のデフォルト件数。
	defaultListLimit = 50
	// maxListLimit はイベント一覧の最大件数。
	maxListLimit = 500
	// shutdownTimeout はグレースフルシャットダウンの待機上限。
	shutdownTimeout = 10 * time.Second
)

// Server は分析サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store はイベントストア。
	store *Store
	// metrics はPrometheusメトリクス。nilの場合は記録しない。
	metrics *metrics.Metrics
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewServer は新しい分析サーバーを生成する。
func NewServer(port string, store *Store, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("analytics")

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger))
	if m != nil {
		router.Use(m.Middleware())
	}

	s := &Server{
		router:  router,
		port:    port,
		store:   store,
		metrics: m,
		logger:  logger,
	}
	s.setupRoutes()

	return s
}

// Handler はルーティング済みのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("分析サービスを起動します", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("分析サービスの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("分析サービスを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// イベントの追記
	s.router.POST("/events", s.handleAppendEvent())
	// ユーザーごとのイベント一覧（クエリパラメータ: limit）
	s.router.GET("/events/user/:user_id", s.handleListEvents())
	// ユーザーごとのイベント集計
	s.router.GET("/analytics/dashboard/:user_id", s.handleDashboard())

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// handleAppendEvent はイベントの追記を処理するハンドラを返す。
// IDと発生日時が省略された場合はサービス側で採番する。
func (s *Server) handleAppendEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev event.Event
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの形式が不正です"})
			return
		}
		if ev.UserID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_idは必須です"})
			return
		}
		if !ev.EventType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "未知のイベント種別です"})
			return
		}
		if len(ev.Data) == 0 || string(ev.Data) == "null" {
			ev.Data = json.RawMessage("{}")
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now().UTC()
		}

		if err := s.store.Append(c.Request.Context(), &ev); err != nil {
			if errors.Is(err, ErrDuplicateEvent) {
				c.JSON(http.StatusConflict, gin.H{"error": "イベントは既に記録されています"})
				return
			}
			s.logger.Error("イベントの追記に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの追記に失敗しました"})
			return
		}

		c.JSON(http.StatusCreated, ev)
	}
}

// handleListEvents はユーザーのイベント一覧を返すハンドラを返す。
func (s *Server) handleListEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultListLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limitは正の整数で指定してください"})
				return
			}
			limit = min(n, maxListLimit)
		}

		events, err := s.store.ListByUser(c.Request.Context(), c.Param("user_id"), limit)
		if err != nil {
			s.logger.Error("イベントの取得に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, events)
	}
}

// handleDashboard はユーザーのイベント集計を返すハンドラを返す。
func (s *Server) handleDashboard() gin.HandlerFunc {
	return func(c *gin.Context) {
		dashboard, err := s.store.Dashboard(c.Request.Context(), c.Param("user_id"))
		if err != nil {
			s.logger.Error("イベントの集計に失敗", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの集計に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, dashboard)
	}
}

// handleHealth はデータベースへの疎通を含めたヘルスチェックのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "service": "analytics"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "analytics"})
	}
}
