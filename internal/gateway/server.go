package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/mealprep/pkg/cache"
	"github.com/nao1215/mealprep/pkg/metrics"
	"github.com/nao1215/mealprep/pkg/middleware"
	"github.com/nao1215/mealprep/pkg/orchestrator"
	"github.com/nao1215/mealprep/pkg/token"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// shutdownTimeout はグレースフルシャットダウンの待機上限。
const shutdownTimeout = 10 * time.Second

// defaultHealthTimeout はヘルスチェック全体の待機上限のデフォルト値。
const defaultHealthTimeout = 3 * time.Second

// Deps はGatewayサーバーが依存するコンポーネント。
// すべてmainで生成して注入する。
type Deps struct {
	// Users はユーザーの永続化を担う。
	Users *UserStore
	// Cache は推薦結果のキャッシュとレート制限カウンター。
	Cache cache.Store
	// Tokens は認証トークンの発行と検証を行う。
	Tokens *token.Service
	// Orchestrator は下流サービスの呼び出しを担う。
	Orchestrator *orchestrator.Orchestrator
	// Metrics はPrometheusメトリクス。nilの場合は記録しない。
	Metrics *metrics.Metrics
	// Logger は構造化ロガー。nilの場合は出力しない。
	Logger *zap.Logger
}

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はGatewayの設定。
	cfg *Config
	// users はユーザーストア。
	users *UserStore
	// cache は推薦結果のキャッシュ。
	cache cache.Store
	// recommendations は推薦結果のキャッシュアサイドとリクエスト集約を行う。
	recommendations *cache.Group
	// tokens はトークンサービス。
	tokens *token.Service
	// orch は下流サービスのオーケストレーター。
	orch *orchestrator.Orchestrator
	// metrics はPrometheusメトリクス。
	metrics *metrics.Metrics
	// logger は構造化ロガー。
	logger *zap.Logger
	// events は送信中の分析イベントを追跡する。
	events sync.WaitGroup
	// comparePassword はパスワードとハッシュを照合する。
	comparePassword func(hash, password []byte) error
}

// New は新しいGatewayサーバーを生成する。
func New(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: 設定がありません", ErrConfig)
	}
	if deps.Users == nil || deps.Cache == nil || deps.Tokens == nil || deps.Orchestrator == nil {
		return nil, fmt.Errorf("%w: 必須の依存コンポーネントが不足しています", ErrConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := *cfg
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = defaultHealthTimeout
	}
	cfg = &c

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:  gin.New(),
		cfg:     cfg,
		users:   deps.Users,
		cache:   deps.Cache,
		tokens:  deps.Tokens,
		orch:    deps.Orchestrator,
		metrics: deps.Metrics,
		logger:  logger.Named("gateway"),

		comparePassword: bcrypt.CompareHashAndPassword,
	}
	s.recommendations = cache.NewGroup(deps.Cache, cfg.RecommendationCacheTTL, deps.Metrics.ObserveCacheLookup)
	s.setupRoutes()

	return s, nil
}

// Handler はルーティング済みのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
// シャットダウン時は送信中の分析イベントの完了も待つ。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Gatewayサービスを起動します", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("Gatewayサービスの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Gatewayサービスを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("Gatewayサービスの停止に失敗: %w", err)
	}
	s.WaitEvents()
	return nil
}

// setupRoutes はミドルウェアとAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logger(s.logger))
	if s.metrics != nil {
		s.router.Use(s.metrics.Middleware())
	}
	s.router.Use(middleware.CORS(s.cfg.CORSOrigins))
	s.router.Use(middleware.RateLimit(s.cache, s.cfg.RateLimitPerMinute, s.logger))
	s.router.Use(middleware.Auth(s.tokens, middleware.DefaultAllowlist(), s.logger, middleware.WithAuthMetrics(s.metrics)))

	// 公開エンドポイント
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", s.handleMetrics())
	s.router.GET("/ws", s.handleWebSocket())

	// 認証エンドポイント（許可リストにより認証不要）
	auth := s.router.Group("/api/auth")
	{
		auth.POST("/register", s.handleRegister())
		auth.POST("/login", s.handleLogin())
		auth.POST("/refresh", s.handleRefresh())
	}

	// 認証必須のAPIエンドポイント
	api := s.router.Group("/api")
	{
		api.GET("/users/me", s.handleGetCurrentUser())

		// 栄養分析
		api.POST("/nutrition/analyze", s.handleAnalyzeNutrition())
		api.GET("/nutrition/recommendations", s.handleRecommendations())

		// レシピ取り込み
		api.POST("/recipes/import", s.handleImportRecipes())
		api.GET("/recipes/import/:batch_id/status", s.handleImportStatus())

		// 分析ダッシュボード
		api.GET("/analytics/dashboard", s.handleDashboard())

		// 管理者向け
		api.GET("/admin/services", middleware.RequireRole("admin"), s.handleAdminServices())
	}
}
