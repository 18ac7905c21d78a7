package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/mealprep/pkg/cache"
	"github.com/nao1215/mealprep/pkg/event"
	"github.com/nao1215/mealprep/pkg/middleware"
	"github.com/nao1215/mealprep/pkg/orchestrator"
	"go.uber.org/zap"
)

// recommendationsKeyPrefix は献立推薦のキャッシュキーの接頭辞。
const recommendationsKeyPrefix = "recommendations:"

// handleAnalyzeNutrition は栄養分析サービスへ分析を依頼するハンドラを返す。
func (s *Server) handleAnalyzeNutrition() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req NutritionAnalysisRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの形式が不正です"})
			return
		}
		// リクエストボディのuser_idは信用せず、認証済みのユーザーで上書きする
		userID := middleware.GetUserID(c)
		req.UserID = userID
		if req.ServingSize <= 0 {
			req.ServingSize = 1
		}

		ctx := c.Request.Context()
		analysis, err := orchestrator.CallInto[NutritionAnalysis](ctx, s.orch, orchestrator.ServiceNutrition, "/nutrition/analyze", req)
		if err != nil {
			s.writeUpstreamError(c, err)
			return
		}

		s.emit(ctx, userID, event.TypeNutritionAnalyzed, event.NutritionAnalyzedData{
			Ingredients: len(req.Ingredients),
			Servings:    int(req.ServingSize),
			Calories:    analysis.BasicNutrition.Calories,
		})
		c.JSON(http.StatusOK, analysis)
	}
}

// handleRecommendations は呼び出し元ユーザーの献立推薦を返すハンドラを返す。
// 推薦結果はキャッシュし、同一ユーザーの同時リクエストは1回の呼び出しにまとめる。
func (s *Server) handleRecommendations() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		path := "/nutrition/recommendations/" + url.PathEscape(userID)

		recs, hit, err := cache.GetOrLoad[*MealRecommendations](c.Request.Context(), s.recommendations, recommendationsKeyPrefix+userID,
			func(ctx context.Context) (*MealRecommendations, error) {
				return orchestrator.CallInto[MealRecommendations](ctx, s.orch, orchestrator.ServiceNutrition, path, nil)
			})
		if err != nil {
			s.writeUpstreamError(c, err)
			return
		}

		if hit {
			c.Header("X-Cache", "HIT")
		} else {
			c.Header("X-Cache", "MISS")
		}
		c.JSON(http.StatusOK, recs)
	}
}

// handleImportRecipes はレシピ取り込みサービスへ取り込みを依頼するハンドラを返す。
func (s *Server) handleImportRecipes() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ImportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの形式が不正です"})
			return
		}

		ctx := c.Request.Context()
		resp, err := orchestrator.CallInto[ImportResponse](ctx, s.orch, orchestrator.ServiceRecipeImport, "/api/recipes/import", req)
		if err != nil {
			s.writeUpstreamError(c, err)
			return
		}

		s.emit(ctx, middleware.GetUserID(c), event.TypeRecipeImportRequested, event.RecipeImportRequestedData{
			BatchID: resp.BatchID,
			Sources: 1,
		})
		c.JSON(http.StatusAccepted, resp)
	}
}

// handleImportStatus は取り込みバッチの状態をそのまま返すハンドラを返す。
// レスポンスの形式は取り込みサービスに委ね、JSONとして妥当であることのみ確認する。
func (s *Server) handleImportStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := "/api/recipes/import/" + url.PathEscape(c.Param("batch_id")) + "/status"
		raw, err := s.orch.Call(c.Request.Context(), orchestrator.ServiceRecipeImport, path, nil)
		if err != nil {
			s.writeUpstreamError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
	}
}

// handleDashboard は呼び出し元ユーザーの分析ダッシュボードを返すハンドラを返す。
func (s *Server) handleDashboard() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := "/analytics/dashboard/" + url.PathEscape(middleware.GetUserID(c))
		dashboard, err := orchestrator.CallInto[event.Dashboard](c.Request.Context(), s.orch, orchestrator.ServiceAnalytics, path, nil)
		if err != nil {
			s.writeUpstreamError(c, err)
			return
		}
		c.JSON(http.StatusOK, dashboard)
	}
}

// handleAdminServices は登録済みの下流サービスとその状態を返すハンドラを返す。
func (s *Server) handleAdminServices() gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshot := s.orch.Registry().Snapshot()
		health := s.orch.HealthCheck(c.Request.Context())
		breakers := s.orch.BreakerStates()

		services := make([]ServiceInfo, 0, len(snapshot))
		for name, base := range snapshot {
			services = append(services, ServiceInfo{
				Name:    name,
				URL:     base,
				Healthy: health[name],
				Breaker: breakers[name],
			})
		}
		sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })

		c.JSON(http.StatusOK, gin.H{"services": services})
	}
}

// writeUpstreamError は下流サービスのエラーをHTTPステータスに変換して返す。
// 下流のレスポンスボディや内部のURLはクライアントに返さない。
func (s *Server) writeUpstreamError(c *gin.Context, err error) {
	var upstreamErr *orchestrator.UpstreamError
	switch {
	case errors.Is(err, orchestrator.ErrUnknownService):
		s.logger.Error("未登録の下流サービスを呼び出しました", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
	case errors.As(err, &upstreamErr) && (upstreamErr.IsStatus() || errors.Is(err, orchestrator.ErrDecode)):
		c.JSON(http.StatusBadGateway, gin.H{"error": "下流サービスが不正な応答を返しました"})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "下流サービスが利用できません"})
	}
}
