package gateway

import "time"

// RegisterRequest はユーザー登録APIのリクエストボディ。
type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=50"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8,max=72"`
}

// LoginRequest はログインAPIのリクエストボディ。
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RefreshRequest はトークン再発行APIのリクエストボディ。
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// UserSummary はクライアントに返すユーザー情報。パスワードハッシュは含めない。
type UserSummary struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Role        string     `json:"role"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// AuthResponse は登録・ログイン・再発行APIのレスポンス。
// tokenはアクセストークンと同じ値で、旧クライアントとの互換のために残している。
type AuthResponse struct {
	Token        string       `json:"token"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	TokenType    string       `json:"token_type"`
	User         *UserSummary `json:"user,omitempty"`
}

// Ingredient は栄養分析対象の材料。
type Ingredient struct {
	Name        string  `json:"name" binding:"required"`
	Amount      float64 `json:"amount" binding:"gt=0"`
	Unit        string  `json:"unit" binding:"required"`
	Preparation string  `json:"preparation,omitempty"`
}

// NutritionAnalysisRequest は栄養分析APIのリクエストボディ。
// user_idは認証済みのユーザーで上書きする。
type NutritionAnalysisRequest struct {
	UserID      string       `json:"user_id,omitempty"`
	Ingredients []Ingredient `json:"ingredients" binding:"required,min=1,dive"`
	MealType    string       `json:"meal_type,omitempty"`
	ServingSize float64      `json:"serving_size,omitempty"`
}

// BasicNutrition は基本的な栄養素の量。
type BasicNutrition struct {
	Calories      float64 `json:"calories"`
	Protein       float64 `json:"protein"`
	Carbohydrates float64 `json:"carbohydrates"`
	Fat           float64 `json:"fat"`
	Fiber         float64 `json:"fiber"`
	Sugar         float64 `json:"sugar"`
	Sodium        float64 `json:"sodium"`
}

// DietaryCompliance は食事制限への適合状況。
type DietaryCompliance struct {
	VegetarianFriendly    bool    `json:"vegetarian_friendly"`
	VeganFriendly         bool    `json:"vegan_friendly"`
	GlutenFree            bool    `json:"gluten_free"`
	DairyFree             bool    `json:"dairy_free"`
	KetoFriendly          bool    `json:"keto_friendly"`
	PaleoFriendly         bool    `json:"paleo_friendly"`
	AntiInflammatoryScore float64 `json:"anti_inflammatory_score"`
}

// EnvironmentalImpact は環境負荷の推定値。
type EnvironmentalImpact struct {
	CarbonFootprintKg   float64 `json:"carbon_footprint_kg"`
	WaterUsageLiters    float64 `json:"water_usage_liters"`
	SustainabilityScore float64 `json:"sustainability_score"`
}

// NutritionAnalysis は栄養分析サービスのレスポンス。
type NutritionAnalysis struct {
	BasicNutrition      BasicNutrition      `json:"basic_nutrition"`
	Micronutrients      map[string]float64  `json:"micronutrients"`
	HealthScore         float64             `json:"health_score"`
	DietaryCompliance   DietaryCompliance   `json:"dietary_compliance"`
	EnvironmentalImpact EnvironmentalImpact `json:"environmental_impact"`
	CostEstimate        *float64            `json:"cost_estimate"`
	AllergenWarnings    []string            `json:"allergen_warnings"`
	PreparationTips     []string            `json:"preparation_tips"`
}

// MealRecommendation は推薦された1食分の献立。
type MealRecommendation struct {
	MealID              string         `json:"meal_id"`
	Name                string         `json:"name"`
	Description         string         `json:"description"`
	Nutrition           BasicNutrition `json:"nutrition"`
	Ingredients         []Ingredient   `json:"ingredients"`
	Instructions        []string       `json:"instructions"`
	PrepTimeMinutes     int            `json:"prep_time_minutes"`
	DifficultyLevel     string         `json:"difficulty_level"`
	CostEstimate        float64        `json:"cost_estimate"`
	RecommendationScore float64        `json:"recommendation_score"`
	Reasons             []string       `json:"reasons"`
}

// MealRecommendations は栄養分析サービスの献立推薦レスポンス。
type MealRecommendations struct {
	Meals            []MealRecommendation `json:"meals"`
	TotalNutrition   BasicNutrition       `json:"total_nutrition"`
	AdherenceToGoals float64              `json:"adherence_to_goals"`
	VarietyScore     float64              `json:"variety_score"`
}

// FilterCriteria はレシピ取り込み時の絞り込み条件。
type FilterCriteria struct {
	MaxPrepTime  *int     `json:"max_prep_time,omitempty"`
	MaxCookTime  *int     `json:"max_cook_time,omitempty"`
	RequiredTags []string `json:"required_tags,omitempty"`
	ExcludedTags []string `json:"excluded_tags,omitempty"`
}

// ImportRequest はレシピ取り込みAPIのリクエストボディ。
type ImportRequest struct {
	RepositoryURL  string          `json:"repository_url" binding:"required,url"`
	ImportFormat   string          `json:"import_format,omitempty"`
	FilterCriteria *FilterCriteria `json:"filter_criteria,omitempty"`
}

// ImportResponse はレシピ取り込みサービスのレスポンス。
type ImportResponse struct {
	BatchID          string `json:"batch_id"`
	Status           string `json:"status"`
	Message          string `json:"message"`
	EstimatedRecipes *int   `json:"estimated_recipes"`
}

// HealthResponse はGatewayのヘルスチェックレスポンス。
type HealthResponse struct {
	Status    string          `json:"status"`
	Database  bool            `json:"database"`
	Cache     bool            `json:"cache"`
	Services  map[string]bool `json:"services"`
	Timestamp time.Time       `json:"timestamp"`
}

// ServiceInfo は管理APIで返す下流サービスの情報。
type ServiceInfo struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
	Breaker string `json:"circuit_breaker,omitempty"`
}

// toSummary はUserをクライアント向けの表現に変換する。
func toSummary(u *User) *UserSummary {
	return &UserSummary{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		Role:        u.Role,
		IsActive:    u.IsActive,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}
