package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/nao1215/mealprep/pkg/migration"
	"github.com/nao1215/mealprep/pkg/orchestrator"
)

// ErrConfig は起動に必要な設定が不足または不正であることを表す。
var ErrConfig = errors.New("gateway: 設定が不正です")

// Config はGatewayサービスの設定。環境変数から読み込む。
type Config struct {
	// サーバー設定
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENV" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`

	// トークン設定。秘密鍵は必須で、開発用の固定値にはフォールバックしない。
	JWTSecret            string `envconfig:"JWT_SECRET"`
	JWTIssuer            string `envconfig:"JWT_ISSUER" default:"mealprep-gateway"`
	JWTExpiration        int64  `envconfig:"JWT_EXPIRATION" default:"3600"`
	JWTRefreshExpiration int64  `envconfig:"JWT_REFRESH_EXPIRATION" default:"2592000"`

	// ストレージ設定。DATABASE_URLはSQLiteのファイルパスまたはpostgres://形式のURL。
	DatabaseURL string `envconfig:"DATABASE_URL" default:"/data/gateway.db"`
	// RedisURLが空の場合はプロセス内キャッシュを使用する。
	RedisURL string `envconfig:"REDIS_URL"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`

	// 下流サービス設定
	NutritionServiceURL    string        `envconfig:"NUTRITION_SERVICE_URL" default:"http://nutrition-service:8081"`
	AnalyticsServiceURL    string        `envconfig:"ANALYTICS_SERVICE_URL" default:"http://analytics-service:8082"`
	RecipeImportServiceURL string        `envconfig:"RECIPE_IMPORT_SERVICE_URL" default:"http://recipe-import-service:8083"`
	UpstreamTimeout        time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"5s"`
	HealthTimeout          time.Duration `envconfig:"HEALTH_TIMEOUT" default:"3s"`
	RecommendationCacheTTL time.Duration `envconfig:"RECOMMENDATION_CACHE_TTL" default:"5m"`

	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
}

// LoadConfig は.envファイル（存在する場合）と環境変数から設定を読み込む。
func LoadConfig() (*Config, error) {
	// .envがない環境では環境変数のみを使用する
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: JWT_SECRETが設定されていません", ErrConfig)
	}
	if c.JWTExpiration <= 0 || c.JWTRefreshExpiration <= 0 {
		return fmt.Errorf("%w: トークンの有効期間は正の秒数である必要があります", ErrConfig)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URLが設定されていません", ErrConfig)
	}
	return nil
}

// AccessTTL はアクセストークンの有効期間を返す。
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.JWTExpiration) * time.Second
}

// RefreshTTL はリフレッシュトークンの有効期間を返す。
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.JWTRefreshExpiration) * time.Second
}

// Services は下流サービス名とベースURLの対応を返す。
func (c *Config) Services() map[string]string {
	return map[string]string{
		orchestrator.ServiceNutrition:    c.NutritionServiceURL,
		orchestrator.ServiceAnalytics:    c.AnalyticsServiceURL,
		orchestrator.ServiceRecipeImport: c.RecipeImportServiceURL,
	}
}

// Dialect はDATABASE_URLから使用するデータベースの種類を判定する。
func (c *Config) Dialect() migration.Dialect {
	if strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return migration.DialectPostgres
	}
	return migration.DialectSQLite
}

// IsProduction は本番環境かどうかを返す。
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
