package analytics

import (
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ErrConfig は起動に必要な設定が不足または不正であることを表す。
var ErrConfig = errors.New("analytics: 設定が不正です")

// Config は分析サービスの設定。環境変数から読み込む。
type Config struct {
	Port         string `envconfig:"PORT" default:"8082"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/data/analytics.db"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding  string `envconfig:"LOG_ENCODING" default:"json"`
}

// LoadConfig は.envファイル（存在する場合）と環境変数から設定を読み込む。
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("%w: DATABASE_PATHが設定されていません", ErrConfig)
	}
	return &cfg, nil
}
