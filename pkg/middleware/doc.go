// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// Bearerトークンによる認証、ロールによる認可、アクセスログ、パニックリカバリ、
// CORS設定、IPアドレス単位のレート制限など、ゲートウェイで使用するミドルウェアを含む。
package middleware
