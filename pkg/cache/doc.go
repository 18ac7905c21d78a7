// Package cache はRedisを用いたキャッシュとレート制限用カウンターを提供する。
//
// 下流サービスのレスポンスをキャッシュアサイド方式で保持し、
// 同一キーへの同時ミスはsingleflightで1回の読み込みにまとめる。
package cache
