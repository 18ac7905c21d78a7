// Package analytics は分析サービスの内部実装を提供する。
//
// Gatewayから送信されるユーザー操作のイベントを追記のみで永続化し、
// ユーザーごとの集計をダッシュボードとして返す。
//
// 主な機能:
//   - イベントの追記（POST /events）
//   - ユーザーごとのイベント一覧（GET /events/user/:user_id）
//   - ユーザーごとのイベント集計（GET /analytics/dashboard/:user_id）
package analytics
