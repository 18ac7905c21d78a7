package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownService はレジストリに登録されていないサービス名が指定されたことを表す。
	ErrUnknownService = errors.New("未登録のサービスです")
	// ErrTimeout は下流サービスの呼び出しが期限内に完了しなかったことを表す。
	ErrTimeout = errors.New("下流サービスの呼び出しがタイムアウトしました")
	// ErrCircuitOpen はサーキットブレーカーが開いているため呼び出しを行わなかったことを表す。
	ErrCircuitOpen = errors.New("サーキットブレーカーが開いています")
	// ErrDecode は下流サービスのレスポンスがJSONとして解釈できなかったことを表す。
	ErrDecode = errors.New("下流サービスのレスポンスを解釈できません")
	// ErrConfig はレジストリの設定が不正であることを表す。
	ErrConfig = errors.New("サービスレジストリの設定が不正です")
)

// UpstreamError は下流サービスの呼び出し失敗を表す。
// Statusが0の場合は通信障害（接続失敗、タイムアウト、ブレーカー遮断、デコード失敗）。
type UpstreamError struct {
	// Service は呼び出し先のサービス名。
	Service string
	// Status は下流サービスが返したHTTPステータスコード。
	Status int
	// Err は原因となったエラー。
	Err error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("下流サービス %s がエラーを返しました: status=%d", e.Service, e.Status)
	}
	return fmt.Sprintf("下流サービス %s の呼び出しに失敗: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsStatus は下流サービスが2xx以外のステータスを返した失敗かどうかを返す。
func (e *UpstreamError) IsStatus() bool {
	return e.Status != 0
}
