package token

import "errors"

// ErrUnauthorized はすべてのトークン検証エラーが満たす共通エラー。
// 呼び出し側は errors.Is(err, ErrUnauthorized) で原因を区別せず一律に扱える。
var ErrUnauthorized = errors.New("unauthorized")

var (
	// ErrConfig は秘密鍵や有効期限が設定されていないことを表す。
	ErrConfig = errors.New("token: 設定が不正です")
	// ErrEmptySubject はサブジェクトIDが空のままトークンを発行しようとしたことを表す。
	ErrEmptySubject = errors.New("token: サブジェクトIDが空です")

	// ErrMalformed はトークンの構造が不正であることを表す。
	ErrMalformed = &authError{msg: "token: トークンの形式が不正です"}
	// ErrInvalidSignature は署名の検証に失敗したことを表す。
	ErrInvalidSignature = &authError{msg: "token: 署名が不正です"}
	// ErrExpired はトークンの有効期限が切れていることを表す。
	ErrExpired = &authError{msg: "token: 有効期限切れです"}
	// ErrWrongClass はトークン種別が用途と一致しないことを表す。
	ErrWrongClass = &authError{msg: "token: トークン種別が不正です"}
	// ErrMalformedHeader はAuthorizationヘッダーがBearer形式でないことを表す。
	ErrMalformedHeader = &authError{msg: "token: Authorizationヘッダーの形式が不正です"}
)

// authError はErrUnauthorizedとして判定されるトークンエラー。
type authError struct {
	msg string
}

func (e *authError) Error() string { return e.msg }

// Is はすべてのauthErrorをErrUnauthorizedと同一視する。
func (e *authError) Is(target error) bool {
	return target == ErrUnauthorized
}
