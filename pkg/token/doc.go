// Package token はゲートウェイの認証トークン（JWT）の発行と検証を提供する。
//
// アクセストークンとリフレッシュトークンは同じ秘密鍵（HS256）で署名されるが、
// クレームに埋め込まれたトークン種別（token_class）で区別される。
// 保護されたAPIはアクセストークンのみ、リフレッシュエンドポイントは
// リフレッシュトークンのみを受け付ける。
//
// サーバー側の失効リストは持たず、有効期限が唯一の終了条件となる。
// トークンID（jti）は将来の失効リスト照合のために毎回生成する。
package token
