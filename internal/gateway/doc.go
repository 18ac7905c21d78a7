// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// ユーザー登録・ログイン・トークン再発行、Bearerトークンによる認証、
// 下流サービス（栄養分析、分析、レシピ取り込み）への呼び出しの仲介を担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として機能する。
// 下流サービスのエラー内容や内部構成はクライアントに返さない。
package gateway
