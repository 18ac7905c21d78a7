// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// ゲートウェイが下流サービス（栄養分析、分析、レシピ取り込み）を呼び出す際に使用する。
// 呼び出し元のユーザーIDとリクエストIDをヘッダーで伝播し、
// 通信障害に限って一定回数リトライする。
package httpclient
