// Package logger はzapベースの構造化ロガーを生成する。
//
// すべてのサービスはmain関数でこのパッケージからロガーを生成し、
// 各コンポーネントへ依存として注入する。グローバルロガーは使用しない。
package logger
