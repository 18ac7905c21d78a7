// Package orchestrator はゲートウェイから下流サービスへの呼び出しを仲介する。
//
// サービス名とベースURLの対応をRegistryで管理し、
// Callで単一の呼び出しを、HealthCheckで全サービスへの並行ヘルスチェックを行う。
// 呼び出しにはタイムアウト、通信障害時のリトライ、サービスごとのサーキットブレーカーが適用される。
package orchestrator
