// Package metrics はPrometheus形式のメトリクスを提供する。
//
// メトリクスはプロセス全体のグローバル変数ではなく、main関数で生成した
// Metricsを各コンポーネントへ注入して使用する。レジストリもMetricsごとに
// 独立しているため、テストごとに新しいインスタンスを生成できる。
package metrics
