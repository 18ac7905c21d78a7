package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nao1215/mealprep/pkg/httpclient"
	"github.com/nao1215/mealprep/pkg/metrics"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout は1回の呼び出しのデフォルトタイムアウト。
	DefaultTimeout = 5 * time.Second
	// DefaultHealthTimeout はヘルスチェック1件あたりのデフォルトタイムアウト。
	DefaultHealthTimeout = 3 * time.Second
	// DefaultAttempts は通信障害時のデフォルト試行回数（初回を含む）。
	DefaultAttempts = 2
	// DefaultBackoff はリトライ間のデフォルト待機時間。
	DefaultBackoff = 100 * time.Millisecond

	// healthPath は下流サービスのヘルスチェックエンドポイント。
	healthPath = "/health"

	// ブレーカーは直近の呼び出しが一定数以上あり、かつ通信障害の割合が閾値以上のときに開く。
	breakerMinRequests  = 5
	breakerFailureRatio = 0.6
	breakerInterval     = time.Minute
	breakerOpenTimeout  = 30 * time.Second
)

// Orchestrator は下流サービスへの呼び出しを仲介する。
// 生成後は複数のgoroutineから同時に使用できる。
type Orchestrator struct {
	// registry はサービス名とベースURLの対応。
	registry *Registry
	// timeout は1回の呼び出しのタイムアウト。
	timeout time.Duration
	// healthTimeout はヘルスチェック1件あたりのタイムアウト。
	healthTimeout time.Duration
	// attempts は通信障害時の最大試行回数。
	attempts int
	// backoff はリトライ間の待機時間。
	backoff time.Duration
	// breakerEnabled はサーキットブレーカーを使用するかどうか。
	breakerEnabled bool
	// transport はHTTP通信に使用するRoundTripper。nilの場合はデフォルトを使用する。
	transport http.RoundTripper
	// logger はロガー。
	logger *zap.Logger
	// metrics はメトリクス。nilの場合は記録しない。
	metrics *metrics.Metrics

	// breakersMu はbreakersを保護する。
	breakersMu sync.Mutex
	// breakers はサービスごとのサーキットブレーカー。
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

// Option はOrchestratorの設定を変更する関数。
type Option func(*Orchestrator)

// WithTimeout は1回の呼び出しのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithHealthTimeout はヘルスチェック1件あたりのタイムアウトを設定する。
func WithHealthTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.healthTimeout = d
		}
	}
}

// WithRetry は通信障害時の最大試行回数とリトライ間隔を設定する。
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts < 1 {
			attempts = 1
		}
		o.attempts = attempts
		o.backoff = backoff
	}
}

// WithLogger はロガーを設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics はメトリクスを設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithBreaker はサーキットブレーカーの有効・無効を設定する。
func WithBreaker(enabled bool) Option {
	return func(o *Orchestrator) {
		o.breakerEnabled = enabled
	}
}

// WithTransport はHTTP通信に使用するRoundTripperを設定する。
func WithTransport(rt http.RoundTripper) Option {
	return func(o *Orchestrator) {
		o.transport = rt
	}
}

// New は新しいOrchestratorを生成する。
func New(registry *Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:       registry,
		timeout:        DefaultTimeout,
		healthTimeout:  DefaultHealthTimeout,
		attempts:       DefaultAttempts,
		backoff:        DefaultBackoff,
		breakerEnabled: true,
		logger:         zap.NewNop(),
		breakers:       make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator")
	return o
}

// Registry はサービスレジストリを返す。
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Call は下流サービスを呼び出し、レスポンスのJSONをそのまま返す。
// bodyがnilの場合はGET、それ以外はJSONボディのPOSTを送信する。
// 未登録のサービスの場合は通信を行わずにErrUnknownServiceを返す。
func (o *Orchestrator) Call(ctx context.Context, service, path string, body any) (json.RawMessage, error) {
	base, ok := o.registry.Lookup(service)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	client := o.client(base, o.timeout, o.attempts)
	start := time.Now()
	data, err := o.execute(service, func() ([]byte, error) {
		return client.Do(ctx, path, body)
	})
	if err != nil {
		upstreamErr := o.classify(ctx, service, err)
		o.metrics.ObserveUpstream(service, outcome(upstreamErr), time.Since(start))
		o.logger.Warn("下流サービスの呼び出しに失敗",
			zap.String("service", service),
			zap.String("path", path),
			zap.Int("status", upstreamErr.Status),
			zap.Error(upstreamErr.Err),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil, upstreamErr
	}

	if !json.Valid(data) {
		o.metrics.ObserveUpstream(service, "decode_error", time.Since(start))
		return nil, &UpstreamError{Service: service, Err: ErrDecode}
	}
	o.metrics.ObserveUpstream(service, "success", time.Since(start))
	return json.RawMessage(data), nil
}

// CallInto は下流サービスを呼び出し、既知のレスポンス形式Tにデコードして返す。
func CallInto[T any](ctx context.Context, o *Orchestrator, service, path string, body any) (*T, error) {
	raw, err := o.Call(ctx, service, path, body)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &UpstreamError{Service: service, Err: fmt.Errorf("%w: %v", ErrDecode, err)}
	}
	return &out, nil
}

// HealthCheck は登録されている全サービスの/healthを並行に確認する。
// 2xxが期限内に返ったサービスのみtrueになる。所要時間は最も遅いチェックに律速される。
func (o *Orchestrator) HealthCheck(ctx context.Context) map[string]bool {
	services := o.registry.Snapshot()
	results := make(map[string]bool, len(services))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, base := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			healthy := o.probe(ctx, base)

			mu.Lock()
			results[name] = healthy
			mu.Unlock()

			o.metrics.SetServiceHealth(name, healthy)
			if !healthy {
				o.logger.Warn("下流サービスのヘルスチェックに失敗", zap.String("service", name))
			}
		}()
	}
	wg.Wait()
	return results
}

// BreakerStates はサービスごとのサーキットブレーカーの状態を返す。
// まだ一度も呼び出していないサービスは含まれない。
func (o *Orchestrator) BreakerStates() map[string]string {
	o.breakersMu.Lock()
	defer o.breakersMu.Unlock()

	states := make(map[string]string, len(o.breakers))
	for name, cb := range o.breakers {
		states[name] = cb.State().String()
	}
	return states
}

// probe は1件のヘルスチェックを行う。ブレーカーとリトライは適用しない。
func (o *Orchestrator) probe(ctx context.Context, base string) bool {
	ctx, cancel := context.WithTimeout(ctx, o.healthTimeout)
	defer cancel()
	return o.client(base, o.healthTimeout, 1).Probe(ctx, healthPath) == nil
}

// client はベースURLに対するHTTPクライアントを生成する。
func (o *Orchestrator) client(base string, timeout time.Duration, attempts int) *httpclient.Client {
	opts := []httpclient.Option{
		httpclient.WithTimeout(timeout),
		httpclient.WithRetry(attempts, o.backoff),
	}
	if o.transport != nil {
		opts = append(opts, httpclient.WithTransport(o.transport))
	}
	return httpclient.New(base, opts...)
}

// execute はサーキットブレーカーを通して呼び出しを行う。
func (o *Orchestrator) execute(service string, fn func() ([]byte, error)) ([]byte, error) {
	if !o.breakerEnabled {
		return fn()
	}
	return o.breaker(service).Execute(fn)
}

// breaker はサービスのサーキットブレーカーを返す。存在しない場合は生成する。
func (o *Orchestrator) breaker(service string) *gobreaker.CircuitBreaker[[]byte] {
	o.breakersMu.Lock()
	defer o.breakersMu.Unlock()

	if cb, ok := o.breakers[service]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.Warn("サーキットブレーカーの状態が変化",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			o.metrics.SetBreakerState(name, float64(to))
		},
		// 下流が応答したステータスエラーは通信経路の障害ではないため成功として数える
		IsSuccessful: func(err error) bool {
			var statusErr *httpclient.StatusError
			return err == nil || errors.As(err, &statusErr)
		},
	})
	o.breakers[service] = cb
	return cb
}

// classify は呼び出しのエラーをUpstreamErrorに変換する。
func (o *Orchestrator) classify(ctx context.Context, service string, err error) *UpstreamError {
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return &UpstreamError{Service: service, Status: statusErr.StatusCode, Err: statusErr}
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &UpstreamError{Service: service, Err: ErrCircuitOpen}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &UpstreamError{Service: service, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	return &UpstreamError{Service: service, Err: err}
}

// outcome はメトリクスに記録する呼び出し結果のラベルを返す。
func outcome(err *UpstreamError) string {
	switch {
	case err.IsStatus():
		return "status_error"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "transport_error"
	}
}
