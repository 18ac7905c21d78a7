package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout は1回の呼び出し全体のデフォルトタイムアウト。
	DefaultTimeout = 5 * time.Second
	// HeaderUserID はサービス間でユーザーIDを伝播するためのHTTPヘッダーキー。
	HeaderUserID = "X-User-ID"
	// HeaderRequestID はリクエストIDを伝播するためのHTTPヘッダーキー。
	HeaderRequestID = "X-Request-ID"

	// maxResponseBytes は読み込むレスポンスボディの上限。
	maxResponseBytes = 10 << 20
)

// StatusError は下流サービスが2xx以外のステータスを返したことを表す。
// レスポンスボディは呼び出し元に漏らさないため保持しない。
type StatusError struct {
	// StatusCode は下流サービスが返したHTTPステータスコード。
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d", e.StatusCode)
}

// Client はサービス間通信用のHTTPクライアント。
// タイムアウトとリトライの設定を持つ。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
	// attempts は通信障害時の最大試行回数（初回を含む）。
	attempts int
	// backoff はリトライ間の待機時間。
	backoff time.Duration
}

// Option はClientの設定を変更する関数。
type Option func(*Client)

// WithTimeout は1回の呼び出し全体のタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetry は通信障害時の最大試行回数とリトライ間隔を設定する。
// HTTPステータスによるエラーはリトライしない。
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		if attempts < 1 {
			attempts = 1
		}
		c.attempts = attempts
		c.backoff = backoff
	}
}

// WithTransport は内部で使用するRoundTripperを差し替える。
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.httpClient.Transport = rt
	}
}

// New は新しいサービス間通信用HTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://nutrition-service:8081"）を指定する。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		baseURL:  baseURL,
		attempts: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do はリクエストを送信し、2xxの場合はレスポンスボディをそのまま返す。
// bodyがnilの場合はGET、それ以外はJSONボディのPOSTを送信する。
func (c *Client) Do(ctx context.Context, path string, body any) ([]byte, error) {
	method := http.MethodGet
	if body != nil {
		method = http.MethodPost
	}
	return c.do(ctx, method, path, body)
}

// Probe は指定パスにGETリクエストを送信し、2xxかどうかだけを確認する。
// リトライは行わない。
func (c *Client) Probe(ctx context.Context, path string) error {
	_, err := c.send(ctx, http.MethodGet, path, nil)
	return err
}

// do はボディをシリアライズし、通信障害の場合に限ってリトライする。
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		data, err := c.send(ctx, method, path, payload)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var statusErr *StatusError
		if errors.As(err, &statusErr) || ctx.Err() != nil || attempt == c.attempts {
			break
		}

		timer := time.NewTimer(c.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, lastErr
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// send は1回分のHTTPリクエストを送信する。
func (c *Client) send(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// コンテキストからユーザーIDとリクエストIDを伝播する
	if userID, ok := ctx.Value(contextKeyUserID).(string); ok {
		req.Header.Set(HeaderUserID, userID)
	}
	if requestID, ok := ctx.Value(contextKeyRequestID).(string); ok && requestID != "" {
		req.Header.Set(HeaderRequestID, requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// コネクション再利用のため読み捨てる
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み込みに失敗: %w", err)
	}
	return data, nil
}

// contextKey はコンテキストキーの型。
type contextKey string

const (
	// contextKeyUserID はコンテキストにユーザーIDを格納するためのキー。
	contextKeyUserID contextKey = "user_id"
	// contextKeyRequestID はコンテキストにリクエストIDを格納するためのキー。
	contextKeyRequestID contextKey = "request_id"
)

// WithUserID はコンテキストにユーザーIDを設定する。
// サービス間通信時にユーザーIDを伝播するために使用する。
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUserID, userID)
}

// WithRequestID はコンテキストにリクエストIDを設定する。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

// RequestIDFromContext はコンテキストに設定されたリクエストIDを返す。
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}
