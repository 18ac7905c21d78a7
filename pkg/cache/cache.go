package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL はTTL未指定時のキャッシュ有効期間。
const DefaultTTL = 5 * time.Minute

// loadTimeout はsingleflightで共有する読み込みの上限時間。
// 読み込みは呼び出し元のキャンセルから切り離して実行する。
const loadTimeout = 30 * time.Second

// Store はキャッシュの読み書きを抽象化したインターフェース。
// テストではインメモリ実装に差し替える。
type Store interface {
	// Get はキーの値をdestにデシリアライズする。キャッシュミスの場合はfalseを返す。
	Get(ctx context.Context, key string, dest any) (bool, error)
	// Set は値をJSONにシリアライズして保存する。
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Delete はキーを削除する。
	Delete(ctx context.Context, key string) error
	// IncrWindow は固定ウィンドウのカウンターを1増やし、増加後の値を返す。
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	// Ping は接続状態を確認する。
	Ping(ctx context.Context) error
}

// Redis はRedisを使用したStoreの実装。
type Redis struct {
	// client はRedisクライアント。
	client *redis.Client
	// prefix は全キーに付与する接頭辞。
	prefix string
}

var _ Store = (*Redis)(nil)

// Connect はRedisのURL（例: "redis://localhost:6379/0"）からクライアントを生成する。
// 接続確認は行わない。起動時の確認はPingで行う。
func Connect(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("RedisのURLが不正です: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedis はRedisクライアントを使用するStoreを生成する。
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Get はキーの値をdestにデシリアライズする。
func (r *Redis) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("キャッシュの取得に失敗: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("キャッシュ値のデシリアライズに失敗: %w", err)
	}
	return true, nil
}

// Set は値をJSONにシリアライズして保存する。ttlが0以下の場合はDefaultTTLを使用する。
func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("キャッシュ値のシリアライズに失敗: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("キャッシュの保存に失敗: %w", err)
	}
	return nil
}

// Delete はキーを削除する。
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("キャッシュの削除に失敗: %w", err)
	}
	return nil
}

// IncrWindow はINCRとEXPIREをパイプラインで実行する。
// EXPIREはウィンドウ内の最初のリクエストでのみ設定する。
func (r *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := r.prefix + key

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("レート制限カウンターの更新に失敗: %w", err)
	}
	return incr.Val(), nil
}

// Ping は接続状態を確認する。
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Loader はキャッシュミス時に値を読み込む関数。
type Loader[T any] func(ctx context.Context) (T, error)

// Group はsingleflightで同一キーの読み込みをまとめるキャッシュアサイドのヘルパー。
type Group struct {
	// store はバックエンドのキャッシュ。
	store Store
	// ttl は書き込み時の有効期間。
	ttl time.Duration
	// sf は同時ミスをまとめるためのsingleflightグループ。
	sf singleflight.Group
	// observe はキャッシュ参照の結果を通知するコールバック。nilの場合は通知しない。
	observe func(result string)
}

// NewGroup はGroupを生成する。observeにはhit, miss, errorのいずれかが渡される。
func NewGroup(store Store, ttl time.Duration, observe func(result string)) *Group {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Group{store: store, ttl: ttl, observe: observe}
}

// GetOrLoad はキャッシュを参照し、ミスした場合はloadで読み込んでキャッシュに保存する。
// キャッシュの障害は読み込みにフォールバックし、呼び出し元にはエラーとして返さない。
// 2番目の戻り値はキャッシュヒットかどうかを示す。
func GetOrLoad[T any](ctx context.Context, g *Group, key string, load Loader[T]) (T, bool, error) {
	var cached T
	found, err := g.store.Get(ctx, key, &cached)
	switch {
	case err != nil:
		g.report("error")
	case found:
		g.report("hit")
		return cached, true, nil
	default:
		g.report("miss")
	}

	// 先に到着した呼び出し元のキャンセルが後続の呼び出し元に波及しないよう、
	// 読み込みはキャンセルを引き継がないコンテキストで行い、各呼び出し元は自身のctxで待つ
	ch := g.sf.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		loaded, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		// 保存の失敗は読み込み結果に影響させない
		_ = g.store.Set(loadCtx, key, loaded, g.ttl)
		return loaded, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		return res.Val.(T), false, nil
	}
}

func (g *Group) report(result string) {
	if g.observe != nil {
		g.observe(result)
	}
}
