package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnavailable はストアが利用できない状態を表す。
var ErrUnavailable = errors.New("キャッシュが利用できません")

// entry はMemoryに保存する値と有効期限。
type entry struct {
	data      []byte
	counter   int64
	expiresAt time.Time
}

// sweepInterval は期限切れエントリをまとめて削除する間隔。
const sweepInterval = time.Minute

// Memory はプロセス内で完結するStoreの実装。
// REDIS_URLが未設定の開発環境とテストで使用する。
// 期限切れのエントリは書き込み時に一定間隔でまとめて削除する。
type Memory struct {
	mu        sync.Mutex
	entries   map[string]entry
	now       func() time.Time
	lastSweep time.Time
	down      bool
}

var _ Store = (*Memory)(nil)

// NewMemory はMemoryを生成する。
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry), now: time.Now}
}

// SetAvailable は障害状態を切り替える。falseの場合、全操作がErrUnavailableを返す。
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = !ok
}

// Get はキーの値をdestにデシリアライズする。
func (m *Memory) Get(_ context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, ErrUnavailable
	}
	e, ok := m.lookup(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.data, dest); err != nil {
		return false, fmt.Errorf("キャッシュ値のデシリアライズに失敗: %w", err)
	}
	return true, nil
}

// Set は値をJSONにシリアライズして保存する。
func (m *Memory) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("キャッシュ値のシリアライズに失敗: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	m.sweep()
	m.entries[key] = entry{data: data, expiresAt: m.now().Add(ttl)}
	return nil
}

// Delete はキーを削除する。
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	delete(m.entries, key)
	return nil
}

// IncrWindow は固定ウィンドウのカウンターを1増やす。
func (m *Memory) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, ErrUnavailable
	}
	m.sweep()
	e, ok := m.lookup(key)
	if !ok {
		e = entry{expiresAt: m.now().Add(window)}
	}
	e.counter++
	m.entries[key] = e
	return e.counter, nil
}

// Ping は障害状態でなければnilを返す。
func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	return nil
}

// lookup は期限切れのエントリを削除しつつ値を返す。呼び出し側でロックを保持すること。
func (m *Memory) lookup(key string) (entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return entry{}, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return entry{}, false
	}
	return e, true
}

// sweep は前回からsweepInterval以上経過していれば期限切れのエントリをすべて削除する。
// 呼び出し側でロックを保持すること。
func (m *Memory) sweep() {
	now := m.now()
	if now.Sub(m.lastSweep) < sweepInterval {
		return
	}
	m.lastSweep = now
	for key, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, key)
		}
	}
}

// size は保持しているエントリ数を返す。
func (m *Memory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
