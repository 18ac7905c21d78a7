package orchestrator

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"sync"
)

// ゲートウェイが呼び出す下流サービス名。
const (
	ServiceNutrition    = "nutrition"
	ServiceAnalytics    = "analytics"
	ServiceRecipeImport = "recipe-import"
)

// Registry はサービス名とベースURLの対応を保持する。
// 読み取りは並行に行え、書き込みは起動時と再読み込み時のみを想定する。
type Registry struct {
	mu       sync.RWMutex
	services map[string]string
}

// NewRegistry はサービス名とベースURLの対応からRegistryを生成する。
// URLが不正な場合はErrConfigを返す。
func NewRegistry(services map[string]string) (*Registry, error) {
	r := &Registry{services: make(map[string]string, len(services))}
	for name, base := range services {
		normalized, err := normalizeURL(name, base)
		if err != nil {
			return nil, err
		}
		r.services[name] = normalized
	}
	return r, nil
}

// Lookup はサービス名に対応するベースURLを返す。
func (r *Registry) Lookup(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	base, ok := r.services[name]
	return base, ok
}

// Set はサービスのベースURLを登録または更新する。
func (r *Registry) Set(name, base string) error {
	normalized, err := normalizeURL(name, base)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = normalized
	return nil
}

// Names は登録されているサービス名を昇順で返す。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.services))
}

// Snapshot は現在の登録内容のコピーを返す。
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.services)
}

// normalizeURL はベースURLを検証し、末尾のスラッシュを取り除く。
func normalizeURL(name, base string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: サービス名が空です", ErrConfig)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %s のURLが不正です: %v", ErrConfig, name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %s のURLはhttp(s)://host形式である必要があります", ErrConfig, name)
	}
	return strings.TrimRight(base, "/"), nil
}
