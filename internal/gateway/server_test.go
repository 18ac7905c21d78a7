package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/mealprep/pkg/cache"
	"github.com/nao1215/mealprep/pkg/event"
	"github.com/nao1215/mealprep/pkg/metrics"
	"github.com/nao1215/mealprep/pkg/migration"
	"github.com/nao1215/mealprep/pkg/orchestrator"
	"github.com/nao1215/mealprep/pkg/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用の署名秘密鍵。
const testJWTSecret = "test-secret-key"

// testEnv はテスト用のGatewayサーバーと依存コンポーネント。
type testEnv struct {
	server  *Server
	users   *UserStore
	tokens  *token.Service
	cache   *cache.Memory
	metrics *metrics.Metrics
}

// backend は下流サービスのモック。受け取った分析イベントを記録する。
type backend struct {
	mu              sync.Mutex
	events          []event.Event
	userIDs         []string
	recommendations int
}

func (b *backend) recordedEvents() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]event.Event(nil), b.events...)
}

func (b *backend) recordedUserIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.userIDs...)
}

func (b *backend) recommendationCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recommendations
}

// handler は3つの下流サービスを1つのサーバーで模倣するハンドラを返す。
func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /events", func(w http.ResponseWriter, r *http.Request) {
		var ev event.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.events = append(b.events, ev)
		b.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]string{"id": ev.ID})
	})
	mux.HandleFunc("POST /nutrition/analyze", func(w http.ResponseWriter, r *http.Request) {
		var req NutritionAnalysisRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.userIDs = append(b.userIDs, r.Header.Get("X-User-ID")+"|"+req.UserID)
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, NutritionAnalysis{
			BasicNutrition: BasicNutrition{Calories: 420, Protein: 30},
			HealthScore:    82.5,
		})
	})
	mux.HandleFunc("GET /nutrition/recommendations/{user_id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.recommendations++
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, MealRecommendations{
			Meals:        []MealRecommendation{{MealID: "meal-1", Name: "鶏むね肉のサラダ"}},
			VarietyScore: 0.8,
		})
	})
	mux.HandleFunc("POST /api/recipes/import", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusAccepted, ImportResponse{BatchID: "batch-1", Status: "pending", Message: "accepted"})
	})
	mux.HandleFunc("GET /api/recipes/import/{batch_id}/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"batch_id": r.PathValue("batch_id"), "progress": 0.5})
	})
	mux.HandleFunc("GET /analytics/dashboard/{user_id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, event.Dashboard{
			UserID:      r.PathValue("user_id"),
			TotalEvents: 2,
			Counts:      map[event.Type]int64{event.TypeUserLoggedIn: 2},
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newBackend はモックの下流サービスを起動する。
func newBackend(t *testing.T) (*backend, string) {
	t.Helper()

	b := &backend{}
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)
	return b, srv.URL
}

// closedPortURL はリッスンしていないローカルポートのURLを返す。
func closedPortURL(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return "http://" + addr
}

// newTestEnv はインメモリSQLiteとプロセス内キャッシュを使用するテスト用Gatewayを生成する。
func newTestEnv(t *testing.T, services map[string]string) *testEnv {
	t.Helper()
	store := cache.NewMemory()
	env := newTestEnvWithStore(t, services, store, 2*time.Second)
	env.cache = store
	return env
}

// newTestEnvWithStore はキャッシュとヘルスチェックの期限を指定してテスト環境を構築する。
func newTestEnvWithStore(t *testing.T, services map[string]string, store cache.Store, healthTimeout time.Duration) *testEnv {
	t.Helper()

	ctx := context.Background()
	db, err := OpenDB(ctx, ":memory:", migration.DialectSQLite, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tokens, err := token.New(token.Config{Secret: testJWTSecret, Issuer: "mealprep-gateway"})
	require.NoError(t, err)

	registry, err := orchestrator.NewRegistry(services)
	require.NoError(t, err)

	m := metrics.New("gateway_test")
	orch := orchestrator.New(registry,
		orchestrator.WithTimeout(2*time.Second),
		orchestrator.WithHealthTimeout(time.Second),
		orchestrator.WithRetry(1, 0),
		orchestrator.WithMetrics(m),
	)

	users := NewUserStore(db, migration.DialectSQLite)
	cfg := &Config{
		Port:                   "0",
		Environment:            "test",
		CORSOrigins:            []string{"http://localhost:3000"},
		HealthTimeout:          healthTimeout,
		RecommendationCacheTTL: time.Minute,
	}

	s, err := New(cfg, Deps{
		Users:        users,
		Cache:        store,
		Tokens:       tokens,
		Orchestrator: orch,
		Metrics:      m,
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(s.WaitEvents)

	return &testEnv{server: s, users: users, tokens: tokens, metrics: m}
}

// slowPingStore はPingが期限切れまで応答しないキャッシュ。
type slowPingStore struct {
	*cache.Memory
}

func (slowPingStore) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// allServices は全サービスを同じURLに向けたサービス定義を返す。
func allServices(url string) map[string]string {
	return map[string]string{
		orchestrator.ServiceNutrition:    url,
		orchestrator.ServiceAnalytics:    url,
		orchestrator.ServiceRecipeImport: url,
	}
}

// do はGatewayにリクエストを送信する。bodyがnilの場合はボディなしで送る。
func (e *testEnv) do(method, path, bearer string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

// register はユーザーを登録してレスポンスを返す。
func (e *testEnv) register(t *testing.T, username, email string) AuthResponse {
	t.Helper()

	w := e.do(http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Username: username,
		Email:    email,
		Password: "correct-horse-battery",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp AuthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// seedUser はテスト用のユーザーを直接DBに登録する。
func (e *testEnv) seedUser(t *testing.T, id, role string, active bool) *User {
	t.Helper()

	u := &User{
		ID:           id,
		Username:     "user-" + id,
		Email:        id + "@example.com",
		PasswordHash: "$2a$10$invalidinvalidinvalidinvalidinvalidinvalidinvalidinva",
		Role:         role,
		IsActive:     active,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, e.users.Create(context.Background(), u))
	return u
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()

	t.Run("登録したトークンで保護されたAPIにアクセスできる", func(t *testing.T) {
		t.Parallel()

		b, url := newBackend(t)
		env := newTestEnv(t, allServices(url))

		resp := env.register(t, "alice", "Alice@Example.com")
		assert.NotEmpty(t, resp.AccessToken)
		assert.NotEmpty(t, resp.RefreshToken)
		assert.Equal(t, resp.AccessToken, resp.Token)
		assert.Equal(t, "Bearer", resp.TokenType)
		assert.Equal(t, int64(3600), resp.ExpiresIn)
		require.NotNil(t, resp.User)
		assert.Equal(t, "alice@example.com", resp.User.Email)
		assert.Equal(t, "user", resp.User.Role)

		w := env.do(http.MethodGet, "/api/users/me", resp.AccessToken, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var me UserSummary
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
		assert.Equal(t, resp.User.ID, me.ID)
		assert.Equal(t, "alice", me.Username)

		env.server.WaitEvents()
		events := b.recordedEvents()
		require.Len(t, events, 1)
		assert.Equal(t, event.TypeUserRegistered, events[0].EventType)
		assert.Equal(t, resp.User.ID, events[0].UserID)
	})

	t.Run("重複したメールアドレスは409を返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))
		env.register(t, "bob", "bob@example.com")

		w := env.do(http.MethodPost, "/api/auth/register", "", RegisterRequest{
			Username: "bob2",
			Email:    "bob@example.com",
			Password: "correct-horse-battery",
		})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("入力が不正な場合は400を返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))

		tests := []struct {
			name string
			req  RegisterRequest
		}{
			{name: "ユーザー名が短い", req: RegisterRequest{Username: "ab", Email: "ab@example.com", Password: "password123"}},
			{name: "メールアドレスが不正", req: RegisterRequest{Username: "carol", Email: "not-an-email", Password: "password123"}},
			{name: "パスワードが短い", req: RegisterRequest{Username: "carol", Email: "carol@example.com", Password: "short"}},
		}
		for _, tt := range tests {
			w := env.do(http.MethodPost, "/api/auth/register", "", tt.req)
			assert.Equal(t, http.StatusBadRequest, w.Code, tt.name)
		}
	})

	t.Run("正しい認証情報でログインできる", func(t *testing.T) {
		t.Parallel()

		b, url := newBackend(t)
		env := newTestEnv(t, allServices(url))
		registered := env.register(t, "dave", "dave@example.com")

		w := env.do(http.MethodPost, "/api/auth/login", "", LoginRequest{
			Email:    "dave@example.com",
			Password: "correct-horse-battery",
		})
		require.Equal(t, http.StatusOK, w.Code)

		var resp AuthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.User)
		assert.Equal(t, registered.User.ID, resp.User.ID)
		assert.NotNil(t, resp.User.LastLoginAt)

		env.server.WaitEvents()
		var loggedIn int
		for _, ev := range b.recordedEvents() {
			if ev.EventType == event.TypeUserLoggedIn {
				loggedIn++
			}
		}
		assert.Equal(t, 1, loggedIn)
	})

	t.Run("ログイン失敗は原因によらず同じ401を返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))
		env.register(t, "erin", "erin@example.com")
		env.seedUser(t, "inactive-1", "user", false)

		bodies := make(map[string]struct{})
		for _, req := range []LoginRequest{
			{Email: "erin@example.com", Password: "wrong-password"},
			{Email: "nobody@example.com", Password: "correct-horse-battery"},
			{Email: "inactive-1@example.com", Password: "correct-horse-battery"},
		} {
			w := env.do(http.MethodPost, "/api/auth/login", "", req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			bodies[w.Body.String()] = struct{}{}
		}
		assert.Len(t, bodies, 1)
	})

	t.Run("存在しないメールアドレスでもパスワードの照合を行う", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))

		var compared atomic.Int32
		env.server.comparePassword = func(hash, password []byte) error {
			compared.Add(1)
			return bcrypt.CompareHashAndPassword(hash, password)
		}

		w := env.do(http.MethodPost, "/api/auth/login", "", LoginRequest{
			Email:    "nobody@example.com",
			Password: "correct-horse-battery",
		})
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, int32(1), compared.Load())
	})
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	t.Run("リフレッシュトークンで新しいトークンペアを発行する", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))
		registered := env.register(t, "frank", "frank@example.com")

		w := env.do(http.MethodPost, "/api/auth/refresh", "", RefreshRequest{RefreshToken: registered.RefreshToken})
		require.Equal(t, http.StatusOK, w.Code)

		var resp AuthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		claims, err := env.tokens.ValidateAccess(resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, registered.User.ID, claims.Subject)
	})

	t.Run("アクセストークンでの再発行は401を返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))
		registered := env.register(t, "grace", "grace@example.com")

		w := env.do(http.MethodPost, "/api/auth/refresh", "", RefreshRequest{RefreshToken: registered.AccessToken})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
	})

	t.Run("リフレッシュトークンでは保護されたAPIにアクセスできない", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))
		registered := env.register(t, "heidi", "heidi@example.com")

		w := env.do(http.MethodGet, "/api/users/me", registered.RefreshToken, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("無効化されたユーザーのリフレッシュは401を返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))
		u := env.seedUser(t, "inactive-2", "user", false)
		pair, err := env.tokens.IssuePair(u.ID, u.Username, u.Email, u.Role)
		require.NoError(t, err)

		w := env.do(http.MethodPost, "/api/auth/refresh", "", RefreshRequest{RefreshToken: pair.RefreshToken})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

// TestHandleGetCurrentUser は認証済みユーザー情報取得ハンドラのテスト。
func TestHandleGetCurrentUser(t *testing.T) {
	t.Parallel()

	t.Run("認証ヘッダーが無い場合は401を返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))

		w := env.do(http.MethodGet, "/api/users/me", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("無効なトークンの場合は401を返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))

		w := env.do(http.MethodGet, "/api/users/me", "invalid-token", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("期限切れのトークンの場合は401を返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))
		u := env.seedUser(t, "expired-user", "user", true)

		past, err := token.New(token.Config{
			Secret: testJWTSecret,
			Issuer: "mealprep-gateway",
			Now:    func() time.Time { return time.Now().Add(-2 * time.Hour) },
		})
		require.NoError(t, err)
		expired, err := past.Issue(u.ID, u.Username, u.Email, u.Role)
		require.NoError(t, err)

		w := env.do(http.MethodGet, "/api/users/me", expired, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("DBにユーザーが存在しない場合は404を返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))
		// ユーザーをDBに挿入せず、有効なトークンだけ発行する
		tok, err := env.tokens.Issue("nonexistent-user", "nobody", "nobody@example.com", "user")
		require.NoError(t, err)

		w := env.do(http.MethodGet, "/api/users/me", tok, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}

		var result map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if _, ok := result["error"]; !ok {
			t.Error("エラーメッセージが含まれていない")
		}
	})
}

func TestDownstream(t *testing.T) {
	t.Parallel()

	t.Run("栄養分析は認証済みユーザーIDで下流に転送される", func(t *testing.T) {
		t.Parallel()

		b, url := newBackend(t)
		env := newTestEnv(t, allServices(url))
		u := env.seedUser(t, "nutrition-user", "user", true)
		tok, err := env.tokens.Issue(u.ID, u.Username, u.Email, u.Role)
		require.NoError(t, err)

		w := env.do(http.MethodPost, "/api/nutrition/analyze", tok, NutritionAnalysisRequest{
			UserID:      "someone-else",
			Ingredients: []Ingredient{{Name: "鶏むね肉", Amount: 200, Unit: "g"}},
			MealType:    "lunch",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var analysis NutritionAnalysis
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &analysis))
		assert.InDelta(t, 420.0, analysis.BasicNutrition.Calories, 0.001)
		assert.Equal(t, []string{u.ID + "|" + u.ID}, b.recordedUserIDs())

		env.server.WaitEvents()
		events := b.recordedEvents()
		require.Len(t, events, 1)
		assert.Equal(t, event.TypeNutritionAnalyzed, events[0].EventType)
	})

	t.Run("献立推薦はキャッシュから返される", func(t *testing.T) {
		t.Parallel()

		b, url := newBackend(t)
		env := newTestEnv(t, allServices(url))
		u := env.seedUser(t, "recs-user", "user", true)
		tok, err := env.tokens.Issue(u.ID, u.Username, u.Email, u.Role)
		require.NoError(t, err)

		first := env.do(http.MethodGet, "/api/nutrition/recommendations", tok, nil)
		require.Equal(t, http.StatusOK, first.Code)
		assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

		second := env.do(http.MethodGet, "/api/nutrition/recommendations", tok, nil)
		require.Equal(t, http.StatusOK, second.Code)
		assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
		assert.JSONEq(t, first.Body.String(), second.Body.String())
		assert.Equal(t, 1, b.recommendationCalls())
	})

	t.Run("レシピ取り込みと状態確認", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))
		u := env.seedUser(t, "import-user", "user", true)
		tok, err := env.tokens.Issue(u.ID, u.Username, u.Email, u.Role)
		require.NoError(t, err)

		w := env.do(http.MethodPost, "/api/recipes/import", tok, ImportRequest{RepositoryURL: "https://example.com/recipes.json"})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		var resp ImportResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "batch-1", resp.BatchID)

		w = env.do(http.MethodGet, "/api/recipes/import/batch-1/status", tok, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"batch_id":"batch-1","progress":0.5}`, w.Body.String())
	})

	t.Run("分析ダッシュボードは呼び出し元ユーザーのものを返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))
		u := env.seedUser(t, "dashboard-user", "user", true)
		tok, err := env.tokens.Issue(u.ID, u.Username, u.Email, u.Role)
		require.NoError(t, err)

		w := env.do(http.MethodGet, "/api/analytics/dashboard", tok, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var dashboard event.Dashboard
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dashboard))
		assert.Equal(t, u.ID, dashboard.UserID)
		assert.Equal(t, int64(2), dashboard.Counts[event.TypeUserLoggedIn])
	})

	t.Run("下流サービスに接続できない場合は503を返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		services := allServices(url)
		services[orchestrator.ServiceNutrition] = closedPortURL(t)
		env := newTestEnv(t, services)
		u := env.seedUser(t, "down-user", "user", true)
		tok, err := env.tokens.Issue(u.ID, u.Username, u.Email, u.Role)
		require.NoError(t, err)

		w := env.do(http.MethodPost, "/api/nutrition/analyze", tok, NutritionAnalysisRequest{
			Ingredients: []Ingredient{{Name: "米", Amount: 150, Unit: "g"}},
		})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.NotContains(t, w.Body.String(), "127.0.0.1")
	})

	t.Run("下流サービスが5xxを返した場合は502を返し本文を転送しない", func(t *testing.T) {
		t.Parallel()

		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"stack trace: secret internals"}`))
		}))
		t.Cleanup(failing.Close)

		_, url := newBackend(t)
		services := allServices(url)
		services[orchestrator.ServiceAnalytics] = failing.URL
		env := newTestEnv(t, services)
		u := env.seedUser(t, "bad-gateway-user", "user", true)
		tok, err := env.tokens.Issue(u.ID, u.Username, u.Email, u.Role)
		require.NoError(t, err)

		w := env.do(http.MethodGet, "/api/analytics/dashboard", tok, nil)
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.NotContains(t, w.Body.String(), "secret internals")
	})

	t.Run("未登録のサービスは500を返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, map[string]string{orchestrator.ServiceNutrition: url})
		u := env.seedUser(t, "unknown-service-user", "user", true)
		tok, err := env.tokens.Issue(u.ID, u.Username, u.Email, u.Role)
		require.NoError(t, err)

		w := env.do(http.MethodGet, "/api/analytics/dashboard", tok, nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestAdminServices(t *testing.T) {
	t.Parallel()

	t.Run("管理者以外は403を返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))
		u := env.seedUser(t, "plain-user", "user", true)
		tok, err := env.tokens.Issue(u.ID, u.Username, u.Email, u.Role)
		require.NoError(t, err)

		w := env.do(http.MethodGet, "/api/admin/services", tok, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("管理者はサービス一覧と状態を取得できる", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		services := allServices(url)
		services[orchestrator.ServiceRecipeImport] = closedPortURL(t)
		env := newTestEnv(t, services)
		u := env.seedUser(t, "admin-user", "admin", true)
		tok, err := env.tokens.Issue(u.ID, u.Username, u.Email, u.Role)
		require.NoError(t, err)

		w := env.do(http.MethodGet, "/api/admin/services", tok, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Services []ServiceInfo `json:"services"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Services, 3)
		health := make(map[string]bool)
		for _, svc := range resp.Services {
			health[svc.Name] = svc.Healthy
		}
		assert.Equal(t, map[string]bool{
			orchestrator.ServiceAnalytics:    true,
			orchestrator.ServiceNutrition:    true,
			orchestrator.ServiceRecipeImport: false,
		}, health)
	})
}

// TestGatewayHealthCheck はGatewayのヘルスチェックのテスト。
func TestGatewayHealthCheck(t *testing.T) {
	t.Parallel()

	t.Run("すべて正常な場合はhealthyを返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))

		w := env.do(http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.True(t, resp.Database)
		assert.True(t, resp.Cache)
		assert.Len(t, resp.Services, 3)
	})

	t.Run("下流サービスの停止はdegradedとして200を返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		services := allServices(url)
		services[orchestrator.ServiceAnalytics] = closedPortURL(t)
		env := newTestEnv(t, services)

		w := env.do(http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.False(t, resp.Services[orchestrator.ServiceAnalytics])
		assert.True(t, resp.Services[orchestrator.ServiceNutrition])
	})

	t.Run("キャッシュの停止はunhealthyとして503を返す", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		env := newTestEnv(t, allServices(url))
		env.cache.SetAvailable(false)

		w := env.do(http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"unhealthy"`)
	})

	t.Run("応答しないキャッシュが下流サービスの確認を妨げない", func(t *testing.T) {
		t.Parallel()

		_, url := newBackend(t)
		const healthTimeout = 300 * time.Millisecond
		env := newTestEnvWithStore(t, allServices(url), slowPingStore{Memory: cache.NewMemory()}, healthTimeout)

		start := time.Now()
		w := env.do(http.MethodGet, "/health", "", nil)
		elapsed := time.Since(start)
		require.Equal(t, http.StatusServiceUnavailable, w.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "unhealthy", resp.Status)
		assert.True(t, resp.Database)
		assert.False(t, resp.Cache)
		require.Len(t, resp.Services, 3)
		for name, healthy := range resp.Services {
			assert.True(t, healthy, name)
		}
		// 各確認は並行に行われるため、所要時間は期限1回分に収まる
		assert.Less(t, elapsed, 2*healthTimeout)
	})
}

func TestPublicEndpoints(t *testing.T) {
	t.Parallel()

	_, url := newBackend(t)
	env := newTestEnv(t, allServices(url))

	t.Run("メトリクスは認証なしで取得できる", func(t *testing.T) {
		t.Parallel()

		env.do(http.MethodGet, "/ws", "", nil)

		w := env.do(http.MethodGet, "/metrics", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `gateway_test_http_requests_total{method="GET",route="/ws",status="501"}`)
	})

	t.Run("WebSocketは認証なしで501を返す", func(t *testing.T) {
		t.Parallel()

		w := env.do(http.MethodGet, "/ws", "", nil)
		assert.Equal(t, http.StatusNotImplemented, w.Code)
	})

	t.Run("未知のパスは認証なしでは401を返す", func(t *testing.T) {
		t.Parallel()

		w := env.do(http.MethodGet, "/api/unknown", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
