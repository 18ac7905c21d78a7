package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/mealprep/pkg/httpclient"
	"github.com/nao1215/mealprep/pkg/metrics"
	"github.com/nao1215/mealprep/pkg/token"
	"go.uber.org/zap"
)

// ClaimsKey はGinコンテキストに認証済みクレームを格納するキー。
const ClaimsKey = "claims"

// unauthorizedBody は認証失敗時に返す唯一のレスポンスボディ。
// 失敗原因はクライアントに開示しない。
var unauthorizedBody = gin.H{"error": "unauthorized"}

// AccessVerifier はアクセストークンを検証するインターフェース。
type AccessVerifier interface {
	ValidateAccess(tokenString string) (*token.Claims, error)
}

// Allowlist は認証なしで通過させるパスの一覧。
type Allowlist struct {
	// exact は完全一致で許可するパス。
	exact map[string]struct{}
	// prefixes は前方一致で許可するパス接頭辞。
	prefixes []string
}

// NewAllowlist は完全一致のパスと前方一致の接頭辞からAllowlistを生成する。
func NewAllowlist(exact []string, prefixes []string) *Allowlist {
	a := &Allowlist{
		exact:    make(map[string]struct{}, len(exact)),
		prefixes: slices.Clone(prefixes),
	}
	for _, p := range exact {
		a.exact[p] = struct{}{}
	}
	return a
}

// DefaultAllowlist はゲートウェイの公開ルートを返す。
// 認証系API、ヘルスチェック、メトリクス、WebSocketのハンドシェイクが対象。
func DefaultAllowlist() *Allowlist {
	return NewAllowlist(
		[]string{"/health", "/metrics", "/ws"},
		[]string{"/api/auth/"},
	)
}

// Allowed はパスが認証不要かどうかを返す。
func (a *Allowlist) Allowed(path string) bool {
	if a == nil {
		return false
	}
	if _, ok := a.exact[path]; ok {
		return true
	}
	for _, prefix := range a.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// AuthOption はAuthの設定を変更する関数。
type AuthOption func(*authConfig)

type authConfig struct {
	metrics *metrics.Metrics
}

// WithAuthMetrics は認証失敗を記録するメトリクスを設定する。
func WithAuthMetrics(m *metrics.Metrics) AuthOption {
	return func(c *authConfig) {
		c.metrics = m
	}
}

// Auth はAuthorizationヘッダーのBearerトークンを検証するGinミドルウェアを返す。
// 許可リストに含まれるパスは検証せずに通過させる。
// 検証に失敗した場合は原因にかかわらず同一の401レスポンスを返す。
// 検証に成功した場合、クレームをGinコンテキストとリクエストのcontext.Contextの両方に設定する。
func Auth(verifier AccessVerifier, allow *Allowlist, logger *zap.Logger, opts ...AuthOption) gin.HandlerFunc {
	cfg := &authConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("auth")

	return func(c *gin.Context) {
		if allow.Allowed(c.Request.URL.Path) {
			c.Next()
			return
		}

		claims, err := authenticate(verifier, c.GetHeader("Authorization"))
		if err != nil {
			reason := rejectReason(err)
			cfg.metrics.ObserveAuthFailure(reason)
			// トークン自体は記録しない
			logger.Warn("認証に失敗",
				zap.String("reason", reason),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, unauthorizedBody)
			return
		}

		c.Set(ClaimsKey, claims)
		ctx := WithClaims(c.Request.Context(), claims)
		ctx = httpclient.WithUserID(ctx, claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// errMissingHeader はAuthorizationヘッダーが存在しないことを表す。
var errMissingHeader = errors.New("authorization header is missing")

// authenticate はヘッダーの値からトークンを取り出して検証する。
func authenticate(verifier AccessVerifier, header string) (*token.Claims, error) {
	if header == "" {
		return nil, errMissingHeader
	}
	tokenString, err := token.ExtractBearer(header)
	if err != nil {
		return nil, err
	}
	return verifier.ValidateAccess(tokenString)
}

// rejectReason はログとメトリクスに記録する失敗原因を返す。
func rejectReason(err error) string {
	switch {
	case errors.Is(err, errMissingHeader):
		return "missing_header"
	case errors.Is(err, token.ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, token.ErrWrongClass):
		return "wrong_class"
	case errors.Is(err, token.ErrMalformed):
		return "malformed"
	default:
		return "unknown"
	}
}

// RequireRole はクレームのロールが指定のいずれかでなければ403を返すGinミドルウェアを返す。
// Authミドルウェアが事前に適用されている必要がある。
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, unauthorizedBody)
			return
		}
		if !slices.Contains(roles, claims.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// claimsContextKey はcontext.Contextにクレームを格納するためのキーの型。
type claimsContextKey struct{}

// WithClaims はcontext.Contextに認証済みクレームを設定する。
func WithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext はcontext.Contextから認証済みクレームを取得する。
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*token.Claims)
	return claims, ok && claims != nil
}

// GetClaims はGinコンテキストから認証済みクレームを取得する。
// 未認証の場合はnilを返す。
func GetClaims(c *gin.Context) *token.Claims {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*token.Claims)
	return claims
}

// GetUserID はGinコンテキストから認証済みユーザーIDを取得する。
// Authミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	if claims := GetClaims(c); claims != nil {
		return claims.Subject
	}
	return ""
}
