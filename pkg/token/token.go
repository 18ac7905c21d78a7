package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Class はトークンの種別を表す。
type Class string

const (
	// ClassAccess は保護されたAPIの呼び出しに使用する短命なトークン。
	ClassAccess Class = "access"
	// ClassRefresh はトークンペアの再発行にのみ使用する長命なトークン。
	ClassRefresh Class = "refresh"
)

const (
	// DefaultIssuer はIssuerが未指定の場合に使用する発行者名。
	DefaultIssuer = "mealprep-gateway"
	// DefaultAccessTTL はアクセストークンのデフォルト有効期間。
	DefaultAccessTTL = time.Hour
	// DefaultRefreshTTL はリフレッシュトークンのデフォルト有効期間。
	DefaultRefreshTTL = 30 * 24 * time.Hour
	// DefaultRole はロール未指定時に付与するロール。
	DefaultRole = "user"

	// bearerPrefix はAuthorizationヘッダーのBearerスキーム接頭辞。
	bearerPrefix = "Bearer "
	// tokenTypeBearer はトークンペアのtoken_typeに設定する値。
	tokenTypeBearer = "Bearer"
)

// Claims は認証トークンに埋め込まれるクレーム。
// サブジェクト（sub）、発行日時（iat）、有効期限（exp）、トークンID（jti）は
// RegisteredClaimsに格納する。
type Claims struct {
	jwt.RegisteredClaims
	// Username はユーザー名。下流サービスでの参照のため非正規化して埋め込む。
	Username string `json:"username"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Role は認可ロール（user, admin など）。
	Role string `json:"role"`
	// Class はトークン種別（access / refresh）。
	Class Class `json:"token_class"`
}

// SubjectID はトークンのサブジェクト（ユーザーID）を返す。
func (c *Claims) SubjectID() string {
	return c.Subject
}

// TokenID はトークンの一意識別子（jti）を返す。
func (c *Claims) TokenID() string {
	return c.ID
}

// Pair はログイン・登録・リフレッシュ時に返すトークンペア。
type Pair struct {
	// AccessToken は短命なアクセストークン。
	AccessToken string `json:"access_token"`
	// RefreshToken は長命なリフレッシュトークン。
	RefreshToken string `json:"refresh_token"`
	// ExpiresIn はアクセストークンの有効期間（秒）。
	ExpiresIn int64 `json:"expires_in"`
	// TokenType は常に "Bearer"。
	TokenType string `json:"token_type"`
}

// Config はトークンサービスの設定。
type Config struct {
	// Secret はHS256署名用の秘密鍵。空の場合はErrConfigになる。
	Secret string
	// Issuer はiss クレームに設定する発行者名。
	Issuer string
	// AccessTTL はアクセストークンの有効期間。
	AccessTTL time.Duration
	// RefreshTTL はリフレッシュトークンの有効期間。
	RefreshTTL time.Duration
	// Now は現在時刻を返す関数。テストで時刻を固定するために使用する。
	Now func() time.Time
}

// Service は認証トークンの発行と検証を行う。
// 生成後は読み取り専用であり、複数のgoroutineから同時に使用できる。
type Service struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// New はトークンサービスを生成する。
// 秘密鍵が未設定の場合は固定の開発用鍵にフォールバックせず、ErrConfigを返す。
func New(cfg Config) (*Service, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("%w: 署名用の秘密鍵が設定されていません", ErrConfig)
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.AccessTTL < time.Second || cfg.RefreshTTL < time.Second {
		return nil, fmt.Errorf("%w: 有効期間は1秒以上である必要があります", ErrConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        cfg.Now,
	}, nil
}

// AccessTTL はアクセストークンの有効期間を返す。
func (s *Service) AccessTTL() time.Duration {
	return s.accessTTL
}

// Issue はアクセストークンを発行する。
func (s *Service) Issue(subjectID, username, email, role string) (string, error) {
	return s.sign(subjectID, username, email, role, ClassAccess, s.accessTTL)
}

// IssuePair はアクセストークンとリフレッシュトークンのペアを発行する。
// 両者は同じサブジェクトを持つが、トークンIDと有効期限は異なる。
func (s *Service) IssuePair(subjectID, username, email, role string) (*Pair, error) {
	access, err := s.sign(subjectID, username, email, role, ClassAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(subjectID, username, email, role, ClassRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.accessTTL / time.Second),
		TokenType:    tokenTypeBearer,
	}, nil
}

// Refresh はリフレッシュトークンを検証し、新しいトークンペアを発行する。
// アクセストークンを渡した場合はErrWrongClassを返す。
func (s *Service) Refresh(refreshToken string) (*Pair, error) {
	claims, err := s.ValidateRefresh(refreshToken)
	if err != nil {
		return nil, err
	}
	return s.IssuePair(claims.Subject, claims.Username, claims.Email, claims.Role)
}

// Validate はトークンの署名と有効期限を検証し、クレームを返す。
// トークン種別は問わない。
func (s *Service) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, classify(err)
	}

	// コーデック側の検証に加えて有効期限を明示的に確認する
	if s.now().After(claims.ExpiresAt.Time) {
		return nil, ErrExpired
	}
	if claims.Subject == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}

// ValidateAccess はアクセストークンであることを含めて検証する。
func (s *Service) ValidateAccess(tokenString string) (*Claims, error) {
	return s.validateClass(tokenString, ClassAccess)
}

// ValidateRefresh はリフレッシュトークンであることを含めて検証する。
func (s *Service) ValidateRefresh(tokenString string) (*Claims, error) {
	return s.validateClass(tokenString, ClassRefresh)
}

func (s *Service) validateClass(tokenString string, want Class) (*Claims, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Class != want {
		return nil, ErrWrongClass
	}
	return claims, nil
}

// ExtractBearer はAuthorizationヘッダーの値から "Bearer " に続くトークンを取り出す。
func ExtractBearer(header string) (string, error) {
	tokenString, found := strings.CutPrefix(header, bearerPrefix)
	if !found || strings.TrimSpace(tokenString) == "" {
		return "", ErrMalformedHeader
	}
	return tokenString, nil
}

// sign はクレームを組み立ててHS256で署名する。
func (s *Service) sign(subjectID, username, email, role string, class Class, ttl time.Duration) (string, error) {
	if subjectID == "" {
		return "", ErrEmptySubject
	}
	if role == "" {
		role = DefaultRole
	}

	now := s.now().Truncate(time.Second)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Username: username,
		Email:    email,
		Role:     role,
		Class:    class,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// classify はjwtライブラリのエラーをパッケージのエラー分類に変換する。
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		// 発行者不一致や必須クレーム欠落など、構造上の不備として扱う
		return ErrMalformed
	}
}
