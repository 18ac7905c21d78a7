package gateway

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nao1215/mealprep/pkg/migration"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrUserNotFound はユーザーが存在しないことを表す。
	ErrUserNotFound = errors.New("ユーザーが見つかりません")
	// ErrUserAlreadyExists はユーザー名またはメールアドレスが既に使用されていることを表す。
	ErrUserAlreadyExists = errors.New("ユーザーが既に存在します")
)

// pgUniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const pgUniqueViolation = "23505"

// User はゲートウェイに登録されたユーザー。
type User struct {
	// ID はユーザーの一意識別子（UUID）。トークンのサブジェクトになる。
	ID string
	// Username はユーザー名。一意。
	Username string
	// Email はメールアドレス。一意。
	Email string
	// PasswordHash はbcryptでハッシュ化したパスワード。
	PasswordHash string
	// Role は認可ロール（user, admin）。
	Role string
	// IsActive は有効なユーザーかどうか。無効なユーザーはログインできない。
	IsActive bool
	// CreatedAt は登録日時。
	CreatedAt time.Time
	// LastLoginAt は最終ログイン日時。未ログインの場合はnil。
	LastLoginAt *time.Time
}

// OpenDB はDATABASE_URLに応じてデータベースに接続し、マイグレーションを適用する。
func OpenDB(ctx context.Context, databaseURL string, dialect migration.Dialect, logger *zap.Logger) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case migration.DialectPostgres:
		db, err = sql.Open("pgx", databaseURL)
	default:
		db, err = sql.Open("sqlite", sqliteDSN(databaseURL))
		if err == nil && strings.Contains(databaseURL, ":memory:") {
			// :memory:は接続ごとに別のDBになるため1接続に固定する
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	if err := migration.Run(db, dialect, migrationsFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return db, nil
}

// sqliteDSN はファイルパスにWALモードとビジータイムアウトのプラグマを付与する。
func sqliteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// UserStore はユーザーの永続化を行う。
type UserStore struct {
	db      *sql.DB
	dialect migration.Dialect
}

// NewUserStore はUserStoreを生成する。
func NewUserStore(db *sql.DB, dialect migration.Dialect) *UserStore {
	return &UserStore{db: db, dialect: dialect}
}

// Create はユーザーを登録する。ユーザー名またはメールアドレスが重複する場合はErrUserAlreadyExistsを返す。
func (s *UserStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, username, email, password_hash, role, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		u.ID, u.Username, u.Email, u.PasswordHash, u.Role, u.IsActive, u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUserAlreadyExists
		}
		return fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	return nil
}

// FindByEmail はメールアドレスでユーザーを検索する。
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.findOne(ctx, "email", email)
}

// FindByID はIDでユーザーを検索する。
func (s *UserStore) FindByID(ctx context.Context, id string) (*User, error) {
	return s.findOne(ctx, "id", id)
}

// TouchLastLogin は最終ログイン日時を更新する。
func (s *UserStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE users SET last_login_at = ? WHERE id = ?`), at, id)
	if err != nil {
		return fmt.Errorf("最終ログイン日時の更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("最終ログイン日時の更新に失敗: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Ping はデータベースへの疎通を確認する。
func (s *UserStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// findOne は指定カラムの値でユーザーを1件検索する。columnは固定値のみ渡すこと。
func (s *UserStore) findOne(ctx context.Context, column, value string) (*User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, username, email, password_hash, role, is_active, created_at, last_login_at
		FROM users WHERE `+column+` = ?`), value)

	var (
		u         User
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

// rebind はPostgreSQLの場合にプレースホルダーを?から$nに置き換える。
func (s *UserStore) rebind(query string) string {
	if s.dialect != migration.DialectPostgres {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation は一意制約違反のエラーかどうかを判定する。
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
