// Package migration はデータベースのスキーママイグレーションを管理する。
// embed.FSからSQLファイルを読み込み、golang-migrateでバージョン管理テーブルを用いて適用状態を追跡する。
package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// Dialect はマイグレーション対象のデータベースの種類。
type Dialect string

const (
	// DialectSQLite はSQLite（modernc.org/sqlite）を表す。
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres はPostgreSQL（pgx/v5）を表す。
	DialectPostgres Dialect = "postgres"
)

// migrationsTable はバージョン管理テーブル名。
const migrationsTable = "schema_migrations"

// Run はembedされたマイグレーションファイルを順序通りに適用する。
// 未適用のマイグレーションのみ実行し、適用済みのものはスキップする。
// ファイル名形式: 000001_description.up.sql / 000001_description.down.sql
func Run(db *sql.DB, dialect Dialect, fsys fs.FS, dir string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	src, err := iofs.New(fsys, dir)
	if err != nil {
		return fmt.Errorf("マイグレーションファイルの読み込みに失敗: %w", err)
	}
	defer src.Close()

	driver, err := newDriver(db, dialect)
	if err != nil {
		return fmt.Errorf("マイグレーションドライバの作成に失敗: %w", err)
	}

	// migrate.CloseはDBも閉じるため呼ばない
	m, err := migrate.NewWithInstance("iofs", src, string(dialect), driver)
	if err != nil {
		return fmt.Errorf("マイグレータの作成に失敗: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("マイグレーションの適用に失敗: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("マイグレーションバージョンの取得に失敗: %w", err)
	}
	logger.Info("マイグレーションを適用しました",
		zap.String("dialect", string(dialect)),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

// newDriver はDialectに応じたデータベースドライバを生成する。
func newDriver(db *sql.DB, dialect Dialect) (database.Driver, error) {
	switch dialect {
	case DialectSQLite:
		return sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: migrationsTable})
	case DialectPostgres:
		return pgxmigrate.WithInstance(db, &pgxmigrate.Config{MigrationsTable: migrationsTable})
	default:
		return nil, fmt.Errorf("未対応のデータベースです: %s", dialect)
	}
}
