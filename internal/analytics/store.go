package analytics

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/mealprep/pkg/event"
	"github.com/nao1215/mealprep/pkg/migration"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDuplicateEvent は同じIDのイベントが既に記録されていることを表す。
var ErrDuplicateEvent = errors.New("イベントは既に記録されています")

// timeLayout はcreated_atの保存形式。固定長にして文字列比較で時系列順になるようにする。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store はイベントの永続化と集計を行う。
type Store struct {
	db *sql.DB
}

// OpenStore はSQLiteデータベースに接続し、マイグレーションを適用する。
func OpenStore(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	if err := migration.Run(db, migration.DialectSQLite, migrationsFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append はイベントを追記する。
func (s *Store) Append(ctx context.Context, ev *event.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, user_id, event_type, data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, string(ev.EventType), string(ev.Data), ev.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("イベントの追記に失敗: %w", err)
	}
	return nil
}

// ListByUser はユーザーのイベントを新しい順に最大limit件返す。
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, event_type, data, created_at
		FROM events WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗: %w", err)
	}
	defer rows.Close()

	events := make([]event.Event, 0)
	for rows.Next() {
		var (
			ev        event.Event
			eventType string
			data      string
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &eventType, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("イベントの読み込みに失敗: %w", err)
		}
		ev.EventType = event.Type(eventType)
		ev.Data = []byte(data)
		if ev.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("created_atの解析に失敗: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗: %w", err)
	}
	return events, nil
}

// Dashboard はユーザーのイベントを種別ごとに集計する。
// イベントがないユーザーでも空の集計を返す。
func (s *Store) Dashboard(ctx context.Context, userID string) (*event.Dashboard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*), MAX(created_at)
		FROM events WHERE user_id = ?
		GROUP BY event_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("イベントの集計に失敗: %w", err)
	}
	defer rows.Close()

	dashboard := &event.Dashboard{
		UserID: userID,
		Counts: make(map[event.Type]int64),
	}
	var latest string
	for rows.Next() {
		var (
			eventType string
			count     int64
			last      string
		)
		if err := rows.Scan(&eventType, &count, &last); err != nil {
			return nil, fmt.Errorf("集計結果の読み込みに失敗: %w", err)
		}
		dashboard.Counts[event.Type(eventType)] = count
		dashboard.TotalEvents += count
		if last > latest {
			latest = last
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("イベントの集計に失敗: %w", err)
	}

	if latest != "" {
		t, err := time.Parse(timeLayout, latest)
		if err != nil {
			return nil, fmt.Errorf("created_atの解析に失敗: %w", err)
		}
		dashboard.LastActivityAt = &t
	}
	return dashboard, nil
}
