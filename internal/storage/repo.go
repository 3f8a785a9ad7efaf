package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

func (s *Store) EnsureChat(ctx context.Context, chatID int64, chatType, title string) error {
	if chatType == "" {
		chatType = "unknown"
	}
	q := s.sql.Insert("chats").
		Columns("id", "type", "title").
		Values(chatID, chatType, title).
		Suffix("ON CONFLICT(id) DO UPDATE SET type=excluded.type, title=excluded.title")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build ensure chat query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("ensure chat: %w", err)
	}
	return nil
}

func (s *Store) SetAdminCache(ctx context.Context, chatID, userID int64, isAdmin bool) error {
	q := s.sql.Insert("chat_admin_cache").
		Columns("chat_id", "user_id", "is_admin", "updated_at").
		Values(chatID, userID, isAdmin, nowExpr(s.driver)).
		Suffix("ON CONFLICT(chat_id, user_id) DO UPDATE SET is_admin=excluded.is_admin, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set admin cache query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set admin cache: %w", err)
	}
	return nil
}

func (s *Store) GetAdminCache(ctx context.Context, chatID, userID int64) (isAdmin bool, found bool, err error) {
	q := s.sql.Select("is_admin").
		From("chat_admin_cache").
		Where(sq.Eq{"chat_id": chatID, "user_id": userID})
	query, args, err := q.ToSql()
	if err != nil {
		return false, false, fmt.Errorf("build get admin cache query: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&isAdmin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("get admin cache: %w", err)
	}
	return isAdmin, true, nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("chat_id", "user_id", "action", "meta_json").
		Values(e.ChatID, e.UserID, e.Action, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) LogUsage(ctx context.Context, e UsageEntry) error {
	q := s.sql.Insert("usage_log").
		Columns("chat_id", "user_id", "kind", "provider", "model", "ok", "error", "latency_ms").
		Values(e.ChatID, e.UserID, e.Kind, e.Provider, e.Model, e.OK, truncate(e.Error, 500), e.LatencyMS)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build usage insert query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert usage entry: %w", err)
	}
	return nil
}

// UsageStats aggregates recent usage for a chat, most active pairs first.
func (s *Store) UsageStats(ctx context.Context, chatID int64, limit uint64) ([]UsageStat, error) {
	if limit == 0 {
		limit = 10
	}
	q := s.sql.Select(
		"kind",
		"provider",
		"model",
		"COUNT(*) AS cnt",
		"SUM(CASE WHEN ok THEN 0 ELSE 1 END) AS failures",
	).
		From("usage_log").
		Where(sq.Eq{"chat_id": chatID}).
		GroupBy("kind", "provider", "model").
		OrderBy("cnt DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build usage stats query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("usage stats: %w", err)
	}
	defer rows.Close()

	out := make([]UsageStat, 0)
	for rows.Next() {
		var st UsageStat
		if err := rows.Scan(&st.Kind, &st.Provider, &st.Model, &st.Count, &st.Failures); err != nil {
			return nil, fmt.Errorf("scan usage stat row: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage stat rows: %w", err)
	}
	return out, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
