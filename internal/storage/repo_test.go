package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func testDB(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), Options{Driver: "sqlite", DSN: dsn, AutoMigrate: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureChatUpsert(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	if err := s.EnsureChat(ctx, 42, "group", "Ops"); err != nil {
		t.Fatalf("EnsureChat: %v", err)
	}
	// Re-upsert with new attributes must not error and must overwrite.
	if err := s.EnsureChat(ctx, 42, "supergroup", "Ops v2"); err != nil {
		t.Fatalf("EnsureChat update: %v", err)
	}

	var chatType, title string
	err := s.DB().QueryRowContext(ctx, "SELECT type, title FROM chats WHERE id = ?", 42).Scan(&chatType, &title)
	if err != nil {
		t.Fatalf("select chat: %v", err)
	}
	if chatType != "supergroup" || title != "Ops v2" {
		t.Fatalf("chat = %q %q", chatType, title)
	}
}

func TestAdminCache(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	if _, found, err := s.GetAdminCache(ctx, 1, 2); err != nil || found {
		t.Fatalf("empty cache: found=%v err=%v", found, err)
	}

	if err := s.SetAdminCache(ctx, 1, 2, true); err != nil {
		t.Fatalf("SetAdminCache: %v", err)
	}
	isAdmin, found, err := s.GetAdminCache(ctx, 1, 2)
	if err != nil || !found || !isAdmin {
		t.Fatalf("cached admin: isAdmin=%v found=%v err=%v", isAdmin, found, err)
	}

	if err := s.SetAdminCache(ctx, 1, 2, false); err != nil {
		t.Fatalf("SetAdminCache update: %v", err)
	}
	isAdmin, found, err = s.GetAdminCache(ctx, 1, 2)
	if err != nil || !found || isAdmin {
		t.Fatalf("updated admin: isAdmin=%v found=%v err=%v", isAdmin, found, err)
	}
}

func TestLogActionSanitizesMeta(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	if err := s.LogAction(ctx, AuditEntry{ChatID: 1, UserID: 2, Action: "llm_add", MetaJSON: "not json"}); err != nil {
		t.Fatalf("LogAction: %v", err)
	}
	var meta string
	if err := s.DB().QueryRowContext(ctx, "SELECT meta_json FROM audit_log WHERE action = ?", "llm_add").Scan(&meta); err != nil {
		t.Fatalf("select audit: %v", err)
	}
	if meta != "{}" {
		t.Fatalf("meta = %q, want sanitized {}", meta)
	}
}

func TestUsageStats(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	entries := []UsageEntry{
		{ChatID: 1, UserID: 2, Kind: "chat", Provider: "acme", Model: "gpt-4o-mini", OK: true, LatencyMS: 120},
		{ChatID: 1, UserID: 2, Kind: "chat", Provider: "acme", Model: "gpt-4o-mini", OK: false, Error: "boom"},
		{ChatID: 1, UserID: 2, Kind: "chat", Provider: "acme", Model: "gpt-4o-mini", OK: true},
		{ChatID: 1, UserID: 3, Kind: "image", Provider: "acme", Model: "dall-e-3", OK: true},
		{ChatID: 9, UserID: 2, Kind: "chat", Provider: "other", Model: "m", OK: true},
	}
	for i, e := range entries {
		if err := s.LogUsage(ctx, e); err != nil {
			t.Fatalf("LogUsage #%d: %v", i, err)
		}
	}

	stats, err := s.UsageStats(ctx, 1, 10)
	if err != nil {
		t.Fatalf("UsageStats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	top := stats[0]
	if top.Kind != "chat" || top.Model != "gpt-4o-mini" || top.Count != 3 || top.Failures != 1 {
		t.Fatalf("top stat = %+v", top)
	}
	if stats[1].Kind != "image" || stats[1].Count != 1 || stats[1].Failures != 0 {
		t.Fatalf("second stat = %+v", stats[1])
	}
}

func TestLogUsageTruncatesError(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	long := strings.Repeat("e", 900)
	if err := s.LogUsage(ctx, UsageEntry{ChatID: 1, UserID: 2, Kind: "chat", Error: long}); err != nil {
		t.Fatalf("LogUsage: %v", err)
	}
	var stored string
	if err := s.DB().QueryRowContext(ctx, "SELECT error FROM usage_log LIMIT 1").Scan(&stored); err != nil {
		t.Fatalf("select usage: %v", err)
	}
	if len(stored) != 500 {
		t.Fatalf("stored error length = %d, want 500", len(stored))
	}
}
