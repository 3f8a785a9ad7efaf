package storage

import "time"

type Chat struct {
	ID        int64
	Type      string
	Title     string
	CreatedAt time.Time
}

type AuditEntry struct {
	ChatID   int64
	UserID   int64
	Action   string
	MetaJSON string
}

// UsageEntry records one gateway invocation for accounting and /status.
type UsageEntry struct {
	ChatID    int64
	UserID    int64
	Kind      string
	Provider  string
	Model     string
	OK        bool
	Error     string
	LatencyMS int64
	CreatedAt time.Time
}

// UsageStat is an aggregate row for a (kind, model) pair.
type UsageStat struct {
	Kind     string
	Provider string
	Model    string
	Count    int64
	Failures int64
}
