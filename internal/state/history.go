package state

import (
	"time"

	"polybot/internal/providers"
)

// History bounds. Oldest turns drop first within a session; the
// least-recently-written session drops first globally.
const (
	maxSessionTurns = 50
	maxSessionBytes = 64 << 10
	maxSessions     = 200
	maxTotalBytes   = 2 << 20
)

func turnSize(t providers.Turn) int {
	return len(t.Role) + len(t.Content)
}

// AppendTurn adds a turn to a session, creating the session on first write,
// then enforces per-session and global bounds.
func (s *Store) AppendTurn(sessionID, role, content string) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	turns := append(s.doc.Histories[sessionID], providers.Turn{Role: role, Content: content})

	size := 0
	for _, t := range turns {
		size += turnSize(t)
	}
	for len(turns) > maxSessionTurns || size > maxSessionBytes {
		size -= turnSize(turns[0])
		turns = turns[1:]
	}

	s.doc.Histories[sessionID] = turns
	s.doc.HistoryMeta[sessionID] = SessionMeta{LastWrite: now, Bytes: size}

	if evicted := s.evictSessionsLocked(); evicted > 0 && s.metrics != nil {
		s.metrics.HistoryEvictions.Add(float64(evicted))
	}
	s.markDirty()
}

// evictSessionsLocked drops whole sessions, oldest last-write first, until
// global count and byte bounds hold. Returns how many sessions were dropped.
func (s *Store) evictSessionsLocked() int {
	total := 0
	for _, meta := range s.doc.HistoryMeta {
		total += meta.Bytes
	}
	evicted := 0
	for len(s.doc.Histories) > maxSessions || total > maxTotalBytes {
		oldestID := ""
		var oldest time.Time
		for id, meta := range s.doc.HistoryMeta {
			if oldestID == "" || meta.LastWrite.Before(oldest) {
				oldestID = id
				oldest = meta.LastWrite
			}
		}
		if oldestID == "" {
			break
		}
		total -= s.doc.HistoryMeta[oldestID].Bytes
		delete(s.doc.Histories, oldestID)
		delete(s.doc.HistoryMeta, oldestID)
		evicted++
	}
	return evicted
}

// History returns a copy of a session's turns in order.
func (s *Store) History(sessionID string) []providers.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.doc.Histories[sessionID]
	out := make([]providers.Turn, len(turns))
	copy(out, turns)
	return out
}

// ClearHistory destroys a session.
func (s *Store) ClearHistory(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Histories[sessionID]; !ok {
		return
	}
	delete(s.doc.Histories, sessionID)
	delete(s.doc.HistoryMeta, sessionID)
	s.markDirty()
}

// SessionCount reports how many sessions currently exist.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Histories)
}
