// Package sessions keeps the bounded per-user conversation window sent to
// the conversation backend.
package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/mentorbot/internal/providers"
)

const DefaultHistoryCap = 10

// Session stores one user's conversation history, system entry excluded.
type Session struct {
	UserID   int64               `json:"userId"`
	Messages []providers.Message `json:"messages"`
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`
}

// Manager owns every user's window. The stored history never exceeds the
// cap; the system preamble is prepended on read and never stored.
type Manager struct {
	sessions map[int64]*Session
	mu       sync.RWMutex
	storage  string
	cap      int
	preamble string
}

// NewManager creates a manager. A non-empty storage dir enables persistence
// across restarts.
func NewManager(storage string, historyCap int, preamble string) *Manager {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	m := &Manager{
		sessions: make(map[int64]*Session),
		storage:  storage,
		cap:      historyCap,
		preamble: preamble,
	}
	if storage != "" {
		if err := os.MkdirAll(storage, 0755); err != nil {
			slog.Warn("sessions: create storage dir", "dir", storage, "error", err)
		}
		m.loadAll()
	}
	return m
}

// SetCap changes the cap; existing windows are trimmed on their next append.
func (m *Manager) SetCap(historyCap int) {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	m.mu.Lock()
	m.cap = historyCap
	m.mu.Unlock()
}

// SetPreamble replaces the system entry.
func (m *Manager) SetPreamble(preamble string) {
	m.mu.Lock()
	m.preamble = preamble
	m.mu.Unlock()
}

// Window returns the system preamble followed by a copy of the user's
// history, oldest first.
func (m *Manager) Window(userID int64) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var msgs []providers.Message
	if m.preamble != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: m.preamble})
	}
	if s, ok := m.sessions[userID]; ok {
		msgs = append(msgs, s.Messages...)
	}
	return msgs
}

// AppendExchange records a completed user/assistant exchange and evicts the
// oldest entries beyond the cap.
func (m *Manager) AppendExchange(userID int64, userText, assistantText string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	s, ok := m.sessions[userID]
	if !ok {
		s = &Session{UserID: userID, Created: now}
		m.sessions[userID] = s
	}
	s.Messages = append(s.Messages,
		providers.Message{Role: "user", Content: userText},
		providers.Message{Role: "assistant", Content: assistantText},
	)
	if len(s.Messages) > m.cap {
		trimmed := make([]providers.Message, m.cap)
		copy(trimmed, s.Messages[len(s.Messages)-m.cap:])
		s.Messages = trimmed
	}
	s.Updated = now
}

// HistoryLen reports the stored entry count, system entry excluded.
func (m *Manager) HistoryLen(userID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[userID]; ok {
		return len(s.Messages)
	}
	return 0
}

// Reset forgets a user's conversation, including any persisted copy.
func (m *Manager) Reset(userID int64) error {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()

	if m.storage == "" {
		return nil
	}
	err := os.Remove(m.path(userID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// Len reports the number of users with history.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Save persists a user's session to disk atomically.
func (m *Manager) Save(userID int64) error {
	if m.storage == "" {
		return nil
	}

	m.mu.RLock()
	s, ok := m.sessions[userID]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	snapshot := Session{
		UserID:   s.UserID,
		Created:  s.Created,
		Updated:  s.Updated,
		Messages: append([]providers.Message{}, s.Messages...),
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: temp file → rename
	tmpFile, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, m.path(userID)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) path(userID int64) string {
	return filepath.Join(m.storage, fmt.Sprintf("user_%d.json", userID))
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" || !strings.HasPrefix(f.Name(), "user_") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}

		var s Session
		if err := json.Unmarshal(data, &s); err != nil || s.UserID == 0 {
			continue
		}
		if len(s.Messages) > m.cap {
			s.Messages = s.Messages[len(s.Messages)-m.cap:]
		}
		m.sessions[s.UserID] = &s
	}
}
