// Package docs is the small Make.com reference the /docs command searches.
package docs

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/titanous/json5"
)

// Difficulty levels.
const (
	LevelBeginner     = "beginner"
	LevelIntermediate = "intermediate"
	LevelAdvanced     = "advanced"
)

// Entry is one documentation article.
type Entry struct {
	Category string `json:"category"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Keywords string `json:"keywords"` // comma separated
	Level    string `json:"difficulty_level"`
}

// Index is an in-memory article list searched by substring, the way a
// LIKE '%q%' query over title, content and keywords would be.
type Index struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewIndex returns an index over entries; nil means DefaultEntries.
func NewIndex(entries []Entry) *Index {
	if entries == nil {
		entries = DefaultEntries()
	}
	return &Index{entries: append([]Entry(nil), entries...)}
}

// LoadFile reads a JSON5 array of entries. The built-in articles are kept
// and the file's entries are appended after them.
func LoadFile(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read docs file: %w", err)
	}
	var extra []Entry
	if err := json5.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("parse docs file %s: %w", path, err)
	}
	return NewIndex(append(DefaultEntries(), extra...)), nil
}

// Add appends an article.
func (x *Index) Add(e Entry) {
	if e.Level == "" {
		e.Level = LevelBeginner
	}
	x.mu.Lock()
	x.entries = append(x.entries, e)
	x.mu.Unlock()
}

// Categories returns the distinct categories in first-seen order.
func (x *Index) Categories() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, e := range x.entries {
		if !seen[e.Category] {
			seen[e.Category] = true
			out = append(out, e.Category)
		}
	}
	return out
}

// Search returns up to limit articles matching query case-insensitively.
// Title matches rank first, then keyword matches, then content matches.
func (x *Index) Search(query string, limit int) []Entry {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || limit <= 0 {
		return nil
	}

	x.mu.RLock()
	type hit struct {
		e    Entry
		rank int
		pos  int
	}
	var hits []hit
	for i, e := range x.entries {
		rank := -1
		switch {
		case strings.Contains(strings.ToLower(e.Title), q):
			rank = 0
		case strings.Contains(strings.ToLower(e.Keywords), q):
			rank = 1
		case strings.Contains(strings.ToLower(e.Content), q):
			rank = 2
		}
		if rank >= 0 {
			hits = append(hits, hit{e: e, rank: rank, pos: i})
		}
	}
	x.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].rank != hits[j].rank {
			return hits[i].rank < hits[j].rank
		}
		return hits[i].pos < hits[j].pos
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Entry, len(hits))
	for i, h := range hits {
		out[i] = h.e
	}
	return out
}

// Len reports the number of articles.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// DefaultEntries is the built-in reference.
func DefaultEntries() []Entry {
	return []Entry{
		{
			Category: "Основы",
			Title:    "Что такое Make.com",
			Content:  "Make.com (ранее Integromat) - это платформа для автоматизации рабочих процессов. Позволяет соединять различные приложения и сервисы без программирования.",
			Keywords: "make, integromat, автоматизация, workflow",
			Level:    LevelBeginner,
		},
		{
			Category: "Основы",
			Title:    "Модули и соединения",
			Content:  "Модули - это блоки, представляющие действия в приложениях. Соединения (connections) связывают модули и определяют поток данных между ними.",
			Keywords: "модули, connections, соединения, блоки",
			Level:    LevelBeginner,
		},
		{
			Category: "Основы",
			Title:    "Сценарии (Scenarios)",
			Content:  "Сценарий - это последовательность модулей, которая выполняет определенную задачу автоматизации. Сценарии запускаются по триггерам или расписанию.",
			Keywords: "сценарии, scenarios, триггеры, расписание",
			Level:    LevelBeginner,
		},
		{
			Category: "Продвинутые",
			Title:    "Обработка ошибок",
			Content:  "В Make.com важно настроить обработку ошибок через модули Error Handler и Router. Это предотвращает сбои сценариев и обеспечивает надежность.",
			Keywords: "ошибки, error handler, router, обработка ошибок",
			Level:    LevelIntermediate,
		},
		{
			Category: "Продвинутые",
			Title:    "Оптимизация производительности",
			Content:  "Для оптимизации используйте фильтры, ограничения и правильное планирование выполнения. Избегайте избыточных операций и используйте кэширование.",
			Keywords: "оптимизация, производительность, фильтры, кэширование",
			Level:    LevelAdvanced,
		},
	}
}
