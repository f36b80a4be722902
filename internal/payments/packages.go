package payments

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// PayloadPrefix starts every invoice payload this bot issues.
const PayloadPrefix = "mentorship_"

// PackageRule maps a package identifier fragment to the lesson it buys.
type PackageRule struct {
	Match           string `json:"match"`
	LessonType      string `json:"lesson_type"`
	DurationMinutes int    `json:"duration_minutes"`
}

// Lesson is what a paid package schedules.
type Lesson struct {
	Type            string
	DurationMinutes int
}

// DefaultLesson applies when no rule matches.
var DefaultLesson = Lesson{Type: "Индивидуальное занятие", DurationMinutes: 120}

// DefaultPackages is the built-in table. Rules are tried in order.
func DefaultPackages() []PackageRule {
	return []PackageRule{
		{Match: "3 занятия", LessonType: "Пакет из 3 занятий", DurationMinutes: 360},
		{Match: "месяц", LessonType: "Месяц обучения", DurationMinutes: 480},
		{Match: "1 занятие", LessonType: "Индивидуальное занятие", DurationMinutes: 120},
	}
}

// Catalog holds the package table. Rules can be swapped at runtime.
type Catalog struct {
	rules atomic.Pointer[[]PackageRule]
}

func NewCatalog(rules []PackageRule) *Catalog {
	c := &Catalog{}
	c.SetRules(rules)
	return c
}

// SetRules replaces the table; an empty table restores the defaults.
func (c *Catalog) SetRules(rules []PackageRule) {
	if len(rules) == 0 {
		rules = DefaultPackages()
	}
	cp := make([]PackageRule, 0, len(rules))
	for _, r := range rules {
		if r.Match == "" || r.DurationMinutes <= 0 {
			continue
		}
		cp = append(cp, r)
	}
	c.rules.Store(&cp)
}

func (c *Catalog) Rules() []PackageRule {
	return append([]PackageRule(nil), (*c.rules.Load())...)
}

// Derive maps an invoice payload to its lesson by case-insensitive substring
// match on the package identifier. Pure with respect to the current table.
func (c *Catalog) Derive(payload string) Lesson {
	id := strings.ToLower(PackageID(payload))
	for _, r := range *c.rules.Load() {
		if strings.Contains(id, strings.ToLower(r.Match)) {
			return Lesson{Type: r.LessonType, DurationMinutes: r.DurationMinutes}
		}
	}
	return DefaultLesson
}

// InvoicePayload builds the payload for the n-th purchase of cta by userID.
// The first purchase carries no suffix.
func InvoicePayload(userID int64, cta string, n int) string {
	p := fmt.Sprintf("%s%d_%s", PayloadPrefix, userID, cta)
	if n > 1 {
		p += "#" + strconv.Itoa(n)
	}
	return p
}

// PackageID strips the "mentorship_{uid}_" prefix and any "#n" repeat
// suffix. Foreign payloads are returned as-is.
func PackageID(payload string) string {
	id := payload
	if rest, ok := strings.CutPrefix(id, PayloadPrefix); ok {
		if i := strings.IndexByte(rest, '_'); i >= 0 {
			if _, err := strconv.ParseInt(rest[:i], 10, 64); err == nil {
				id = rest[i+1:]
			}
		}
	}
	if i := strings.LastIndexByte(id, '#'); i >= 0 {
		if _, err := strconv.Atoi(id[i+1:]); err == nil {
			id = id[:i]
		}
	}
	return id
}
