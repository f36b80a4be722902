package docs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSearchRanksTitleBeforeKeywordsAndContent(t *testing.T) {
	x := NewIndex([]Entry{
		{Category: "A", Title: "Intro", Content: "routers split bundles"},
		{Category: "A", Title: "Filters", Keywords: "router, filter"},
		{Category: "B", Title: "Router basics"},
	})

	got := x.Search("ROUTER", 10)
	if len(got) != 3 {
		t.Fatalf("got %d hits, want 3", len(got))
	}
	want := []string{"Router basics", "Filters", "Intro"}
	for i, w := range want {
		if got[i].Title != w {
			t.Errorf("hit %d = %q, want %q", i, got[i].Title, w)
		}
	}
}

func TestSearchLimitAndEmptyQuery(t *testing.T) {
	x := NewIndex(nil)
	if got := x.Search("", 3); got != nil {
		t.Errorf("empty query returned %d hits", len(got))
	}
	if got := x.Search("а", 2); len(got) != 2 {
		t.Errorf("limit not applied: %d hits", len(got))
	}
	if got := x.Search("kubernetes", 3); len(got) != 0 {
		t.Errorf("unexpected hits: %+v", got)
	}
}

func TestCategoriesFirstSeenOrder(t *testing.T) {
	x := NewIndex(nil)
	got := x.Categories()
	if len(got) != 2 || got[0] != "Основы" || got[1] != "Продвинутые" {
		t.Fatalf("categories = %v", got)
	}
	x.Add(Entry{Category: "Интеграции", Title: "Webhooks"})
	if got := x.Categories(); len(got) != 3 || got[2] != "Интеграции" {
		t.Fatalf("categories after add = %v", got)
	}
}

func TestLoadFileAppendsToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.json5")
	data := `[
	  // extra article
	  {category: "Интеграции", title: "Webhooks", content: "Мгновенные триггеры", keywords: "webhook", difficulty_level: "intermediate"},
	]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	x, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if x.Len() != len(DefaultEntries())+1 {
		t.Errorf("Len = %d", x.Len())
	}
	hits := x.Search("webhook", 1)
	if len(hits) != 1 || hits[0].Level != LevelIntermediate {
		t.Errorf("hits = %+v", hits)
	}
}
