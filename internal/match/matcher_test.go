package match

import (
	"reflect"
	"testing"

	"vaultpass/internal/items"
)

func loginItem(id string, lastUse int64, urls ...string) items.Item {
	return items.Item{
		ItemID:      id,
		LastUseTime: lastUse,
		Content:     items.Content{Type: items.TypeLogin, Name: id, URLs: urls},
	}
}

func TestSubdomainScoresUnrelatedDoesNot(t *testing.T) {
	item := loginItem("i1", 0, "https://mail.example.com", "https://unrelated.io")
	res, err := Rank([]items.Item{item}, []string{"example.com"})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(res.Matched) != 1 {
		t.Fatalf("expected item matched via subdomain, got %d matches", len(res.Matched))
	}
	// only the subdomain pair contributes
	if res.Matched[0].Score != scoreRelatedDomain {
		t.Fatalf("expected score %d, got %d", scoreRelatedDomain, res.Matched[0].Score)
	}
}

func TestExactHostBeatsRelatedDomain(t *testing.T) {
	exact := loginItem("exact", 0, "https://login.example.com/path")
	related := loginItem("related", 9999, "https://example.com")
	res, err := Rank([]items.Item{related, exact}, []string{"login.example.com"})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(res.Matched) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(res.Matched))
	}
	if res.Matched[0].Item.ItemID != "exact" {
		t.Fatalf("expected exact host first despite older last-use, got %s", res.Matched[0].Item.ItemID)
	}
}

func TestTieBrokenByLastUse(t *testing.T) {
	older := loginItem("older", 100, "https://example.com")
	newer := loginItem("newer", 200, "https://example.com")
	res, err := Rank([]items.Item{older, newer}, []string{"example.com"})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if res.Matched[0].Item.ItemID != "newer" {
		t.Fatalf("expected most recently used first, got %s", res.Matched[0].Item.ItemID)
	}
}

func TestRankDeterministic(t *testing.T) {
	candidates := []items.Item{
		loginItem("a", 0, "https://mail.example.com", "https://unrelated.io"),
		loginItem("b", 0, "https://example.com"),
		loginItem("c", 0, "https://elsewhere.net"),
	}
	first, err := Rank(candidates, []string{"example.com"})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Rank(candidates, []string{"example.com"})
		if err != nil {
			t.Fatalf("rank: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d produced a different ordering", i)
		}
	}
	if len(first.Matched) != 2 || len(first.Unmatched) != 1 {
		t.Fatalf("expected 2 matched / 1 unmatched, got %d/%d", len(first.Matched), len(first.Unmatched))
	}
	if first.Unmatched[0].ItemID != "c" {
		t.Fatalf("expected c unmatched, got %s", first.Unmatched[0].ItemID)
	}
}

func TestBareIdentifierGetsDefaultScheme(t *testing.T) {
	u, err := NormalizeIdentifier("example.com")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if u.Scheme != "https" || u.Hostname() != "example.com" {
		t.Fatalf("unexpected normalization: %s", u)
	}
}

func TestAssociateAppendsOnce(t *testing.T) {
	content := items.Content{Type: items.TypeLogin, URLs: []string{"https://old.test"}}
	got, err := Associate(content, "new.test")
	if err != nil {
		t.Fatalf("associate: %v", err)
	}
	want := []string{"https://old.test", "https://new.test"}
	if !reflect.DeepEqual(got.URLs, want) {
		t.Fatalf("urls = %v, want %v", got.URLs, want)
	}
	// original content untouched
	if len(content.URLs) != 1 {
		t.Fatal("associate mutated its input")
	}
	again, err := Associate(got, "https://new.test")
	if err != nil {
		t.Fatalf("associate twice: %v", err)
	}
	if !reflect.DeepEqual(again.URLs, want) {
		t.Fatalf("expected idempotent associate, got %v", again.URLs)
	}
}
