package execution

import (
	"reflect"
	"testing"
)

func TestReconcileSourceLinks(t *testing.T) {
	links := []SourceLink{
		{URL: "https://a.example.dev/1", Title: "first"},
		{URL: "https://b.example.dev/2"},
		{URL: "https://a.example.dev/1", Title: "duplicate, different title"},
		{URL: ""},
		{URL: "https://A.example.dev/1"}, // case differs: distinct by exact match
	}

	got := ReconcileSourceLinks(links)
	if len(got) != 3 {
		t.Fatalf("expected 3 links, got %d: %+v", len(got), got)
	}
	if got[0].Title != "first" {
		t.Errorf("first occurrence should win, got title %q", got[0].Title)
	}
	if got[2].URL != "https://A.example.dev/1" {
		t.Errorf("case-differing URL should survive, got %q", got[2].URL)
	}
}

func TestReconcileSourceLinksIdempotent(t *testing.T) {
	links := []SourceLink{
		{URL: "https://x.dev/a"},
		{URL: "https://x.dev/b"},
		{URL: "https://x.dev/a"},
	}
	once := ReconcileSourceLinks(links)
	twice := ReconcileSourceLinks(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("reconcile not idempotent: %+v vs %+v", once, twice)
	}
}

func TestExtractSourceLinks(t *testing.T) {
	text := "See [Go blog](https://go.dev/blog/loopvar) and https://pkg.go.dev/sync for details.\n" +
		"Also [Go blog](https://go.dev/blog/loopvar) again."

	links := ExtractSourceLinks(text, "web_fetch")
	if len(links) != 2 {
		t.Fatalf("expected 2 links, got %d: %+v", len(links), links)
	}
	if links[0].Title != "Go blog" || links[0].DiscoveryMethod != "markdown_link" {
		t.Errorf("unexpected markdown link: %+v", links[0])
	}
	if links[1].URL != "https://pkg.go.dev/sync" || links[1].DiscoveryMethod != "raw_url" {
		t.Errorf("unexpected raw link: %+v", links[1])
	}
	if links[0].Tool != "web_fetch" {
		t.Errorf("tool attribution missing: %+v", links[0])
	}
}

func TestExtractSourceLinksNoURLs(t *testing.T) {
	if links := ExtractSourceLinks("no links here", "t"); len(links) != 0 {
		t.Errorf("expected no links, got %+v", links)
	}
}
