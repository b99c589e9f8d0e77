package synthesis

import (
	"strings"
	"testing"
)

func TestScrubFabricatedLinks(t *testing.T) {
	allowed := map[string]bool{
		"https://go.dev/blog/loopvar": true,
		"https://example.com/allowed": true,
	}

	tests := []struct {
		name        string
		answer      string
		wantRemoved int
		wantKept    string
	}{
		{
			name:        "link in reconciled set kept",
			answer:      "See [the blog](https://go.dev/blog/loopvar).",
			wantRemoved: 0,
			wantKept:    "https://go.dev/blog/loopvar",
		},
		{
			name:        "fake domain in set kept",
			answer:      "See [allowed](https://example.com/allowed).",
			wantRemoved: 0,
			wantKept:    "https://example.com/allowed",
		},
		{
			name:        "fake domain outside set removed",
			answer:      "See [made up](https://example.com/fabricated) for details.",
			wantRemoved: 1,
		},
		{
			name:        "placeholder host removed",
			answer:      "Read [docs](https://yoursite.com/docs).",
			wantRemoved: 1,
		},
		{
			name:        "real-looking URL outside set kept",
			answer:      "Compare [upstream](https://github.com/golang/go/issues/60078).",
			wantRemoved: 0,
			wantKept:    "https://github.com/golang/go/issues/60078",
		},
		{
			name:        "plain text untouched",
			answer:      "No links at all.",
			wantRemoved: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, removed := ScrubFabricatedLinks(tt.answer, allowed)
			if len(removed) != tt.wantRemoved {
				t.Fatalf("removed %d links (%v), want %d", len(removed), removed, tt.wantRemoved)
			}
			if tt.wantKept != "" && !strings.Contains(out, tt.wantKept) {
				t.Errorf("expected %q kept in %q", tt.wantKept, out)
			}
			if tt.wantRemoved > 0 {
				if !strings.Contains(out, RemovedLinkMarker) {
					t.Errorf("expected removal marker in %q", out)
				}
				if !strings.HasPrefix(out, ">") {
					t.Errorf("expected warning banner prepended: %q", out)
				}
			} else if strings.Contains(out, RemovedLinkMarker) {
				t.Errorf("unexpected removal in %q", out)
			}
		})
	}
}

func TestLooksFabricated(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/page", true},
		{"https://sub.example.org/x", true},
		{"https://test.com/a", true},
		{"https://fake-news.io/b", true},
		{"https://placeholder-site.net/c", true},
		{"https://yourdomain.com", true},
		{"https://go.dev/blog", false},
		{"https://news.ycombinator.com/item?id=1", false},
		{"https://exampleshop.com/p", false}, // not an RFC 2606 host
		{"not a url", false},
	}
	for _, tt := range tests {
		if got := looksFabricated(tt.url); got != tt.want {
			t.Errorf("looksFabricated(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
