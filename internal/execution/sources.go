package execution

import "regexp"

// SourceLink is a URL with provenance metadata discovered during tool use.
type SourceLink struct {
	URL             string `json:"url"`
	Title           string `json:"title,omitempty"`
	Tool            string `json:"tool,omitempty"`
	DiscoveryMethod string `json:"discovery_method,omitempty"`
}

// ReconcileSourceLinks dedupes links by exact URL match, preserving first
// occurrence order. Case is preserved; no normalization is applied.
// Reconciling an already reconciled list yields the same result.
func ReconcileSourceLinks(links []SourceLink) []SourceLink {
	seen := make(map[string]bool, len(links))
	out := make([]SourceLink, 0, len(links))
	for _, l := range links {
		if l.URL == "" || seen[l.URL] {
			continue
		}
		seen[l.URL] = true
		out = append(out, l)
	}
	return out
}

var (
	markdownLinkPattern = regexp.MustCompile(`\[([^\]]*)\]\((https?://[^)\s]+)\)`)
	rawURLPattern       = regexp.MustCompile(`https?://[^\s<>()\[\]"']+`)
)

// ExtractSourceLinks pulls URLs out of tool output. Markdown links carry
// their link text as title; bare URLs are recorded without one.
func ExtractSourceLinks(text, tool string) []SourceLink {
	var links []SourceLink
	covered := make(map[string]bool)

	for _, m := range markdownLinkPattern.FindAllStringSubmatch(text, -1) {
		links = append(links, SourceLink{
			URL:             m[2],
			Title:           m[1],
			Tool:            tool,
			DiscoveryMethod: "markdown_link",
		})
		covered[m[2]] = true
	}
	for _, url := range rawURLPattern.FindAllString(text, -1) {
		if covered[url] {
			continue
		}
		links = append(links, SourceLink{
			URL:             url,
			Tool:            tool,
			DiscoveryMethod: "raw_url",
		})
		covered[url] = true
	}
	return ReconcileSourceLinks(links)
}
