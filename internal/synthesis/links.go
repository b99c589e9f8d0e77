package synthesis

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/arcov/conclave/internal/logging"
)

// RemovedLinkMarker replaces a fabricated link in a synthesized answer.
const RemovedLinkMarker = "[link removed: unverified source]"

// fabricationWarning is prepended once when any link was removed.
const fabricationWarning = "> **Note:** one or more links in this answer could not be verified against the collected sources and were removed.\n\n"

var markdownLink = regexp.MustCompile(`\[([^\]]*)\]\((https?://[^)\s]+)\)`)

// fakeHostPattern matches hosts the model is known to invent: RFC 2606
// example/test domains and obvious placeholder names.
var fakeHostPattern = regexp.MustCompile(`(?i)^(?:[\w-]+\.)*(?:example\.(?:com|org|net)|test\.com|fake[\w-]*\.[a-z]{2,}|placeholder[\w-]*\.[a-z]{2,}|yoursite\.[a-z]{2,}|yourdomain\.[a-z]{2,}|some-?site\.[a-z]{2,})$`)

// looksFabricated reports whether a URL's host matches the placeholder
// pattern.
func looksFabricated(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return fakeHostPattern.MatchString(u.Hostname())
}

// ScrubFabricatedLinks removes markdown links whose URL is both absent from
// the allowed set and matches the placeholder pattern. Links outside the set
// that look real are left alone. When anything was removed, a warning banner
// is prepended and the removed URLs are returned.
func ScrubFabricatedLinks(answer string, allowed map[string]bool) (string, []string) {
	var removed []string
	out := markdownLink.ReplaceAllStringFunc(answer, func(m string) string {
		sub := markdownLink.FindStringSubmatch(m)
		if allowed[sub[2]] || !looksFabricated(sub[2]) {
			return m
		}
		removed = append(removed, sub[2])
		return RemovedLinkMarker
	})
	if len(removed) > 0 {
		out = fabricationWarning + out
	}
	return out, removed
}

// LinkInfo is what a reachability check learned about a URL.
type LinkInfo struct {
	URL    string
	Title  string
	Domain string
}

// LinkValidator checks whether a URL is reachable and extracts its title
// with a readability pass over the fetched page.
type LinkValidator struct {
	Client  *http.Client
	Logger  *logging.Logger
	Timeout time.Duration
}

// NewLinkValidator builds a validator with a bounded per-request timeout.
func NewLinkValidator(logger *logging.Logger) *LinkValidator {
	return &LinkValidator{
		Client:  &http.Client{Timeout: 10 * time.Second},
		Logger:  logger.WithComponent("links"),
		Timeout: 10 * time.Second,
	}
}

// Check fetches the URL and returns its title and domain, or nil when the
// URL is unreachable or not a readable page. Check never returns an error
// to the caller; validation is best effort.
func (v *LinkValidator) Check(ctx context.Context, raw string) *LinkInfo {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil
	}
	resp, err := v.Client.Do(req)
	if err != nil {
		v.Logger.Debug("link unreachable", map[string]interface{}{
			"url": raw, "error": err.Error(),
		})
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil
	}

	info := &LinkInfo{URL: raw, Domain: u.Hostname()}
	article, err := readability.FromReader(resp.Body, u)
	if err == nil && article.Title != "" {
		info.Title = strings.TrimSpace(article.Title)
	}
	return info
}

// FillTitles resolves missing titles on a source set, best effort. The
// input order is preserved.
func (v *LinkValidator) FillTitles(ctx context.Context, urls []string, titles map[string]string) {
	for _, u := range urls {
		if titles[u] != "" {
			continue
		}
		if info := v.Check(ctx, u); info != nil && info.Title != "" {
			titles[u] = info.Title
		}
	}
}
