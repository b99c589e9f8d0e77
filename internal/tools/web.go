package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"github.com/tmc/langchaingo/tools/duckduckgo"
)

// maxFetchedContent caps extracted page text to keep token usage bounded.
const maxFetchedContent = 50000

// FetchTool fetches a webpage and extracts its main content as clean text.
type FetchTool struct {
	Client    *http.Client
	UserAgent string
}

// NewFetchTool creates a fetch tool with a bounded request timeout.
func NewFetchTool() *FetchTool {
	return &FetchTool{
		Client:    &http.Client{Timeout: 30 * time.Second},
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	}
}

func (f *FetchTool) Name() string {
	return "web_fetch"
}

func (f *FetchTool) Description() string {
	return "Fetch a webpage URL and extract the main content as clean text."
}

func (f *FetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The full URL of the webpage to fetch (e.g., https://example.com/article)",
			},
		},
		"required": []string{"url"},
	}
}

func (f *FetchTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", fmt.Errorf("invalid input: %v", err)
	}

	parsedURL, err := url.Parse(args.URL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := f.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch URL: status code %d", resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, parsedURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse article: %v", err)
	}

	// Strip any markup readability let through.
	content := bluemonday.StrictPolicy().Sanitize(article.TextContent)
	if len(content) > maxFetchedContent {
		content = content[:maxFetchedContent] + "\n... (content truncated) ..."
	}

	title := article.Title
	if title == "" {
		title = parsedURL.Hostname()
	}
	// The SOURCE line carries the link in markdown form so it lands in the
	// execution's source set.
	output := fmt.Sprintf("SOURCE: [%s](%s)\n", title, args.URL)
	if article.Excerpt != "" {
		output += fmt.Sprintf("EXCERPT: %s\n", article.Excerpt)
	}
	output += "\n-- CONTENT --\n" + content
	return output, nil
}

// SearchTool searches the web for real-time information.
type SearchTool struct {
	client *duckduckgo.Tool
}

// NewSearchTool creates a DuckDuckGo-backed search tool.
func NewSearchTool() (*SearchTool, error) {
	ddg, err := duckduckgo.New(10, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, err
	}
	return &SearchTool{client: ddg}, nil
}

func (s *SearchTool) Name() string {
	return "web_search"
}

func (s *SearchTool) Description() string {
	return "Search the web using DuckDuckGo for real-time information."
}

func (s *SearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query to look up",
			},
		},
		"required": []string{"query"},
	}
}

func (s *SearchTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", fmt.Errorf("invalid input: %v", err)
	}

	res, err := s.client.Call(ctx, args.Query)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	return res, nil
}
