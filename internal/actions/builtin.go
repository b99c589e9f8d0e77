package actions

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/muesli/reflow/wordwrap"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// defaultWebhookTimeout bounds webhook delivery when no timeout is configured.
const defaultWebhookTimeout = 10 * time.Second

// Builtin returns the full whitelisted action set.
func Builtin(webhookSecret string, webhookTimeout time.Duration) []Action {
	if webhookTimeout <= 0 {
		webhookTimeout = defaultWebhookTimeout
	}
	return []Action{
		&NormalizeText{},
		&TruncateText{},
		&ExtractStructure{},
		&ConsolidateResearch{},
		&DeliverWebhook{Secret: webhookSecret, Client: &http.Client{Timeout: webhookTimeout}},
		&ConvertDialect{},
	}
}

// NormalizeText collapses whitespace and normalizes line endings.
type NormalizeText struct{}

func (NormalizeText) Name() string      { return "normalize_text" }
func (NormalizeText) Critical() bool    { return false }
func (NormalizeText) Params() ParamSpec { return ParamSpec{} }

var multiBlank = regexp.MustCompile(`\n{3,}`)
var trailingSpace = regexp.MustCompile(`[ \t]+\n`)

func (NormalizeText) Run(ctx context.Context, data string, ec Context, params map[string]any) (string, error) {
	out := strings.ReplaceAll(data, "\r\n", "\n")
	out = strings.ReplaceAll(out, "\r", "\n")
	out = trailingSpace.ReplaceAllString(out, "\n")
	out = multiBlank.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out), nil
}

// TruncateText shortens data to max_chars at a word boundary, appending an
// ellipsis when anything was cut.
type TruncateText struct{}

func (TruncateText) Name() string   { return "truncate_text" }
func (TruncateText) Critical() bool { return false }
func (TruncateText) Params() ParamSpec {
	return ParamSpec{
		"max_chars": {Type: "int", Default: 4000},
	}
}

func (TruncateText) Run(ctx context.Context, data string, ec Context, params map[string]any) (string, error) {
	maxChars := intParam(params, "max_chars", 4000)
	if maxChars <= 0 || len(data) <= maxChars {
		return data, nil
	}
	// Wrap at the limit so the cut lands on a word boundary.
	flat := strings.Join(strings.Fields(data), " ")
	wrapped := wordwrap.String(flat, maxChars)
	head, _, found := strings.Cut(wrapped, "\n")
	if !found {
		return wrapped, nil
	}
	return head + "…", nil
}

// ExtractStructure extracts topics, news items, relevance notes, and source
// links from markdown into a JSON document.
type ExtractStructure struct{}

func (ExtractStructure) Name() string      { return "extract_structure" }
func (ExtractStructure) Critical() bool    { return false }
func (ExtractStructure) Params() ParamSpec { return ParamSpec{} }

var (
	headingPattern   = regexp.MustCompile(`(?m)^#{1,3}\s+(.+)$`)
	bulletPattern    = regexp.MustCompile(`(?m)^\s*[-*]\s+(.+)$`)
	relevancePattern = regexp.MustCompile(`(?mi)^relevance[:\s]+(.+)$`)
	mdLinkPattern    = regexp.MustCompile(`\[([^\]]*)\]\((https?://[^)\s]+)\)`)
)

type extractedStructure struct {
	Topics    []string          `json:"topics"`
	News      []string          `json:"news"`
	Relevance []string          `json:"relevance"`
	Sources   []extractedSource `json:"sources"`
}

type extractedSource struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

func (ExtractStructure) Run(ctx context.Context, data string, ec Context, params map[string]any) (string, error) {
	s := extractedStructure{
		Topics:    []string{},
		News:      []string{},
		Relevance: []string{},
		Sources:   []extractedSource{},
	}
	for _, m := range headingPattern.FindAllStringSubmatch(data, -1) {
		s.Topics = append(s.Topics, strings.TrimSpace(m[1]))
	}
	for _, m := range bulletPattern.FindAllStringSubmatch(data, -1) {
		s.News = append(s.News, strings.TrimSpace(m[1]))
	}
	for _, m := range relevancePattern.FindAllStringSubmatch(data, -1) {
		s.Relevance = append(s.Relevance, strings.TrimSpace(m[1]))
	}
	for _, m := range mdLinkPattern.FindAllStringSubmatch(data, -1) {
		s.Sources = append(s.Sources, extractedSource{Title: m[1], URL: m[2]})
	}

	out, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ConsolidateResearch merges multi-agent research sections, dropping sections
// that are near-duplicates of earlier ones. Similarity is measured as
// 1 - levenshtein/maxLen over the section pair.
type ConsolidateResearch struct{}

func (ConsolidateResearch) Name() string   { return "consolidate_research" }
func (ConsolidateResearch) Critical() bool { return false }
func (ConsolidateResearch) Params() ParamSpec {
	return ParamSpec{
		"separator":  {Type: "string", Default: "\n---\n"},
		"similarity": {Type: "float", Default: 0.85},
	}
}

func (ConsolidateResearch) Run(ctx context.Context, data string, ec Context, params map[string]any) (string, error) {
	separator := stringParam(params, "separator", "\n---\n")
	threshold := floatParam(params, "similarity", 0.85)

	sections := strings.Split(data, separator)
	dmp := diffmatchpatch.New()

	var kept []string
	for _, section := range sections {
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}
		duplicate := false
		for _, prev := range kept {
			if textSimilarity(dmp, prev, section) >= threshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, section)
		}
	}
	return strings.Join(kept, "\n\n"), nil
}

func textSimilarity(dmp *diffmatchpatch.DiffMatchPatch, a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	diffs := dmp.DiffMain(a, b, false)
	distance := dmp.DiffLevenshtein(diffs)
	return 1 - float64(distance)/float64(longest)
}

// DeliverWebhook POSTs data to a configured URL with an HMAC-SHA256
// signature header. Delivery failures halt the pipeline: this is the one
// critical built-in.
type DeliverWebhook struct {
	Secret string
	Client *http.Client
}

func (DeliverWebhook) Name() string   { return "deliver_webhook" }
func (DeliverWebhook) Critical() bool { return true }
func (DeliverWebhook) Params() ParamSpec {
	return ParamSpec{
		"url": {Type: "string", Required: true},
	}
}

func (a DeliverWebhook) Run(ctx context.Context, data string, ec Context, params map[string]any) (string, error) {
	url := stringParam(params, "url", "")

	body, err := json.Marshal(map[string]any{
		"execution_id": ec.ExecutionID,
		"agent_id":     ec.AgentID,
		"data":         data,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Secret != "" {
		mac := hmac.New(sha256.New, []byte(a.Secret))
		mac.Write(body)
		req.Header.Set("X-Conclave-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook delivery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook delivery: unexpected status %d", resp.StatusCode)
	}
	return data, nil
}

// ConvertDialect rewrites markdown into a chat dialect. Slack is the only
// dialect currently supported.
type ConvertDialect struct{}

func (ConvertDialect) Name() string   { return "convert_dialect" }
func (ConvertDialect) Critical() bool { return false }
func (ConvertDialect) Params() ParamSpec {
	return ParamSpec{
		"dialect": {Type: "string", Default: "slack"},
	}
}

var (
	boldPattern    = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	strikePattern  = regexp.MustCompile(`~~([^~]+)~~`)
	mdHeadPattern  = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	slackLinkOrder = regexp.MustCompile(`\[([^\]]*)\]\((https?://[^)\s]+)\)`)
)

func (ConvertDialect) Run(ctx context.Context, data string, ec Context, params map[string]any) (string, error) {
	dialect := stringParam(params, "dialect", "slack")
	if dialect != "slack" {
		return "", fmt.Errorf("unsupported dialect: %s", dialect)
	}

	out := mdHeadPattern.ReplaceAllString(data, "*$1*")
	out = boldPattern.ReplaceAllString(out, "*$1*")
	out = strikePattern.ReplaceAllString(out, "~$1~")
	out = slackLinkOrder.ReplaceAllString(out, "<$2|$1>")
	return out, nil
}
