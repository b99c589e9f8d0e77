// Package synthesis consolidates the results of a workflow's child
// executions into one final answer for the parent execution.
package synthesis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/arcov/conclave/internal/execution"
	"github.com/arcov/conclave/internal/llm"
	"github.com/arcov/conclave/internal/logging"
	"github.com/arcov/conclave/internal/workflow"
)

const synthesisInstructions = `You are a synthesis agent. Consolidate the specialist results below into one coherent answer to the original query.

Rules:
- Use only the information in the specialist results.
- Cite sources only from the SOURCES list below, using markdown links. Never invent a URL.
- If specialists disagree, say so and present both views.
- Be concise; do not repeat the same finding twice.`

// Result is a finished synthesis: the answer and the reconciled source set
// that backs it.
type Result struct {
	Answer   string
	Sources  []execution.SourceLink
	Fallback bool
	Removed  []string
}

// Engine produces the parent's final answer from child outcomes. It issues
// one model call without tools; if that call fails for any reason it falls
// back to a deterministic concatenated summary, so the parent never settles
// without an answer.
type Engine struct {
	Provider  llm.Provider
	Validator *LinkValidator
	Logger    *logging.Logger
}

// NewEngine wires a synthesis engine. validator may be nil to skip title
// resolution.
func NewEngine(provider llm.Provider, validator *LinkValidator, logger *logging.Logger) *Engine {
	return &Engine{
		Provider:  provider,
		Validator: validator,
		Logger:    logger.WithComponent("synthesis"),
	}
}

// Synthesize builds the final answer for a settled batch. Failed children
// are excluded from the synthesis input; callers guarantee at least one
// child succeeded.
func (e *Engine) Synthesize(ctx context.Context, parent *execution.Execution, outcomes []workflow.ChildOutcome) *Result {
	children := successful(outcomes)
	sources := collectSources(children)

	prompt := e.buildContext(ctx, parent, children, sources)
	resp, err := e.Provider.Generate(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: synthesisInstructions},
			{Role: llm.RoleUser, Content: prompt},
		},
		MaxSteps: 1,
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		if err != nil {
			e.Logger.Warn("synthesis model call failed, using fallback", map[string]interface{}{
				"parent": parent.ID,
				"error":  err.Error(),
			})
		}
		return &Result{
			Answer:   FallbackSummary(parent.Input, children),
			Sources:  sources,
			Fallback: true,
		}
	}

	allowed := make(map[string]bool, len(sources))
	for _, s := range sources {
		allowed[s.URL] = true
	}
	answer, removed := ScrubFabricatedLinks(resp.Text, allowed)
	if len(removed) > 0 {
		e.Logger.Warn("removed fabricated links from synthesis", map[string]interface{}{
			"parent": parent.ID,
			"count":  len(removed),
		})
	}

	e.Logger.SynthesisComplete(parent.ID, len(children), len(sources))
	return &Result{Answer: answer, Sources: sources, Removed: removed}
}

// buildContext renders the synthesis input: the original query, each
// child's answer in node order, and the citable source list.
func (e *Engine) buildContext(ctx context.Context, parent *execution.Execution, children []workflow.ChildOutcome, sources []execution.SourceLink) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query:\n%s\n\n", parent.Input)

	for _, c := range children {
		name := c.AgentName
		if name == "" {
			name = c.AgentID
		}
		fmt.Fprintf(&b, "## Result from %s\n%s\n\n", name, c.Answer)
	}

	if len(sources) > 0 {
		titles := make(map[string]string, len(sources))
		urls := make([]string, 0, len(sources))
		for _, s := range sources {
			titles[s.URL] = s.Title
			urls = append(urls, s.URL)
		}
		if e.Validator != nil {
			e.Validator.FillTitles(ctx, urls, titles)
		}

		b.WriteString("## SOURCES (cite only from this list)\n")
		for _, s := range sources {
			title := titles[s.URL]
			if title == "" {
				title = s.URL
			}
			fmt.Fprintf(&b, "- [%s](%s)", title, s.URL)
			if s.Tool != "" {
				fmt.Fprintf(&b, " (via %s)", s.Tool)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// FallbackSummary deterministically concatenates child answers under a count
// header. Same inputs always produce the same output.
func FallbackSummary(query string, children []workflow.ChildOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Consolidated results from %d specialist agent(s):\n\n", len(children))
	for _, c := range children {
		name := c.AgentName
		if name == "" {
			name = c.AgentID
		}
		fmt.Fprintf(&b, "### %s\n%s\n\n", name, strings.TrimSpace(c.Answer))
	}
	return strings.TrimSpace(b.String())
}

// successful filters and orders the synthesis input: failed children drop
// out, the rest sort by node index so the input shape is reproducible.
func successful(outcomes []workflow.ChildOutcome) []workflow.ChildOutcome {
	children := make([]workflow.ChildOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Failed {
			continue
		}
		children = append(children, o)
	}
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].NodeIndex < children[j].NodeIndex
	})
	return children
}

// collectSources reconciles every child's links into one deduplicated set,
// in child order.
func collectSources(children []workflow.ChildOutcome) []execution.SourceLink {
	var all []execution.SourceLink
	for _, c := range children {
		all = append(all, c.Sources...)
	}
	return execution.ReconcileSourceLinks(all)
}
