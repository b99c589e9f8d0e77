// Package workflow interprets structured workflow plans: plan parsing and
// validation, multi-stage dispatch of child executions, and the batch
// bookkeeping that fires synthesis exactly once.
package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Strategy names the shape of a plan.
type Strategy string

const (
	StrategySimple     Strategy = "simple"
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyMixed      Strategy = "mixed"
)

// StageType says how the nodes of one stage run relative to each other.
type StageType string

const (
	StageSequential StageType = "sequential"
	StageParallel   StageType = "parallel"
)

// Node is one delegated unit of work inside a stage.
type Node struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Input     string `json:"input"`
	Rationale string `json:"rationale,omitempty"`
}

// Stage groups nodes that run together before the next stage begins.
type Stage struct {
	Type  StageType `json:"type"`
	Nodes []Node    `json:"nodes"`
}

// Plan is the structured delegation an agent may emit instead of a plain
// answer. It is immutable once parsed; the raw JSON is persisted as a
// view-model and never re-parsed.
type Plan struct {
	StrategyType             Strategy `json:"strategy_type"`
	Stages                   []Stage  `json:"stages"`
	SynthesizerAgentID       string   `json:"synthesizer_agent_id,omitempty"`
	OriginalQuery            string   `json:"original_query,omitempty"`
	EstimatedDurationSeconds int      `json:"estimated_duration_seconds,omitempty"`
}

// ValidationError marks a malformed plan. It is fatal to orchestration.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid workflow plan: " + e.Reason
}

// NodeCount is the total number of nodes across all stages.
func (p *Plan) NodeCount() int {
	n := 0
	for _, s := range p.Stages {
		n += len(s.Nodes)
	}
	return n
}

// Validate checks the structural invariants a plan must satisfy before any
// child is dispatched.
func (p *Plan) Validate() error {
	switch p.StrategyType {
	case StrategySimple, StrategySequential, StrategyParallel, StrategyMixed:
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown strategy %q", p.StrategyType)}
	}
	if len(p.Stages) == 0 {
		return &ValidationError{Reason: "no stages"}
	}
	for i, s := range p.Stages {
		if s.Type != StageSequential && s.Type != StageParallel {
			return &ValidationError{Reason: fmt.Sprintf("stage %d has unknown type %q", i, s.Type)}
		}
		if len(s.Nodes) == 0 {
			return &ValidationError{Reason: fmt.Sprintf("stage %d has no nodes", i)}
		}
		for j, n := range s.Nodes {
			if n.AgentID == "" {
				return &ValidationError{Reason: fmt.Sprintf("stage %d node %d has no agent id", i, j)}
			}
			if n.Input == "" {
				return &ValidationError{Reason: fmt.Sprintf("stage %d node %d has no input", i, j)}
			}
		}
	}
	switch p.StrategyType {
	case StrategySimple:
		if p.NodeCount() != 1 {
			return &ValidationError{Reason: "simple strategy requires exactly one node"}
		}
	case StrategySequential:
		for i, s := range p.Stages {
			if len(s.Nodes) != 1 {
				return &ValidationError{Reason: fmt.Sprintf("sequential strategy requires one node per stage, stage %d has %d", i, len(s.Nodes))}
			}
		}
	case StrategyParallel:
		if len(p.Stages) != 1 {
			return &ValidationError{Reason: "parallel strategy requires exactly one stage"}
		}
	}
	return nil
}

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Detect looks for a workflow plan in agent output. The plan may be the
// whole output, or sit inside a fenced code block. Returns nil when the
// output is a plain answer; returns an error only when the text clearly
// claims to be a plan but fails to parse or validate.
func Detect(text string) (*Plan, string, error) {
	candidates := []string{}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		candidates = append(candidates, trimmed)
	}
	for _, m := range fencedJSONPattern.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, m[1])
	}

	for _, raw := range candidates {
		if !strings.Contains(raw, `"strategy_type"`) {
			continue
		}
		var p Plan
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, "", &ValidationError{Reason: "malformed plan JSON: " + err.Error()}
		}
		if err := p.Validate(); err != nil {
			return nil, "", err
		}
		return &p, raw, nil
	}
	return nil, "", nil
}
