package agents

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/arcov/conclave/internal/logging"
)

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(io.Discard)
	return l
}

func writeDefinitions(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write definitions: %v", err)
	}
	return path
}

const sampleDefinitions = `
agents:
  - id: digest
    name: Weekly Digest
    instructions: Summarize the week's news.
    tools: [web_search, web_fetch]
    max_steps: 15
    actions:
      - name: normalize_text
      - name: deliver_webhook
        params:
          url: https://hooks.internal/digest
  - id: triage
    instructions: Route the request.
`

func TestLoadDefinitions(t *testing.T) {
	r, err := Load(writeDefinitions(t, sampleDefinitions), 0, quietLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer r.Close()

	def, ok := r.Get("digest")
	if !ok {
		t.Fatal("digest not found")
	}
	if def.Name != "Weekly Digest" || def.MaxSteps != 15 {
		t.Errorf("definition mangled: %+v", def)
	}
	if len(def.Tools) != 2 || def.Tools[0] != "web_search" {
		t.Errorf("tools mangled: %v", def.Tools)
	}
	if len(def.Actions) != 2 || def.Actions[1].Name != "deliver_webhook" {
		t.Errorf("actions mangled: %+v", def.Actions)
	}
	if def.Actions[1].Params["url"] != "https://hooks.internal/digest" {
		t.Errorf("action params mangled: %+v", def.Actions[1].Params)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	r, err := Load(writeDefinitions(t, sampleDefinitions), 0, quietLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer r.Close()

	def, ok := r.Get("triage")
	if !ok {
		t.Fatal("triage not found")
	}
	if def.MaxSteps != defaultMaxSteps {
		t.Errorf("max_steps default not applied: %d", def.MaxSteps)
	}
	if def.Name != "triage" {
		t.Errorf("name should default to id: %q", def.Name)
	}
}

func TestLoadConfiguredDefaultMaxSteps(t *testing.T) {
	r, err := Load(writeDefinitions(t, sampleDefinitions), 40, quietLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer r.Close()

	def, _ := r.Get("triage")
	if def.MaxSteps != 40 {
		t.Errorf("configured default not applied: %d", def.MaxSteps)
	}
	// An explicit max_steps is never overridden.
	def, _ = r.Get("digest")
	if def.MaxSteps != 15 {
		t.Errorf("explicit max_steps overridden: %d", def.MaxSteps)
	}
}

func TestLoadRejectsDuplicateID(t *testing.T) {
	_, err := Load(writeDefinitions(t, `
agents:
  - id: digest
    instructions: one
  - id: digest
    instructions: two
`), 0, quietLogger())
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestLoadRejectsMissingID(t *testing.T) {
	_, err := Load(writeDefinitions(t, `
agents:
  - name: Nameless
    instructions: no id
`), 0, quietLogger())
	if err == nil {
		t.Fatal("expected missing id error")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), 0, quietLogger())
	if err == nil {
		t.Fatal("expected read error")
	}
}

func TestListSortedByID(t *testing.T) {
	r, err := Load(writeDefinitions(t, sampleDefinitions), 0, quietLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer r.Close()

	defs := r.List()
	if len(defs) != 2 || defs[0].ID != "digest" || defs[1].ID != "triage" {
		t.Errorf("unexpected list: %+v", defs)
	}
}

func TestReloadKeepsPreviousSetOnBrokenFile(t *testing.T) {
	path := writeDefinitions(t, sampleDefinitions)
	r, err := Load(path, 0, quietLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer r.Close()

	if err := os.WriteFile(path, []byte("agents: [not: valid: yaml"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := r.reload(); err == nil {
		t.Fatal("expected reload failure")
	}
	if _, ok := r.Get("digest"); !ok {
		t.Error("previous definitions lost after failed reload")
	}
}
