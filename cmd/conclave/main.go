// Package main is the entry point for the conclave CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/arcov/conclave/internal/actions"
	"github.com/arcov/conclave/internal/agents"
	"github.com/arcov/conclave/internal/config"
	"github.com/arcov/conclave/internal/engine"
	"github.com/arcov/conclave/internal/execution"
	"github.com/arcov/conclave/internal/executor"
	"github.com/arcov/conclave/internal/llm"
	"github.com/arcov/conclave/internal/logging"
	"github.com/arcov/conclave/internal/status"
	"github.com/arcov/conclave/internal/store"
	"github.com/arcov/conclave/internal/synthesis"
	"github.com/arcov/conclave/internal/telemetry"
	"github.com/arcov/conclave/internal/tools"
	"github.com/arcov/conclave/internal/workflow"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func init() {
	// Load .env for API keys and webhook secrets
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	ktx := kong.Parse(&cli,
		kong.Name("conclave"),
		kong.Description("Agent execution and workflow orchestration engine"),
		kong.UsageOnError(),
	)
	ktx.FatalIfErrorf(ktx.Run(&cli))
}

// loadConfig loads the config file named on the command line, falling back
// to defaults when the default file does not exist.
func loadConfig(cli *CLI) (*config.Config, error) {
	cfg, err := config.LoadFile(cli.Config)
	if err != nil && errors.Is(err, os.ErrNotExist) && cli.Config == "conclave.toml" {
		return config.Default(), nil
	}
	return cfg, err
}

func newLogger(cli *CLI) *logging.Logger {
	logger := logging.New()
	if cli.Debug {
		logger.SetLevel(logging.LevelDebug)
	}
	return logger
}

// Run executes one query end to end.
func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	logger := newLogger(cli)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	// Persistence
	var st store.Store
	if cfg.Storage.InMemory {
		st = store.NewMemoryStore()
	} else {
		st, err = store.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return err
		}
	}
	defer st.Close()

	// Status broadcast
	var reporter status.Reporter
	switch cfg.Status.Transport {
	case "nats":
		nr, err := status.NewNATSReporter(cfg.Status.NATSURL, cfg.Status.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer nr.Close()
		reporter = nr
	case "none":
		reporter = status.NopReporter{}
	default:
		reporter = status.NewLogReporter(logger)
	}

	// Tools
	toolReg := tools.NewRegistry()
	toolReg.Register(tools.NewFetchTool())
	if search, err := tools.NewSearchTool(); err != nil {
		logger.Warn("search tool unavailable", map[string]interface{}{"error": err.Error()})
	} else {
		toolReg.Register(search)
	}

	// Agents
	agentReg, err := agents.Load(cfg.Agents.Path, cfg.Limits.MaxSteps, logger)
	if err != nil {
		return err
	}
	defer agentReg.Close()
	if cfg.Agents.Watch {
		if err := agentReg.Watch(); err != nil {
			logger.Warn("agent hot reload disabled", map[string]interface{}{"error": err.Error()})
		}
	}

	// Models
	model, err := buildModel(cfg.LLM, cfg.GetAPIKey())
	if err != nil {
		return err
	}
	provider := llm.NewLangchainProvider(model, toolReg)

	synthProvider := llm.Provider(provider)
	if cfg.Synthesis.Model != "" {
		synthModel, err := buildModel(cfg.Synthesis, cfg.GetSynthesisAPIKey())
		if err != nil {
			return err
		}
		// Synthesis never uses tools; no runner needed.
		synthProvider = llm.NewLangchainProvider(synthModel, nil)
	}

	webhookTimeout := time.Duration(cfg.Limits.WebhookTimeout) * time.Second
	actionReg := actions.NewRegistry(logger, actions.Builtin(cfg.GetWebhookSecret(), webhookTimeout)...)
	machine := executor.NewStateMachine(st, reporter, actionReg, logger)
	coordinator := workflow.NewCoordinator(logger)
	synth := synthesis.NewEngine(synthProvider, synthesis.NewLinkValidator(logger), logger)

	eng := engine.New(st, agentReg, toolReg, provider, machine, coordinator, synth, reporter, logger)
	if cfg.Limits.HistoryLimit > 0 {
		eng.HistoryLimit = cfg.Limits.HistoryLimit
	}
	eng.SetChildParallel(cfg.Limits.ChildParallel)

	attachments, err := loadAttachments(c.Attach)
	if err != nil {
		return err
	}

	exec, err := eng.Execute(ctx, engine.Request{
		AgentID:     c.Agent,
		UserID:      c.User,
		SessionID:   c.Session,
		Input:       c.Query,
		Attachments: attachments,
		Supersede:   c.Supersede,
	})
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		fmt.Println(warnStyle.Render(fmt.Sprintf(
			"An execution is already running for this agent (id %s). Re-run with --supersede to cancel it.",
			conflict.ActiveID)))
		return nil
	}
	if err != nil {
		return err
	}

	printResult(exec)
	return nil
}

func printResult(exec *execution.Execution) {
	switch exec.Status {
	case execution.StatusCompleted:
		header := "Completed"
		if reason, ok := exec.Metadata[execution.MetaCompletionReason].(string); ok && reason == execution.CompletionDepthLimit {
			header = "Completed (step limit reached)"
		}
		fmt.Println(successStyle.Render(header))
	case execution.StatusFailed:
		fmt.Println(errorStyle.Render("Failed"))
	default:
		fmt.Println(dimStyle.Render(string(exec.Status)))
	}

	fmt.Println()
	fmt.Println(exec.Output)

	if sources, ok := exec.Metadata[execution.MetaSourceLinks].([]execution.SourceLink); ok && len(sources) > 0 {
		fmt.Println()
		fmt.Println(titleStyle.Render("Sources"))
		for _, s := range sources {
			line := s.URL
			if s.Title != "" {
				line = s.Title + " — " + s.URL
			}
			fmt.Println(sourceStyle.Render("  " + line))
		}
	}
	fmt.Println()
	fmt.Println(dimStyle.Render(fmt.Sprintf("execution %s, %d step(s)", exec.ID, exec.StepCount)))
}

// loadAttachments reads attachment files, classifying them as text or
// binary by sniffed content type.
func loadAttachments(paths []string) ([]llm.Attachment, error) {
	var out []llm.Attachment
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", path, err)
		}
		mimeType := http.DetectContentType(data)
		att := llm.Attachment{Name: filepath.Base(path), MIME: mimeType}
		if strings.HasPrefix(mimeType, "text/") {
			att.Text = string(data)
		} else {
			att.Data = data
		}
		out = append(out, att)
	}
	return out, nil
}

// Run lists the configured agents.
func (c *AgentsCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	reg, err := agents.Load(cfg.Agents.Path, cfg.Limits.MaxSteps, newLogger(cli))
	if err != nil {
		return err
	}

	for _, def := range reg.List() {
		fmt.Printf("%s %s\n", titleStyle.Render(def.ID), dimStyle.Render("("+def.Name+")"))
		if len(def.Tools) > 0 {
			fmt.Println(dimStyle.Render("  tools: " + strings.Join(def.Tools, ", ")))
		}
		fmt.Println(dimStyle.Render(fmt.Sprintf("  max steps: %d", def.MaxSteps)))
	}
	return nil
}

// Run validates the config and agent definitions.
func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.LoadFile(cli.Config)
	if err != nil {
		fmt.Println(errorStyle.Render("config: " + err.Error()))
		return err
	}
	reg, err := agents.Load(cfg.Agents.Path, cfg.Limits.MaxSteps, newLogger(cli))
	if err != nil {
		fmt.Println(errorStyle.Render("agents: " + err.Error()))
		return err
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("OK: %d agent(s) defined", len(reg.List()))))
	return nil
}

// Run prints version information.
func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Printf("conclave version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
