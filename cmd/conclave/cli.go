// Package main defines the CLI structure using kong.
package main

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Run a query against an agent"`
	Agents   AgentsCmd   `cmd:"" help:"List configured agents"`
	Validate ValidateCmd `cmd:"" help:"Validate configuration and agent definitions"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`

	Config string `help:"Config file path" default:"conclave.toml"`
	Debug  bool   `help:"Enable debug logging"`
}

// RunCmd executes one query against an agent.
type RunCmd struct {
	Agent     string   `arg:"" help:"Agent id to run"`
	Query     string   `arg:"" help:"Query text"`
	User      string   `short:"u" default:"local" help:"User id"`
	Session   string   `short:"s" help:"Session id (groups conversation history)"`
	Attach    []string `short:"a" help:"File(s) to attach (repeatable)"`
	Supersede bool     `help:"Cancel a still-running execution for the same key"`
}

// AgentsCmd lists the configured agents.
type AgentsCmd struct{}

// ValidateCmd validates the config file and the agent definitions.
type ValidateCmd struct{}

// VersionCmd shows version information.
type VersionCmd struct{}
