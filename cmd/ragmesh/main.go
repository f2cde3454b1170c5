// Package main provides the ragmesh command line client.
//
// # Basic Usage
//
// Ask a question on a thread, streaming NDJSON events to stdout:
//
//	ragmesh ask --config ragmesh.yaml --thread user-1_book-7 "What is a monad?"
//
// Answer a pending approval:
//
//	ragmesh resume --thread user-1_book-7 --decision approve
//
// Load documents for keyword search, inspect and compact a session:
//
//	ragmesh ingest notes/*.md
//	ragmesh session show --thread user-1_book-7
//	ragmesh compact --thread user-1_book-7
//
// Approvals and sessions outlive a single invocation only with the sqlite
// store driver.
//
// # Environment Variables
//
//   - RAGMESH_CONFIG: path to the configuration file (default: ragmesh.yaml)
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY: referenced from the file as ${NAME}
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/ragmesh"
	"github.com/hupe1980/ragmesh/config"
	"github.com/hupe1980/ragmesh/logging"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

const defaultConfigPath = "ragmesh.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "ragmesh",
		Short: "ragmesh - retrieval-augmented question answering with human approval",
		Long: `ragmesh answers questions on durable conversation threads. Each question is
routed, planned against the registered capabilities, answered from retrieved
sources and reviewed before it is returned. Sensitive actions such as writing
long-term memory wait for an explicit decision.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (or set RAGMESH_CONFIG)")

	app := &app{configPath: &configPath, stdout: rootCmd.OutOrStdout, stderr: rootCmd.ErrOrStderr}
	rootCmd.AddCommand(
		buildAskCmd(app),
		buildResumeCmd(app),
		buildCompactCmd(app),
		buildSessionCmd(app),
		buildIngestCmd(app),
	)
	return rootCmd
}

// app carries what every command needs to open a RagMesh.
type app struct {
	configPath *string
	stdout     func() io.Writer
	stderr     func() io.Writer
}

// loadConfig resolves the config path. A missing default file yields the
// built-in defaults; a missing explicit file is an error.
func (a *app) loadConfig() (*config.Config, error) {
	path := *a.configPath
	explicit := path != ""
	if !explicit {
		path = os.Getenv("RAGMESH_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func (a *app) open(ctx context.Context) (*ragmesh.RagMesh, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:       logging.ParseLevel(cfg.Logging.Level),
		Format:      cfg.Logging.Format,
		Output:      a.stderr(),
		Component:   "cli",
		CustomAttrs: map[string]any{},
	})
	return ragmesh.New(ctx, func(o *ragmesh.Options) {
		o.Config = cfg
		o.Logger = logger
	})
}
