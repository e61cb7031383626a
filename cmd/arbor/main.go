package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jward/arbor"
	"github.com/jward/arbor/internal/config"
)

var (
	flagConfig string
	flagFormat string
)

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "arbor",
	Short:         "Repository code graph, semantic search and taint triage",
	Long:          "Arbor clones repositories, builds a code graph and vector index from them, and decides whether reported sinks are reachable from user input.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return validateFormat(flagFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: arbor.yaml at the repo root, if present)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "json", "output format: json|text")

	rootCmd.AddCommand(indexCmd, statusCmd, cancelCmd, jobsCmd)
	rootCmd.AddCommand(searchCmd, traceCmd)
	rootCmd.AddCommand(serveCmd, healthCmd)
}

// loadConfig reads --config, or arbor.yaml at the repo root when the flag
// is empty and that file exists.
func loadConfig() (config.Config, error) {
	path := flagConfig
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return config.Config{}, fmt.Errorf("getting cwd: %w", err)
		}
		path = defaultConfigPath(findRepoRoot(cwd))
	}
	return config.Load(path)
}

func defaultConfigPath(repoRoot string) string {
	p := filepath.Join(repoRoot, "arbor.yaml")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// openEngine loads the configuration and opens an Engine logging to stderr.
func openEngine() (*arbor.Engine, config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	e, err := arbor.Open(cfg, arbor.WithLogger(config.NewLogger(cfg.Log, os.Stderr)))
	if err != nil {
		return nil, config.Config{}, err
	}
	return e, cfg, nil
}

// findRepoRoot walks up from startDir looking for a .git directory.
// Returns the directory containing .git, or startDir if none is found.
func findRepoRoot(startDir string) string {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return startDir
		}
		dir = parent
	}
}
