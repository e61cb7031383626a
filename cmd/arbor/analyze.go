package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jward/arbor"
	"github.com/jward/arbor/internal/taint"
)

var (
	flagSearchLimit int
	flagFile        string
	flagRoot        string
	flagMaxHops     int
	flagSinkType    string
	flagLanguage    string
)

var searchCmd = &cobra.Command{
	Use:   "search <repo-id> <text>",
	Short: "Semantic search over a repository's indexed functions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), "search", func(ctx context.Context, e *arbor.Engine) (any, error) {
			hits, err := e.Search(ctx, args[0], args[1], flagSearchLimit)
			if err != nil {
				return nil, err
			}
			return toCLISearchHits(hits), nil
		})
	},
}

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Taint analysis of reported sinks and variables",
}

var traceSinkCmd = &cobra.Command{
	Use:   "sink <repo-id> <function>",
	Short: "Decide whether a sink function is reachable from user input",
	Long:  "Walks the call graph backward from the sink to its entry points and reports VERIFY, DISPROVE or NEEDS_MANUAL_REVIEW. Source lines are read from --root, a checkout of the repository.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagFile == "" {
			return outputError("trace sink", fmt.Errorf("--file is required"))
		}
		root := flagRoot
		if root == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return outputError("trace sink", fmt.Errorf("getting cwd: %w", err))
			}
			root = findRepoRoot(cwd)
		}
		return withEngine(cmd.Context(), "trace sink", func(ctx context.Context, e *arbor.Engine) (any, error) {
			return e.AnalyzeSink(ctx, args[0], args[1], filepath.ToSlash(flagFile), root, arbor.SinkOptions{
				MaxHops:  flagMaxHops,
				SinkType: taint.SinkType(flagSinkType),
			})
		})
	},
}

var traceVarCmd = &cobra.Command{
	Use:   "var <file> <variable> <line>",
	Short: "Trace one variable within a file to its source and sinks",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := parseIntArg(args[2], "line")
		if err != nil {
			return outputError("trace var", err)
		}
		src, err := os.ReadFile(args[0])
		if err != nil {
			return outputError("trace var", fmt.Errorf("reading %s: %w", args[0], err))
		}
		lang := flagLanguage
		if lang == "" {
			lang = taint.LanguageForFile(args[0])
		}
		return withEngine(cmd.Context(), "trace var", func(ctx context.Context, e *arbor.Engine) (any, error) {
			return e.TraceVariable(ctx, string(src), args[1], line, lang), nil
		})
	},
}

func init() {
	searchCmd.Flags().IntVar(&flagSearchLimit, "limit", 10, "maximum results")

	traceSinkCmd.Flags().StringVar(&flagFile, "file", "", "repository-relative file that defines the sink function")
	traceSinkCmd.Flags().StringVar(&flagRoot, "root", "", "checkout to read sources from (default: repo root of the cwd)")
	traceSinkCmd.Flags().IntVar(&flagMaxHops, "max-hops", 0, "caller chain depth (default: taint.max_hops)")
	traceSinkCmd.Flags().StringVar(&flagSinkType, "sink-type", "", "reported sink class, e.g. SQL_INJECTION")
	traceVarCmd.Flags().StringVar(&flagLanguage, "language", "", "language family (default: from the file extension)")

	traceCmd.AddCommand(traceSinkCmd, traceVarCmd)
}

// parseIntArg parses a positional argument as a positive integer with a
// clear error.
func parseIntArg(value, name string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", name, value)
	}
	if n < 1 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", name, value)
	}
	return n, nil
}
