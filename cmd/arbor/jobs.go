package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jward/arbor"
)

var (
	flagBranch      string
	flagFramework   string
	flagIncremental bool
	flagChanged     string
	flagEnqueue     bool
	flagJobsLimit   int
)

var indexCmd = &cobra.Command{
	Use:   "index <repo-url>",
	Short: "Index a repository into the code graph and vector index",
	Long:  "Clones the repository, parses it, builds the code graph and generates embeddings. With --enqueue the job is only queued for a running 'arbor serve'.",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndex,
}

func init() {
	indexCmd.Flags().StringVar(&flagBranch, "branch", "", "branch to clone (default: remote default branch)")
	indexCmd.Flags().StringVar(&flagFramework, "framework", "", "framework override: ofbiz|spring|flutter|angular|react|next|generic")
	indexCmd.Flags().BoolVar(&flagIncremental, "incremental", false, "reindex only the files named by --changed")
	indexCmd.Flags().StringVar(&flagChanged, "changed", "", "comma-separated changed files for --incremental")
	indexCmd.Flags().BoolVar(&flagEnqueue, "enqueue", false, "queue the job instead of running it in-process")
	jobsCmd.Flags().IntVar(&flagJobsLimit, "limit", 20, "number of jobs to list")
}

func runIndex(cmd *cobra.Command, args []string) error {
	e, _, err := openEngine()
	if err != nil {
		return outputError("index", err)
	}
	defer e.Close()

	job := arbor.Job{
		RepoURL:      args[0],
		Branch:       flagBranch,
		Framework:    flagFramework,
		Incremental:  flagIncremental,
		ChangedFiles: splitList(flagChanged),
	}
	if flagEnqueue {
		queued, err := e.Enqueue(cmd.Context(), job)
		if err != nil {
			return outputError("index", err)
		}
		st, err := e.Status(cmd.Context(), queued.ID)
		if err != nil {
			return outputError("index", err)
		}
		return outputResult(CLIResult{Command: "index", Results: toCLIJob(st)})
	}

	st, err := e.Index(cmd.Context(), job)
	if err != nil {
		// The failed status is the user-visible result; the envelope
		// carries the error as well.
		errorHandled = true
		_ = outputResult(CLIResult{Command: "index", Results: toCLIJob(st), Error: err.Error()})
		return err
	}
	return outputResult(CLIResult{Command: "index", Results: toCLIJob(st)})
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the status of an index job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), "status", func(ctx context.Context, e *arbor.Engine) (any, error) {
			st, err := e.Status(ctx, args[0])
			if err != nil {
				return nil, err
			}
			return toCLIJob(st), nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of an index job",
	Long:  "Sets the job's cancellation flag. A running job stops at its next phase boundary or progress checkpoint.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), "cancel", func(ctx context.Context, e *arbor.Engine) (any, error) {
			if err := e.Cancel(ctx, args[0]); err != nil {
				return nil, err
			}
			st, err := e.Status(ctx, args[0])
			if err != nil {
				return nil, err
			}
			return toCLIJob(st), nil
		})
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent index jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), "jobs", func(ctx context.Context, e *arbor.Engine) (any, error) {
			jobs, err := e.ListJobs(ctx, flagJobsLimit)
			if err != nil {
				return nil, err
			}
			out := make([]CLIJob, len(jobs))
			for i, st := range jobs {
				out[i] = toCLIJob(st)
			}
			return out, nil
		})
	},
}

// withEngine opens an Engine, runs fn and writes its result or error.
func withEngine(ctx context.Context, command string, fn func(context.Context, *arbor.Engine) (any, error)) error {
	e, _, err := openEngine()
	if err != nil {
		return outputError(command, err)
	}
	defer e.Close()
	res, err := fn(ctx, e)
	if err != nil {
		return outputError(command, err)
	}
	result := CLIResult{Command: command, Results: res}
	if jobs, ok := res.([]CLIJob); ok {
		n := len(jobs)
		result.TotalCount = &n
	}
	return outputResult(result)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
