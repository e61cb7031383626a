package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/jward/arbor"
)

// outputResult marshals a CLIResult to stdout in the selected format.
func outputResult(result CLIResult) error {
	if flagFormat == "text" {
		return outputResultText(os.Stdout, result)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON mode the error is written to stdout as a
// CLIResult envelope. In text mode it goes to stderr.
func outputError(command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(CLIResult{Command: command, Error: err.Error()})
	return err
}

func outputResultText(w io.Writer, result CLIResult) error {
	switch v := result.Results.(type) {
	case CLIJob:
		formatJobsText(w, []CLIJob{v})
	case []CLIJob:
		formatJobsText(w, v)
	case []CLISearchHit:
		formatSearchText(w, v)
	case *arbor.Verdict:
		formatVerdictText(w, v)
	case *arbor.DataFlowTrace:
		formatTraceText(w, v)
	case arbor.Health:
		formatHealthText(w, v)
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Results)
	}
	if result.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", result.Error)
	}
	return nil
}

// formatJobsText formats job statuses as aligned columns.
func formatJobsText(w io.Writer, jobs []CLIJob) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREPO\tPHASE\tPCT\tFILES\tFUNCTIONS\tERROR")
	for _, j := range jobs {
		phase := j.Phase
		if j.Cancelled {
			phase += " (cancelled)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%d/%d\t%d\t%s\n",
			j.ID, j.RepoID, phase, j.Percentage, j.FilesProcessed, j.TotalFiles, j.FunctionsIndexed, j.Error)
	}
	tw.Flush()
}

func formatSearchText(w io.Writer, hits []CLISearchHit) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tNAME\tFILE\tLINES")
	for _, h := range hits {
		fmt.Fprintf(tw, "%.3f\t%s\t%s\t%d-%d\n", h.Score, h.Name, h.File, h.StartLine, h.EndLine)
	}
	tw.Flush()
}

// formatVerdictText prints the decision followed by one line per chain,
// entry point first.
func formatVerdictText(w io.Writer, v *arbor.Verdict) {
	fmt.Fprintf(w, "%s (confidence %.2f): %s\n", v.Decision, v.Confidence, v.Reason)
	fmt.Fprintf(w, "sink: %s %s:%d\n", v.Sink.Function, v.Sink.File, v.Sink.Line)
	for _, c := range v.Chains {
		names := make([]string, len(c.Path))
		for i, s := range c.Path {
			names[i] = s.Function
		}
		mark := "unsanitized"
		if c.HasValidation && c.ValidationLocation != nil {
			mark = fmt.Sprintf("%s at %s:%d", c.ValidationKind, c.ValidationLocation.File, c.ValidationLocation.Line)
		}
		fmt.Fprintf(w, "  [%s] %s (%s)\n", c.EntryPoint.SourceType, strings.Join(names, " -> "), mark)
	}
}

func formatTraceText(w io.Writer, t *arbor.DataFlowTrace) {
	fmt.Fprintf(w, "%s: %s (confidence %.2f, %s)\n", t.Variable, t.SourceType, t.Confidence, t.Language)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, s := range t.SourcePath {
		fmt.Fprintf(tw, "  %d\t%s\t%s\n", s.Line, s.Kind, s.Code)
	}
	for _, s := range t.Sinks {
		flags := ""
		if s.Sanitized {
			flags = " sanitized"
		} else if s.Validated {
			flags = " validated"
		}
		fmt.Fprintf(tw, "  %d\tsink %s%s\t%s\n", s.Line, s.Type, flags, s.Code)
	}
	tw.Flush()
}

func formatHealthText(w io.Writer, h arbor.Health) {
	status := "ok"
	if !h.OK {
		status = "degraded"
	}
	fmt.Fprintf(w, "status: %s\ndatabase: %s\n", status, h.Database)
	fmt.Fprintf(w, "queue: %d running, %d completed, %d failed, %d pending\n",
		h.Queue.Running, h.Queue.Completed, h.Queue.Failed, h.PendingJobs)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BREAKER\tSTATE\tFAILURES")
	for _, b := range h.Breakers {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", b.Name, b.State, b.Failures)
	}
	tw.Flush()
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}
