package main

import "github.com/jward/arbor"

// CLIResult is the top-level JSON envelope for every command.
type CLIResult struct {
	Command    string `json:"command"`
	Results    any    `json:"results"`
	TotalCount *int   `json:"total_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CLIJob is a JSON-friendly job status.
type CLIJob struct {
	ID               string `json:"id"`
	RepoID           string `json:"repo_id,omitempty"`
	Phase            string `json:"phase"`
	Percentage       int    `json:"percentage"`
	FilesProcessed   int    `json:"files_processed"`
	TotalFiles       int    `json:"total_files"`
	FunctionsIndexed int    `json:"functions_indexed"`
	Error            string `json:"error,omitempty"`
	Cancelled        bool   `json:"cancelled,omitempty"`
}

func toCLIJob(st arbor.JobStatus) CLIJob {
	return CLIJob{
		ID:               st.ID,
		RepoID:           st.RepoID,
		Phase:            string(st.Phase),
		Percentage:       st.Percentage,
		FilesProcessed:   st.FilesProcessed,
		TotalFiles:       st.TotalFiles,
		FunctionsIndexed: st.FunctionsIndexed,
		Error:            st.Error,
		Cancelled:        st.Cancelled,
	}
}

// CLISearchHit is a JSON-friendly semantic search result.
type CLISearchHit struct {
	Name      string  `json:"name"`
	File      string  `json:"file"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
	Code      string  `json:"code,omitempty"`
}

func toCLISearchHits(hits []arbor.SearchResult) []CLISearchHit {
	out := make([]CLISearchHit, len(hits))
	for i, h := range hits {
		out[i] = CLISearchHit{Name: h.Name, File: h.File, StartLine: h.StartLine, EndLine: h.EndLine, Score: h.Score, Code: h.Code}
	}
	return out
}
