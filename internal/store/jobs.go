package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CreateJob inserts a job in the queued phase and pending queue state.
func (s *Store) CreateJob(ctx context.Context, job Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, repo_url, branch, framework, incremental, changed_files, phase, queue_state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.RepoURL, job.Branch, job.Framework, job.Incremental, marshalStrings(job.ChangedFiles),
		PhaseQueued, QueuePending, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// SaveStatus persists st. Writes to a job already in a terminal phase are
// ignored, and a phase that ranks below the stored one is never written
// back; applied reports whether the row changed.
func (s *Store) SaveStatus(ctx context.Context, st JobStatus) (applied bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET repo_id = ?, phase = ?, percentage = ?, files_processed = ?, total_files = ?,
		   functions_indexed = ?, error = ?, cancelled = ?, started_at = ?, completed_at = ?
		 WHERE id = ? AND phase NOT IN (?, ?) AND `+phaseRankSQL+` <= ?`,
		st.RepoID, st.Phase, st.Percentage, st.FilesProcessed, st.TotalFiles,
		st.FunctionsIndexed, st.Error, st.Cancelled, nullTime(st.StartedAt), st.CompletedAt,
		st.ID, PhaseComplete, PhaseFailed, st.Phase.Rank(),
	)
	if err != nil {
		return false, fmt.Errorf("save status %s: %w", st.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// phaseRankSQL evaluates Phase.Rank over the stored phase column.
var phaseRankSQL = func() string {
	phases := make([]Phase, 0, len(phaseOrder))
	for p := range phaseOrder {
		phases = append(phases, p)
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })
	var sb strings.Builder
	sb.WriteString("(CASE phase")
	for _, p := range phases {
		fmt.Fprintf(&sb, " WHEN '%s' THEN %d", p, p.Rank())
	}
	sb.WriteString(" ELSE -1 END)")
	return sb.String()
}()

// JobStatus returns the stored status of a job, or ErrNotFound.
func (s *Store) JobStatus(ctx context.Context, id string) (JobStatus, error) {
	var st JobStatus
	var started sql.NullTime
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, repo_id, phase, percentage, files_processed, total_files, functions_indexed,
		        error, cancelled, started_at, completed_at
		 FROM jobs WHERE id = ?`, id,
	).Scan(&st.ID, &st.RepoID, &st.Phase, &st.Percentage, &st.FilesProcessed, &st.TotalFiles,
		&st.FunctionsIndexed, &st.Error, &st.Cancelled, &started, &completed)
	if err == sql.ErrNoRows {
		return JobStatus{}, ErrNotFound
	}
	if err != nil {
		return JobStatus{}, fmt.Errorf("job status %s: %w", id, err)
	}
	if started.Valid {
		st.StartedAt = started.Time
	}
	if completed.Valid {
		t := completed.Time
		st.CompletedAt = &t
	}
	return st, nil
}

// Job returns the stored request for a job, or ErrNotFound.
func (s *Store) Job(ctx context.Context, id string) (Job, error) {
	var j Job
	var changed string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, repo_url, branch, framework, incremental, changed_files FROM jobs WHERE id = ?", id,
	).Scan(&j.ID, &j.RepoURL, &j.Branch, &j.Framework, &j.Incremental, &changed)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("job %s: %w", id, err)
	}
	j.ChangedFiles = unmarshalStrings(changed)
	return j, nil
}

// ListJobs returns the most recent job statuses, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]JobStatus, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	out := make([]JobStatus, 0, len(ids))
	for _, id := range ids {
		st, err := s.JobStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// --- Cancellation ---

// RequestCancel sets the durable cancellation flag for a job.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE jobs SET cancel_requested = TRUE WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("request cancel %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelRequested reports whether cancellation was requested for a job.
// Unknown jobs report false.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var v bool
	err := s.db.QueryRowContext(ctx, "SELECT cancel_requested FROM jobs WHERE id = ?", id).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancel requested %s: %w", id, err)
	}
	return v, nil
}

// --- Durable queue ---

// ClaimJob atomically moves the oldest pending job to claimed and returns
// it. ok is false when the queue is empty.
func (s *Store) ClaimJob(ctx context.Context) (job Job, ok bool, err error) {
	var changed string
	err = s.db.QueryRowContext(ctx, `
UPDATE jobs SET queue_state = ?, attempts = attempts + 1
WHERE id = (SELECT id FROM jobs WHERE queue_state = ? ORDER BY created_at, id LIMIT 1)
  AND queue_state = ?
RETURNING id, repo_url, branch, framework, incremental, changed_files`,
		QueueClaimed, QueuePending, QueuePending,
	).Scan(&job.ID, &job.RepoURL, &job.Branch, &job.Framework, &job.Incremental, &changed)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	job.ChangedFiles = unmarshalStrings(changed)
	return job, true, nil
}

// ClaimJobID claims one specific pending job, for callers that run a job
// in-process instead of leaving it to the workers. ok is false when the job
// is unknown or already claimed.
func (s *Store) ClaimJobID(ctx context.Context, id string) (ok bool, err error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET queue_state = ?, attempts = attempts + 1 WHERE id = ? AND queue_state = ?",
		QueueClaimed, id, QueuePending)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinishJob marks a claimed job done so it is never claimed again.
func (s *Store) FinishJob(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE jobs SET queue_state = ? WHERE id = ?", QueueDone, id); err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	return nil
}

// RequeueStale returns claimed jobs that never reached a terminal phase to
// the pending state and the queued phase, so the rerun starts over. Called
// at worker startup to recover from a crash.
func (s *Store) RequeueStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET queue_state = ?, phase = ?, percentage = 0 WHERE queue_state = ? AND phase NOT IN (?, ?)",
		QueuePending, PhaseQueued, QueueClaimed, PhaseComplete, PhaseFailed)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingJobs counts jobs waiting to be claimed.
func (s *Store) PendingJobs(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE queue_state = ?", QueuePending).Scan(&n); err != nil {
		return 0, fmt.Errorf("pending jobs: %w", err)
	}
	return n, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
