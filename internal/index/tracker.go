package index

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/jward/arbor/internal/events"
	"github.com/jward/arbor/internal/fault"
)

// Progress reported on entering each phase. Parsing fills the range up to
// the next phase as files complete.
var phasePercent = map[Phase]int{
	PhaseQueued:               0,
	PhaseCloning:              5,
	PhaseDetectingFramework:   15,
	PhaseParsing:              20,
	PhaseBuildingGraph:        60,
	PhaseGeneratingEmbeddings: 80,
	PhaseComplete:             100,
}

// tracker owns one job's status. Phases only move forward, and nothing is
// written once the job is terminal.
type tracker struct {
	o  *Orchestrator
	mu sync.Mutex
	st Status
}

func (o *Orchestrator) newTracker(jobID, repoID string) *tracker {
	return &tracker{o: o, st: Status{ID: jobID, RepoID: repoID, Phase: PhaseQueued}}
}

func (t *tracker) status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st
}

func (t *tracker) begin(ctx context.Context) {
	t.mu.Lock()
	t.st.StartedAt = t.o.now().UTC()
	st := t.st
	t.mu.Unlock()
	t.persist(ctx, st)
}

// advance moves to phase and runs a checkpoint. Moving backwards, or
// moving at all after a terminal phase, is ignored.
func (t *tracker) advance(ctx context.Context, phase Phase) error {
	t.mu.Lock()
	if t.st.Phase.Terminal() || phase.Rank() <= t.st.Phase.Rank() {
		t.mu.Unlock()
		return nil
	}
	t.st.Phase = phase
	t.st.Percentage = phasePercent[phase]
	st := t.st
	t.mu.Unlock()

	t.persist(ctx, st)
	return t.checkpoint(ctx)
}

func (t *tracker) setTotal(n int) {
	t.mu.Lock()
	t.st.TotalFiles = n
	t.mu.Unlock()
}

func (t *tracker) setFunctions(n int) {
	t.mu.Lock()
	t.st.FunctionsIndexed = n
	t.mu.Unlock()
}

// progress records parse progress and runs a checkpoint.
func (t *tracker) progress(ctx context.Context, processed int) error {
	t.mu.Lock()
	if t.st.Phase.Terminal() {
		t.mu.Unlock()
		return nil
	}
	t.st.FilesProcessed = processed
	if t.st.TotalFiles > 0 {
		lo, hi := phasePercent[PhaseParsing], phasePercent[PhaseBuildingGraph]
		t.st.Percentage = lo + (hi-lo)*processed/t.st.TotalFiles
	}
	st := t.st
	t.mu.Unlock()

	t.persist(ctx, st)
	return t.checkpoint(ctx)
}

// checkpoint returns a Cancelled error when the job's cancellation flag is
// set or ctx is done.
func (t *tracker) checkpoint(ctx context.Context) error {
	phase := string(t.status().Phase)
	if ctx.Err() != nil {
		return fault.CancelledAt(phase)
	}
	if t.o.deps.Cancels == nil {
		return nil
	}
	cancelled, err := t.o.deps.Cancels.CancelRequested(ctx, t.st.ID)
	if err != nil {
		t.o.logger.Warn("index.cancel_check", "job", t.st.ID, "err", err)
		return nil
	}
	if cancelled {
		return fault.CancelledAt(phase)
	}
	return nil
}

func (t *tracker) complete(ctx context.Context) {
	t.finish(ctx, PhaseComplete, "", false)
}

// fail moves the job to failed. err's text must already be scrubbed.
func (t *tracker) fail(ctx context.Context, err error) {
	cancelled := fault.IsCancelled(err) || errors.Is(err, context.Canceled)
	t.finish(ctx, PhaseFailed, err.Error(), cancelled)
}

func (t *tracker) finish(ctx context.Context, phase Phase, msg string, cancelled bool) {
	t.mu.Lock()
	if t.st.Phase.Terminal() {
		t.mu.Unlock()
		return
	}
	now := t.o.now().UTC()
	t.st.Phase = phase
	t.st.Error = msg
	t.st.Cancelled = cancelled
	t.st.CompletedAt = &now
	if phase == PhaseComplete {
		t.st.Percentage = 100
	}
	st := t.st
	t.mu.Unlock()

	// A cancelled ctx must not keep the terminal status from landing.
	t.persist(context.WithoutCancel(ctx), st)
}

func (t *tracker) persist(ctx context.Context, st Status) {
	if _, err := t.o.deps.Statuses.SaveStatus(ctx, st); err != nil {
		t.o.logger.Warn("index.status", "job", st.ID, "phase", st.Phase, "err", err)
	}
	t.o.events.Publish(events.Event{
		JobID:            st.ID,
		RepoID:           st.RepoID,
		Phase:            string(st.Phase),
		Percentage:       st.Percentage,
		FilesProcessed:   st.FilesProcessed,
		TotalFiles:       st.TotalFiles,
		FunctionsIndexed: st.FunctionsIndexed,
		Error:            st.Error,
		Cancelled:        st.Cancelled,
	})
}

var idUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// sanitizeID makes a job id safe to embed in a directory name.
func sanitizeID(id string) string {
	s := strings.Trim(idUnsafe.ReplaceAllString(id, "_"), "_")
	if s == "" {
		return "job"
	}
	return s
}
