package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makt28/plugwatch/internal/notify"
	"github.com/makt28/plugwatch/internal/storage"
	"github.com/makt28/plugwatch/internal/tuya"
)

// StatusSource reports the current device connectivity.
type StatusSource interface {
	Status(ctx context.Context) (tuya.DeviceStatus, error)
}

// Ingester consumes pending subscription requests.
type Ingester interface {
	Ingest(ctx context.Context) error
}

// Notifier delivers one message to all targets.
type Notifier interface {
	Notify(ctx context.Context, text string) (notify.Delivery, error)
}

// Outcome is how a cycle ended.
type Outcome string

const (
	// OutcomeBaseline: no prior record, the observed state was stored silently.
	OutcomeBaseline Outcome = "baseline"
	// OutcomeStable: the state matches the record, nothing was written.
	OutcomeStable Outcome = "stable"
	// OutcomeTransition: the state changed, subscribers were notified.
	OutcomeTransition Outcome = "transition"
)

// CycleResult describes one completed cycle.
type CycleResult struct {
	RunID      string          `json:"run_id"`
	Outcome    Outcome         `json:"outcome"`
	State      storage.State   `json:"state"`
	Previous   storage.State   `json:"previous,omitempty"`
	ObservedAt int64           `json:"observed_at"`
	Elapsed    string          `json:"elapsed,omitempty"`
	Delivery   notify.Delivery `json:"delivery"`
}

// Report is the last cycle outcome kept for health reporting.
type Report struct {
	At     time.Time    `json:"at"`
	Result *CycleResult `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Deps are the collaborators of a Runner. Ingester may be nil.
type Deps struct {
	Ingester Ingester
	Status   StatusSource
	State    storage.StateStore
	Notifier Notifier
}

// Runner executes check cycles: ingest updates, query the device, compare
// with the stored state, notify on change, then persist. Cycles never
// overlap within one process.
type Runner struct {
	mu   sync.Mutex
	deps Deps

	lastMu sync.RWMutex
	last   *Report
}

// NewRunner creates a Runner.
func NewRunner(deps Deps) *Runner {
	return &Runner{deps: deps}
}

// RunCycle performs one check cycle. A returned error means the cycle was
// aborted; the stored state is only advanced after the notification attempt.
func (r *Runner) RunCycle(ctx context.Context) (CycleResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	runID := uuid.NewString()
	log := slog.With("run_id", runID)

	res, err := r.runCycle(ctx, log, runID)
	r.record(res, err)
	if err != nil {
		log.Error("check cycle failed", "error", err)
		return res, err
	}
	return res, nil
}

func (r *Runner) runCycle(ctx context.Context, log *slog.Logger, runID string) (CycleResult, error) {
	res := CycleResult{RunID: runID}

	if r.deps.Ingester != nil {
		if err := r.deps.Ingester.Ingest(ctx); err != nil {
			log.Warn("update ingestion failed", "error", err)
		}
	}

	status, err := r.deps.Status.Status(ctx)
	if err != nil {
		return res, err
	}
	current := storage.StateOf(status.Online)
	res.State = current
	res.ObservedAt = status.ObservedAt

	prev, found, err := r.deps.State.Load(ctx)
	switch {
	case errors.Is(err, storage.ErrCorrupt):
		log.Warn("stored state corrupt, recording a new baseline", "error", err)
		found = false
	case err != nil:
		return res, err
	}

	observedAt := status.ObservedAt
	next := storage.PersistedState{LastState: current, TransitionTime: &observedAt}

	if !found {
		if err := r.deps.State.Save(ctx, next); err != nil {
			return res, err
		}
		res.Outcome = OutcomeBaseline
		log.Info("recorded baseline state", "state", current)
		return res, nil
	}

	res.Previous = prev.LastState
	if prev.LastState == current {
		res.Outcome = OutcomeStable
		log.Debug("device state unchanged", "state", current)
		return res, nil
	}

	res.Outcome = OutcomeTransition
	var elapsed time.Duration
	known := prev.TransitionTime != nil
	if known {
		elapsed = time.Duration(observedAt-*prev.TransitionTime) * time.Millisecond
		res.Elapsed = FormatDuration(elapsed)
	}
	log.Info("device state changed", "from", prev.LastState, "to", current, "elapsed", res.Elapsed)

	delivery, err := r.deps.Notifier.Notify(ctx, FormatMessage(current, elapsed, known))
	res.Delivery = delivery
	var dispatchErr *notify.DispatchError
	switch {
	case errors.As(err, &dispatchErr):
		log.Warn("notification partially delivered", "sent", delivery.Sent, "failed", delivery.Failed)
	case err != nil:
		return res, fmt.Errorf("notify: %w", err)
	}

	if err := r.deps.State.Save(ctx, next); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Runner) record(res CycleResult, err error) {
	rep := &Report{At: time.Now()}
	if err != nil {
		rep.Error = err.Error()
	} else {
		rep.Result = &res
	}
	r.lastMu.Lock()
	r.last = rep
	r.lastMu.Unlock()
}

// LastReport returns the most recent cycle report, or nil before the first cycle.
func (r *Runner) LastReport() *Report {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	if r.last == nil {
		return nil
	}
	cp := *r.last
	return &cp
}
