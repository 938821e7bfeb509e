package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sawpanic/alphaforge/internal/backtest/walkforward"
	alog "github.com/sawpanic/alphaforge/internal/log"
	"github.com/sawpanic/alphaforge/internal/metrics"
	"github.com/sawpanic/alphaforge/internal/report/assemble"
)

// cancelledMessage is the FAILURE message of a cancelled run
const cancelledMessage = "Backtest cancelled"

// Host runs backtests in the background and adapts the engine's push-style
// progress to a pollable status per run
type Host struct {
	service   *Service
	store     StatusStore
	metrics   *metrics.Registry
	outputDir string
	progress  io.Writer
	newID     func() string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// HostOption configures a Host
type HostOption func(*Host)

// WithHostMetrics counts run lifecycles in reg
func WithHostMetrics(reg *metrics.Registry) HostOption {
	return func(h *Host) { h.metrics = reg }
}

// WithArtifacts writes result.json, rebalances.csv and report.md for each
// successful run under dir/{runID}
func WithArtifacts(dir string) HostOption {
	return func(h *Host) { h.outputDir = dir }
}

// WithProgressBar renders a progress bar for each run to w
func WithProgressBar(w io.Writer) HostOption {
	return func(h *Host) { h.progress = w }
}

// WithIDGenerator replaces the uuid run ids
func WithIDGenerator(fn func() string) HostOption {
	return func(h *Host) { h.newID = fn }
}

// NewHost creates a host over service and store
func NewHost(service *Service, store StatusStore, opts ...HostOption) *Host {
	h := &Host{
		service: service,
		store:   store,
		newID:   uuid.NewString,
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Submit validates cfg, records the run as PENDING and starts it. The run is
// detached from ctx; use Cancel to stop it.
func (h *Host) Submit(ctx context.Context, cfg walkforward.Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	runID := h.newID()
	pending := Status{RunID: runID, State: StatePending, Config: &cfg, UpdatedAt: time.Now().UTC()}
	if err := h.store.Put(ctx, pending); err != nil {
		return "", fmt.Errorf("failed to record run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.cancels[runID] = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.release(runID)
		h.execute(runCtx, runID, cfg)
	}()

	log.Info().Str("run_id", runID).Str("universe", cfg.Universe).Str("portfolio_id", cfg.PortfolioID).
		Msg("Backtest submitted")
	return runID, nil
}

// Run executes cfg synchronously under ctx, recording statuses as Submit does
func (h *Host) Run(ctx context.Context, cfg walkforward.Config) (string, *assemble.Result, error) {
	if err := cfg.Validate(); err != nil {
		return "", nil, err
	}
	runID := h.newID()
	if err := h.store.Put(ctx, Status{RunID: runID, State: StatePending, Config: &cfg, UpdatedAt: time.Now().UTC()}); err != nil {
		return "", nil, fmt.Errorf("failed to record run: %w", err)
	}
	res, err := h.execute(ctx, runID, cfg)
	return runID, res, err
}

func (h *Host) execute(ctx context.Context, runID string, cfg walkforward.Config) (*assemble.Result, error) {
	started := time.Now()
	mode := "model"
	if cfg.PortfolioID != "" {
		mode = "custom"
	}
	if h.metrics != nil {
		h.metrics.RunStarted()
	}

	indicator := alog.NewProgressIndicator("backtest "+runID, 0, h.progress)
	progress := func(p walkforward.Progress) {
		indicator.Report(p.Step, p.Total, p.Message)
		h.put(runID, Status{
			RunID:     runID,
			State:     StateProgress,
			Message:   p.Message,
			Step:      p.Step,
			Total:     p.Total,
			Config:    &cfg,
			UpdatedAt: time.Now().UTC(),
		})
	}

	res, err := h.service.Run(ctx, runID, cfg, progress)
	final := Status{RunID: runID, Config: &cfg, UpdatedAt: time.Now().UTC()}
	switch {
	case err == nil:
		final.State = StateSuccess
		final.Result = res
		indicator.Finish(fmt.Sprintf("%d rebalances", res.Summary.Rebalances))
		h.writeArtifacts(runID, res)
	case errors.Is(err, context.Canceled):
		final.State = StateFailure
		final.Message = cancelledMessage
		indicator.Fail(cancelledMessage)
	default:
		final.State = StateFailure
		final.Message = err.Error()
		indicator.Fail(err.Error())
	}
	// the terminal status must land even when ctx was cancelled
	h.put(runID, final)

	if h.metrics != nil {
		h.metrics.RunFinished(string(final.State), mode, time.Since(started))
	}
	return res, err
}

func (h *Host) put(runID string, status Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.Put(ctx, status); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Str("state", string(status.State)).
			Msg("Failed to record run status")
	}
}

func (h *Host) writeArtifacts(runID string, res *assemble.Result) {
	if h.outputDir == "" {
		return
	}
	paths, err := assemble.NewWriter(h.outputDir, runID).WriteAll(res)
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("Failed to write run artifacts")
		return
	}
	log.Info().Str("run_id", runID).Str("dir", paths.OutputDir).Msg("Run artifacts written")
}

func (h *Host) release(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.cancels[runID]; ok {
		cancel()
		delete(h.cancels, runID)
	}
}

// Status returns the latest status of a run
func (h *Host) Status(ctx context.Context, runID string) (Status, error) {
	return h.store.Get(ctx, runID)
}

// Cancel requests cancellation of a running run. It reports false when the
// run is unknown or already finished. The run stops before its next
// rebalance and ends in FAILURE without a result.
func (h *Host) Cancel(runID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cancel, ok := h.cancels[runID]
	if ok {
		cancel()
	}
	return ok
}

// Active lists the ids of runs still executing
func (h *Host) Active() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.cancels))
	for id := range h.cancels {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until all submitted runs have finished
func (h *Host) Wait() {
	h.wg.Wait()
}

// Shutdown cancels all runs and waits for them until ctx expires
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for _, cancel := range h.cancels {
		cancel()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
