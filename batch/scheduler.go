// Package batch drives analysis of a URL set with bounded, interruptible
// concurrency. Launching follows a leaky-bucket policy: a new unit starts
// at a fixed interval regardless of how many earlier units are still in
// flight, so instantaneous concurrency equals the number of unresolved
// units rather than a fixed pool size.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lazypagespeed/domain"
	"lazypagespeed/events"
	"lazypagespeed/gateway"
	"lazypagespeed/obs"
)

// Gateway is the slice of the analysis provider the scheduler needs.
type Gateway interface {
	Analyze(ctx context.Context, url string, device domain.DeviceClass, apiKey string) (domain.Report, error)
	AnalyzeBoth(ctx context.Context, url string) (mobile, desktop domain.Report, err error)
}

// PageRegistry is the slice of the page registry the scheduler needs.
// Implementations must serialize writes; analysis units complete
// concurrently.
type PageRegistry interface {
	UpdateStatus(url string, status domain.PageStatus, patch domain.PagePatch) bool
}

type Scheduler struct {
	registry    PageRegistry
	gateway     Gateway
	bus         events.Sink
	launchDelay time.Duration

	mu       sync.Mutex
	running  bool
	paused   bool
	cancel   context.CancelFunc
	inflight int
}

type Option func(*Scheduler)

// WithLaunchDelay overrides the inter-launch delay (default 1s).
func WithLaunchDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.launchDelay = d
		}
	}
}

func NewScheduler(reg PageRegistry, gw Gateway, bus events.Sink, opts ...Option) *Scheduler {
	if bus == nil {
		bus = events.Discard
	}
	s := &Scheduler{
		registry:    reg,
		gateway:     gw,
		bus:         bus,
		launchDelay: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// batchState is the accounting for one batch run. Progress is published
// under its lock, so observers see events in strict completion order.
type batchState struct {
	mu        sync.Mutex
	total     int
	current   int
	completed int
	failed    int
}

// Start runs a batch to completion and blocks until its terminal event has
// been published. At most one batch runs per scheduler; a second Start
// while one is active is a logged no-op. Abort and Pause may be called
// from other goroutines.
func (s *Scheduler) Start(ctx context.Context, settings domain.Settings, urls []string) {
	if len(urls) == 0 {
		slog.Warn("no urls to analyze")
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		slog.Warn("batch already running")
		return
	}
	batchCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.paused = false
	s.cancel = cancel
	s.inflight = 0
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.paused = false
		s.cancel = nil
		s.inflight = 0
		s.mu.Unlock()
	}()

	if len(urls) == 1 {
		s.runSingle(ctx, settings, urls[0])
		return
	}

	st := &batchState{total: len(urls)}
	slog.Debug("batch analysis started", "total", st.total, "proMode", settings.ProMode)
	s.bus.Publish(events.BatchStarted{Total: st.total})

	err := s.runQueue(batchCtx, ctx, settings, urls, st)

	st.mu.Lock()
	completed, failed := st.completed, st.failed
	st.mu.Unlock()

	switch {
	case err != nil:
		slog.Error("batch analysis error", "err", err)
		s.bus.Publish(events.SystemError{Message: "batch analysis failed", Details: err.Error()})
	case batchCtx.Err() != nil:
		slog.Debug("batch analysis aborted", "completed", completed, "remaining", st.total-completed)
		s.bus.Publish(events.BatchAborted{Completed: completed, Remaining: st.total - completed})
	default:
		slog.Debug("batch analysis completed", "completed", completed, "failed", failed)
		s.bus.Publish(events.BatchCompleted{Total: completed + failed, Completed: completed, Failed: failed})
	}
}

// runSingle bypasses the queue and delay machinery for the common
// single-URL case.
func (s *Scheduler) runSingle(ctx context.Context, settings domain.Settings, url string) {
	slog.Debug("single url analysis, starting immediately", "url", url)
	s.bus.Publish(events.BatchStarted{Total: 1})
	if err := s.analyzeURL(ctx, settings, url); err != nil {
		s.bus.Publish(events.BatchCompleted{Total: 1, Completed: 0, Failed: 1})
		return
	}
	s.bus.Publish(events.BatchCompleted{Total: 1, Completed: 1, Failed: 0})
}

// runQueue launches one unit per queued URL in order, throttled by the
// launch delay, then waits for every launched unit to resolve. An abort
// cuts the remaining delay short; a pause takes effect before the next
// launch. Units run on the parent context, not the abort token: abort
// stops launching but never force-cancels in-flight provider calls. A
// panic anywhere in the orchestration is returned as an error so the batch
// still terminates in a defined state.
func (s *Scheduler) runQueue(batchCtx, unitCtx context.Context, settings domain.Settings, urls []string, st *batchState) (err error) {
	var wg sync.WaitGroup
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestration panic: %v", r)
		}
		wg.Wait()
	}()

	for i, url := range urls {
		if batchCtx.Err() != nil || s.isPaused() {
			break
		}

		st.mu.Lock()
		st.current++
		st.mu.Unlock()

		wg.Add(1)
		s.trackInflight(1)
		go func(u string) {
			defer wg.Done()
			defer s.trackInflight(-1)
			s.processURL(unitCtx, settings, u, st)
		}(url)

		if i < len(urls)-1 {
			timer := time.NewTimer(s.launchDelay)
			select {
			case <-batchCtx.Done():
			case <-timer.C:
			}
			timer.Stop()
		}
	}
	return nil
}

func (s *Scheduler) processURL(ctx context.Context, settings domain.Settings, url string, st *batchState) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				// A panicking unit must not take down the batch; record it
				// as a per-URL failure.
				slog.Error("analysis unit panic", "url", url, "panic", r)
				err = fmt.Errorf("panic: %v", r)
				s.registry.UpdateStatus(url, domain.PageStatusFailed, domain.PagePatch{Error: err.Error()})
			}
		}()
		err = s.analyzeURL(ctx, settings, url)
	}()

	st.mu.Lock()
	defer st.mu.Unlock()
	if err != nil {
		st.failed++
	} else {
		st.completed++
	}
	// Published under the state lock: progress order is completion order.
	s.bus.Publish(events.BatchProgress{
		Current:   st.current,
		Total:     st.total,
		Completed: st.completed,
		Failed:    st.failed,
	})
}

// analyzeURL runs both device classes for one URL and records the outcome
// on the page. A failure never aborts the batch; it is recorded and
// reported back to the caller for accounting only.
func (s *Scheduler) analyzeURL(ctx context.Context, settings domain.Settings, url string) error {
	start := time.Now()
	s.registry.UpdateStatus(url, domain.PageStatusProcessing, domain.PagePatch{})

	slog.Debug("analyzing url", "url", url, "proMode", settings.ProMode)

	var (
		mobile, desktop domain.Report
		err             error
	)
	if settings.ProMode {
		mobile, desktop, err = s.analyzePro(ctx, url, settings.APIKey)
	} else {
		mobile, desktop, err = s.gateway.AnalyzeBoth(ctx, url)
	}
	obs.RecordWorkerJob("batch-analyze", start, err)

	if err != nil {
		slog.Error("analysis failed", "url", url, "err", err)
		s.registry.UpdateStatus(url, domain.PageStatusFailed, domain.PagePatch{Error: err.Error()})
		if gateway.KindOf(err) == gateway.KindUnauthorized {
			s.bus.Publish(events.AlertRequested{
				Title:   "API key error",
				Message: "API key is invalid or expired, please check your settings",
			})
		}
		return err
	}

	s.registry.UpdateStatus(url, domain.PageStatusSuccess, domain.PagePatch{
		Reports: &domain.Reports{Mobile: mobile, Desktop: desktop},
	})
	slog.Debug("analysis completed", "url", url)
	return nil
}

// analyzePro fetches both device classes directly from the provider,
// concurrently, with the user's own key.
func (s *Scheduler) analyzePro(ctx context.Context, url, apiKey string) (mobile, desktop domain.Report, err error) {
	type result struct {
		device domain.DeviceClass
		report domain.Report
		err    error
	}
	ch := make(chan result, 2)
	for _, device := range []domain.DeviceClass{domain.DeviceMobile, domain.DeviceDesktop} {
		go func(d domain.DeviceClass) {
			rep, e := s.gateway.Analyze(ctx, url, d, apiKey)
			ch <- result{device: d, report: rep, err: e}
		}(device)
	}
	for i := 0; i < 2; i++ {
		res := <-ch
		if res.err != nil && err == nil {
			err = res.err
		}
		if res.device == domain.DeviceMobile {
			mobile = res.report
		} else {
			desktop = res.report
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return mobile, desktop, nil
}

// Pause stops future launches; in-flight units are left to resolve
// naturally. No-op when no batch is active.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		slog.Warn("no batch processing to pause")
		return
	}
	s.paused = true
	hasProcessing := s.inflight > 0
	s.mu.Unlock()

	slog.Debug("batch analysis paused", "hasProcessingURL", hasProcessing)
	s.bus.Publish(events.BatchPaused{HasProcessingURL: hasProcessing, Timestamp: time.Now()})
}

// Abort signals cooperative cancellation: no further units launch and the
// remaining launch delay is cut short, but in-flight provider calls are
// not force-cancelled. No-op when no batch is active.
func (s *Scheduler) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cancel == nil {
		slog.Warn("no batch processing to abort")
		return
	}
	slog.Debug("aborting batch analysis")
	s.cancel()
}

// Running reports whether a batch is currently active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) trackInflight(delta int) {
	s.mu.Lock()
	s.inflight += delta
	s.mu.Unlock()
}
