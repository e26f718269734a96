package events

import (
	"sync"
	"time"

	"lazypagespeed/domain"
)

// Event is implemented by every payload published on the bus.
// Kind is a stable string identifier (used by log sinks and tests).
type Event interface {
	Kind() string
}

// Batch lifecycle events. Progress fires in completion order, not launch
// order: units finish whenever their network calls resolve.

type BatchStarted struct {
	Total int
}

type BatchProgress struct {
	Current   int
	Total     int
	Completed int
	Failed    int
}

type BatchPaused struct {
	HasProcessingURL bool
	Timestamp        time.Time
}

type BatchAborted struct {
	Completed int
	Remaining int
}

type BatchCompleted struct {
	Total     int
	Completed int
	Failed    int
}

// SystemError reports an orchestration failure (not a per-URL failure).
type SystemError struct {
	Message string
	Details string
}

// AlertRequested asks the UI layer to surface a user-facing alert,
// e.g. an invalid API key.
type AlertRequested struct {
	Title   string
	Message string
}

// Registry (domain) events, one per mutation.

type URLAdded struct{ URL string }

type URLRemoved struct{ URL string }

type URLRenamed struct{ OldURL, NewURL string }

type AnalysisReset struct{ URL string }

type AnalysisStarted struct{ URL string }

type AnalysisCompleted struct {
	URL       string
	ReportIDs map[domain.DeviceClass]string
}

type AnalysisFailed struct {
	URL   string
	Error string
}

type DataCleared struct{ Count int }

type DataImported struct{ URLs []string }

type StatisticsUpdated struct{ Stats domain.Statistics }

func (BatchStarted) Kind() string      { return "batch_started" }
func (BatchProgress) Kind() string     { return "batch_progress" }
func (BatchPaused) Kind() string       { return "batch_paused" }
func (BatchAborted) Kind() string      { return "batch_aborted" }
func (BatchCompleted) Kind() string    { return "batch_completed" }
func (SystemError) Kind() string       { return "system_error" }
func (AlertRequested) Kind() string    { return "alert_requested" }
func (URLAdded) Kind() string          { return "url_added" }
func (URLRemoved) Kind() string        { return "url_removed" }
func (URLRenamed) Kind() string        { return "url_renamed" }
func (AnalysisReset) Kind() string     { return "analysis_reset" }
func (AnalysisStarted) Kind() string   { return "analysis_started" }
func (AnalysisCompleted) Kind() string { return "analysis_completed" }
func (AnalysisFailed) Kind() string    { return "analysis_failed" }
func (DataCleared) Kind() string       { return "data_cleared" }
func (DataImported) Kind() string      { return "data_imported" }
func (StatisticsUpdated) Kind() string { return "statistics_updated" }

// Sink receives published events. Publish must be safe for concurrent use;
// analysis units publish from their own goroutines.
type Sink interface {
	Publish(e Event)
}

// Bus is a minimal synchronous fan-out sink. Handlers run on the
// publisher's goroutine, so the order handlers observe is exactly the
// order of Publish calls.
type Bus struct {
	mu       sync.Mutex
	handlers []func(Event)
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, fn)
}

func (b *Bus) Publish(e Event) {
	if b == nil || e == nil {
		return
	}
	b.mu.Lock()
	hs := make([]func(Event), len(b.handlers))
	copy(hs, b.handlers)
	b.mu.Unlock()
	for _, fn := range hs {
		fn(e)
	}
}

// Discard is a Sink that drops everything; handy for components that are
// wired without an observer.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Event) {}
