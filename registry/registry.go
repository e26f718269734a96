// Package registry is the single source of truth for analyzed pages.
// Every mutation goes through its API and emits a domain event.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"lazypagespeed/domain"
	"lazypagespeed/events"
)

var (
	ErrDuplicateURL = errors.New("url already exists")
	ErrURLNotFound  = errors.New("url not found")
)

// Store is the page registry contract consumed by the batch scheduler and
// the HTTP layer.
//
// NOTE: analysis units complete concurrently, so implementations must
// serialize writes internally.
type Store interface {
	Add(url string) error
	Remove(url string) error
	Rename(oldURL, newURL string) error
	UpdateStatus(url string, status domain.PageStatus, patch domain.PagePatch) bool
	Get(url string) (*domain.Page, bool)
	GetAll() []*domain.Page
	PendingURLs() []string
	Statistics() domain.Statistics
	Clear() int
	Import(pages []*domain.Page)
}

type InMemory struct {
	mu    sync.Mutex
	pages map[string]*domain.Page
	order []string
	bus   events.Sink
	now   func() time.Time
}

func NewInMemory(bus events.Sink) *InMemory {
	if bus == nil {
		bus = events.Discard
	}
	return &InMemory{
		pages: make(map[string]*domain.Page),
		bus:   bus,
		now:   time.Now,
	}
}

func (r *InMemory) Add(url string) error {
	r.mu.Lock()
	if _, ok := r.pages[url]; ok {
		r.mu.Unlock()
		slog.Warn("url already exists", "url", url)
		return ErrDuplicateURL
	}
	r.pages[url] = &domain.Page{
		URL:     url,
		Status:  domain.PageStatusPending,
		AddedAt: r.now(),
	}
	r.order = append(r.order, url)
	stats := r.statsLocked()
	r.mu.Unlock()

	r.bus.Publish(events.URLAdded{URL: url})
	r.bus.Publish(events.StatisticsUpdated{Stats: stats})
	return nil
}

func (r *InMemory) Remove(url string) error {
	r.mu.Lock()
	if _, ok := r.pages[url]; !ok {
		r.mu.Unlock()
		slog.Warn("url not found", "url", url)
		return ErrURLNotFound
	}
	delete(r.pages, url)
	r.dropFromOrderLocked(url)
	stats := r.statsLocked()
	r.mu.Unlock()

	r.bus.Publish(events.URLRemoved{URL: url})
	r.bus.Publish(events.StatisticsUpdated{Stats: stats})
	return nil
}

func (r *InMemory) Rename(oldURL, newURL string) error {
	if oldURL == newURL {
		return nil
	}
	r.mu.Lock()
	p, ok := r.pages[oldURL]
	if !ok {
		r.mu.Unlock()
		return ErrURLNotFound
	}
	if _, exists := r.pages[newURL]; exists {
		r.mu.Unlock()
		return ErrDuplicateURL
	}
	delete(r.pages, oldURL)
	p.URL = newURL
	r.pages[newURL] = p
	for i, u := range r.order {
		if u == oldURL {
			r.order[i] = newURL
			break
		}
	}
	stats := r.statsLocked()
	r.mu.Unlock()

	r.bus.Publish(events.URLRenamed{OldURL: oldURL, NewURL: newURL})
	r.bus.Publish(events.StatisticsUpdated{Stats: stats})
	return nil
}

func (r *InMemory) UpdateStatus(url string, status domain.PageStatus, patch domain.PagePatch) bool {
	r.mu.Lock()
	p, ok := r.pages[url]
	if !ok {
		r.mu.Unlock()
		slog.Error("url not found for status update", "url", url)
		return false
	}
	applyPatch(p, status, patch)
	stats := r.statsLocked()
	r.mu.Unlock()

	r.publishStatusEvent(url, status, patch)
	r.bus.Publish(events.StatisticsUpdated{Stats: stats})
	return true
}

func applyPatch(p *domain.Page, status domain.PageStatus, patch domain.PagePatch) {
	p.Status = status
	if patch.ClearReports {
		p.Reports = domain.Reports{}
		p.ReportIDs = nil
		p.Error = ""
	}
	if patch.Reports != nil {
		p.Reports = *patch.Reports
	}
	if patch.ReportIDs != nil {
		p.ReportIDs = patch.ReportIDs
	}
	if patch.Error != "" {
		p.Error = patch.Error
	}
}

func (r *InMemory) publishStatusEvent(url string, status domain.PageStatus, patch domain.PagePatch) {
	switch status {
	case domain.PageStatusPending:
		r.bus.Publish(events.AnalysisReset{URL: url})
	case domain.PageStatusProcessing:
		r.bus.Publish(events.AnalysisStarted{URL: url})
	case domain.PageStatusSuccess:
		r.bus.Publish(events.AnalysisCompleted{URL: url, ReportIDs: patch.ReportIDs})
	case domain.PageStatusFailed:
		r.bus.Publish(events.AnalysisFailed{URL: url, Error: patch.Error})
	}
}

func (r *InMemory) Get(url string) (*domain.Page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pages[url]
	if !ok {
		return nil, false
	}
	// Return a copy to avoid data races outside the lock.
	cp := *p
	return &cp, true
}

func (r *InMemory) GetAll() []*domain.Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Page, 0, len(r.order))
	for _, u := range r.order {
		if p, ok := r.pages[u]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

func (r *InMemory) PendingURLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, u := range r.order {
		if p, ok := r.pages[u]; ok && p.Status == domain.PageStatusPending {
			out = append(out, u)
		}
	}
	return out
}

func (r *InMemory) Statistics() domain.Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked()
}

func (r *InMemory) statsLocked() domain.Statistics {
	var s domain.Statistics
	s.Total = len(r.pages)
	for _, p := range r.pages {
		switch p.Status {
		case domain.PageStatusPending:
			s.Pending++
		case domain.PageStatusProcessing:
			s.Analyzing++
		case domain.PageStatusSuccess:
			s.Completed++
		case domain.PageStatusFailed:
			s.Failed++
		}
	}
	return s
}

func (r *InMemory) Clear() int {
	r.mu.Lock()
	count := len(r.pages)
	r.pages = make(map[string]*domain.Page)
	r.order = nil
	stats := r.statsLocked()
	r.mu.Unlock()

	r.bus.Publish(events.DataCleared{Count: count})
	r.bus.Publish(events.StatisticsUpdated{Stats: stats})
	return count
}

// Import replaces the registry contents with pages restored from an
// exported file or a share snapshot.
func (r *InMemory) Import(pages []*domain.Page) {
	r.mu.Lock()
	r.pages = make(map[string]*domain.Page, len(pages))
	r.order = r.order[:0]
	urls := make([]string, 0, len(pages))
	for _, p := range pages {
		if p == nil || p.URL == "" {
			continue
		}
		if _, dup := r.pages[p.URL]; dup {
			continue
		}
		cp := *p
		if cp.Status == "" {
			cp.Status = domain.PageStatusPending
		}
		r.pages[cp.URL] = &cp
		r.order = append(r.order, cp.URL)
		urls = append(urls, cp.URL)
	}
	stats := r.statsLocked()
	r.mu.Unlock()

	r.bus.Publish(events.DataImported{URLs: urls})
	r.bus.Publish(events.StatisticsUpdated{Stats: stats})
}

func (r *InMemory) dropFromOrderLocked(url string) {
	for i, u := range r.order {
		if u == url {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
