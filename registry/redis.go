package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"lazypagespeed/domain"
	"lazypagespeed/events"
)

// pageRecord is the serialized form of a Page in Redis. Kept separate from
// the domain type so wire layout changes stay deliberate.
type pageRecord struct {
	URL       string                        `json:"url"`
	Status    domain.PageStatus             `json:"status"`
	Reports   domain.Reports                `json:"reports"`
	ReportIDs map[domain.DeviceClass]string `json:"reportIds,omitempty"`
	Error     string                        `json:"error,omitempty"`
	AddedAt   time.Time                     `json:"addedAt"`
}

func recordFromPage(p *domain.Page) pageRecord {
	if p == nil {
		return pageRecord{}
	}
	return pageRecord{
		URL:       p.URL,
		Status:    p.Status,
		Reports:   p.Reports,
		ReportIDs: p.ReportIDs,
		Error:     p.Error,
		AddedAt:   p.AddedAt,
	}
}

func pageFromRecord(r pageRecord) *domain.Page {
	return &domain.Page{
		URL:       r.URL,
		Status:    r.Status,
		Reports:   r.Reports,
		ReportIDs: r.ReportIDs,
		Error:     r.Error,
		AddedAt:   r.AddedAt,
	}
}

// Redis is a PageRegistry shared across pods. Page state survives restarts
// for the configured TTL; ordering is kept in a side list.
type Redis struct {
	rdb       *redis.Client
	keyPrefix string
	orderKey  string
	ttl       time.Duration
	bus       events.Sink
}

func readPageTTL() time.Duration {
	raw := strings.TrimSpace(os.Getenv("PAGE_TTL_SECONDS"))
	if raw == "" {
		return 7 * 24 * time.Hour
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(n) * time.Second
}

func NewRedis(addr, password string, bus events.Sink) (*Redis, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis addr empty")
	}
	if bus == nil {
		bus = events.Discard
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(password),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Printf("page registry: redis enabled addr=%s ttl=%s", addr, readPageTTL())

	return &Redis{
		rdb:       rdb,
		keyPrefix: "lps:page:",
		orderKey:  "lps:pages:order",
		ttl:       readPageTTL(),
		bus:       bus,
	}, nil
}

func (r *Redis) key(url string) string { return r.keyPrefix + url }

func (r *Redis) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func (r *Redis) Add(url string) error {
	if strings.TrimSpace(url) == "" {
		return ErrURLNotFound
	}
	b, err := json.Marshal(recordFromPage(&domain.Page{
		URL:     url,
		Status:  domain.PageStatusPending,
		AddedAt: time.Now(),
	}))
	if err != nil {
		return err
	}
	ctx, cancel := r.ctx()
	defer cancel()
	ok, err := r.rdb.SetNX(ctx, r.key(url), b, r.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicateURL
	}
	if err := r.rdb.RPush(ctx, r.orderKey, url).Err(); err != nil {
		return err
	}
	r.bus.Publish(events.URLAdded{URL: url})
	r.bus.Publish(events.StatisticsUpdated{Stats: r.Statistics()})
	return nil
}

func (r *Redis) Remove(url string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	n, err := r.rdb.Del(ctx, r.key(url)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrURLNotFound
	}
	_ = r.rdb.LRem(ctx, r.orderKey, 0, url).Err()
	r.bus.Publish(events.URLRemoved{URL: url})
	r.bus.Publish(events.StatisticsUpdated{Stats: r.Statistics()})
	return nil
}

func (r *Redis) Rename(oldURL, newURL string) error {
	if oldURL == newURL {
		return nil
	}
	p, ok := r.Get(oldURL)
	if !ok {
		return ErrURLNotFound
	}
	if _, exists := r.Get(newURL); exists {
		return ErrDuplicateURL
	}
	p.URL = newURL
	b, err := json.Marshal(recordFromPage(p))
	if err != nil {
		return err
	}
	ctx, cancel := r.ctx()
	defer cancel()
	created, err := r.rdb.SetNX(ctx, r.key(newURL), b, r.ttl).Result()
	if err != nil {
		return err
	}
	if !created {
		return ErrDuplicateURL
	}
	_ = r.rdb.Del(ctx, r.key(oldURL)).Err()
	// Keep the original position in the order list.
	urls, _ := r.rdb.LRange(ctx, r.orderKey, 0, -1).Result()
	for i, u := range urls {
		if u == oldURL {
			_ = r.rdb.LSet(ctx, r.orderKey, int64(i), newURL).Err()
			break
		}
	}
	r.bus.Publish(events.URLRenamed{OldURL: oldURL, NewURL: newURL})
	r.bus.Publish(events.StatisticsUpdated{Stats: r.Statistics()})
	return nil
}

func (r *Redis) UpdateStatus(url string, status domain.PageStatus, patch domain.PagePatch) bool {
	key := r.key(url)
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	updated := false
	for i := 0; i < 8; i++ {
		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				updated = false
				return nil
			}
			if err != nil {
				return err
			}
			var rec pageRecord
			if err := json.Unmarshal([]byte(val), &rec); err != nil {
				return err
			}
			p := pageFromRecord(rec)
			applyPatch(p, status, patch)
			nb, err := json.Marshal(recordFromPage(p))
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, r.ttl)
				return nil
			})
			if err == nil {
				updated = true
			}
			return err
		}, key)

		if err == nil {
			break
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		log.Printf("page registry update failed url=%s: %v", url, err)
		return false
	}

	if !updated {
		return false
	}
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
	r.bus.Publish(events.StatisticsUpdated{Stats: r.Statistics()})
	return true
}

func (r *Redis) Get(url string) (*domain.Page, bool) {
	ctx, cancel := r.ctx()
	defer cancel()
	val, err := r.rdb.Get(ctx, r.key(url)).Result()
	if err != nil {
		return nil, false
	}
	var rec pageRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, false
	}
	return pageFromRecord(rec), true
}

func (r *Redis) GetAll() []*domain.Page {
	ctx, cancel := r.ctx()
	defer cancel()
	urls, err := r.rdb.LRange(ctx, r.orderKey, 0, -1).Result()
	if err != nil {
		return nil
	}
	out := make([]*domain.Page, 0, len(urls))
	for _, u := range urls {
		if p, ok := r.Get(u); ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *Redis) PendingURLs() []string {
	var out []string
	for _, p := range r.GetAll() {
		if p.Status == domain.PageStatusPending {
			out = append(out, p.URL)
		}
	}
	return out
}

func (r *Redis) Statistics() domain.Statistics {
	var s domain.Statistics
	for _, p := range r.GetAll() {
		s.Total++
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

func (r *Redis) Clear() int {
	ctx, cancel := r.ctx()
	defer cancel()
	urls, _ := r.rdb.LRange(ctx, r.orderKey, 0, -1).Result()
	for _, u := range urls {
		_ = r.rdb.Del(ctx, r.key(u)).Err()
	}
	_ = r.rdb.Del(ctx, r.orderKey).Err()
	r.bus.Publish(events.DataCleared{Count: len(urls)})
	r.bus.Publish(events.StatisticsUpdated{Stats: domain.Statistics{}})
	return len(urls)
}

func (r *Redis) Import(pages []*domain.Page) {
	_ = r.Clear()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	urls := make([]string, 0, len(pages))
	for _, p := range pages {
		if p == nil || p.URL == "" {
			continue
		}
		cp := *p
		if cp.Status == "" {
			cp.Status = domain.PageStatusPending
		}
		b, err := json.Marshal(recordFromPage(&cp))
		if err != nil {
			continue
		}
		created, err := r.rdb.SetNX(ctx, r.key(cp.URL), b, r.ttl).Result()
		if err != nil || !created {
			continue
		}
		_ = r.rdb.RPush(ctx, r.orderKey, cp.URL).Err()
		urls = append(urls, cp.URL)
	}
	r.bus.Publish(events.DataImported{URLs: urls})
	r.bus.Publish(events.StatisticsUpdated{Stats: r.Statistics()})
}
