// Package shares creates and resolves time-bounded share snapshots. A
// snapshot pins an URL list, the caller's view settings and a set of
// content-hash references to stored report blobs behind a short id.
package shares

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lazypagespeed/contenthash"
	"lazypagespeed/reportstore"
)

var (
	ErrNoURLs   = errors.New("urls cannot be empty")
	ErrNotFound = errors.New("share not found")
	ErrExpired  = errors.New("share has expired")
)

// TTL bounds every snapshot. The stored expiresAt field and the KV-level
// expiry both enforce it; the field check wins when eviction lags.
const TTL = 7 * 24 * time.Hour

const keyPrefix = "share:meta:"

// Ref points at one stored report blob. The domain is captured at
// creation time so resolution never needs to reparse the source URL.
type Ref struct {
	Hash   string `json:"hash"`
	Domain string `json:"domain"`
}

// UnmarshalJSON also accepts the legacy wire form, a bare hash string
// with no domain. Records written before domain capture still resolve.
func (r *Ref) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		r.Hash = bare
		r.Domain = ""
		return nil
	}
	type refAlias Ref
	var full refAlias
	if err := json.Unmarshal(data, &full); err != nil {
		return err
	}
	*r = Ref(full)
	return nil
}

// Record is the persisted snapshot metadata. Timestamps are Unix
// milliseconds for compatibility with existing stored records.
type Record struct {
	URLs      []string        `json:"urls"`
	Config    json.RawMessage `json:"config"`
	Refs      map[string]Ref  `json:"reportIds"`
	CreatedAt int64           `json:"createdAt"`
	ExpiresAt int64           `json:"expiresAt"`
}

// Snapshot is a resolved share: the record plus the report content for
// every reference whose blob could be found.
type Snapshot struct {
	URLs      []string
	Config    json.RawMessage
	Reports   map[string]json.RawMessage
	CreatedAt int64
	ExpiresAt int64
}

// KV is the metadata store. Set must honor the ttl.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

type Service struct {
	kv      KV
	reports *reportstore.Store
	now     func() time.Time
}

func New(kv KV, reports *reportstore.Store) *Service {
	return &Service{kv: kv, reports: reports, now: time.Now}
}

// Create persists a snapshot and returns its id. The id is derived from
// the sorted URL list and the report hashes, so identical content always
// yields the same id and re-creating a share refreshes its expiry instead
// of minting a new link. URLs whose hostname cannot be parsed get no
// reference; they still appear in the URL list.
func (s *Service) Create(ctx context.Context, urls []string, config json.RawMessage, reportIDs map[string]string) (string, error) {
	if len(urls) == 0 {
		return "", ErrNoURLs
	}

	shareID := contenthash.ShareID(urls, reportIDs)

	refs := make(map[string]Ref, len(reportIDs))
	for url, hash := range reportIDs {
		domain, err := reportstore.DomainForURL(url)
		if err != nil {
			continue
		}
		refs[url] = Ref{Hash: hash, Domain: domain}
	}

	if config == nil {
		config = json.RawMessage(`{}`)
	}
	now := s.now()
	rec := Record{
		URLs:      urls,
		Config:    config,
		Refs:      refs,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(TTL).UnixMilli(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode share record: %w", err)
	}
	if err := s.kv.Set(ctx, keyPrefix+shareID, b, TTL); err != nil {
		return "", fmt.Errorf("persist share record: %w", err)
	}
	return shareID, nil
}

// Get resolves a snapshot. ErrNotFound when no record exists, ErrExpired
// once now passes the stored expiresAt even if the KV entry has not been
// evicted yet. References whose blob is gone are omitted from Reports;
// a partial snapshot is a valid snapshot.
func (s *Service) Get(ctx context.Context, shareID string) (*Snapshot, error) {
	raw, ok, err := s.kv.Get(ctx, keyPrefix+shareID)
	if err != nil {
		return nil, fmt.Errorf("load share record: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode share record: %w", err)
	}
	if s.now().UnixMilli() > rec.ExpiresAt {
		return nil, ErrExpired
	}

	reports := make(map[string]json.RawMessage, len(rec.Refs))
	for url, ref := range rec.Refs {
		domain := ref.Domain
		if domain == "" {
			// Legacy record: the domain was not captured at creation.
			d, err := reportstore.DomainForURL(url)
			if err != nil {
				continue
			}
			domain = d
		}
		blob, err := s.reports.Get(ctx, domain, ref.Hash)
		if err != nil {
			if errors.Is(err, reportstore.ErrNotFound) || errors.Is(err, reportstore.ErrInvalidHash) {
				continue
			}
			return nil, fmt.Errorf("load report %s: %w", ref.Hash, err)
		}
		plain, err := reportstore.Gunzip(blob)
		if err != nil {
			continue
		}
		reports[url] = json.RawMessage(plain)
	}

	return &Snapshot{
		URLs:      rec.URLs,
		Config:    rec.Config,
		Reports:   reports,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}
