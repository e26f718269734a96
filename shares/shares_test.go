package shares

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"lazypagespeed/contenthash"
	"lazypagespeed/reportstore"
)

type fixture struct {
	kv      *InMemoryKV
	objects *reportstore.InMemoryObjectStore
	store   *reportstore.Store
	svc     *Service
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		kv:      NewInMemoryKV(),
		objects: reportstore.NewInMemoryObjectStore(),
		clock:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store = reportstore.New(f.objects)
	f.svc = New(f.kv, f.store)
	f.svc.now = func() time.Time { return f.clock }
	f.kv.now = func() time.Time { return f.clock }
	return f
}

// uploadReport compresses and stores a report, returning its id.
func (f *fixture) uploadReport(t *testing.T, url string, report []byte) string {
	t.Helper()
	gz, err := reportstore.Gzip(report)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	id := contenthash.ReportID(gz)
	domain, err := reportstore.DomainForURL(url)
	if err != nil {
		t.Fatalf("domain for %q: %v", url, err)
	}
	if _, err := f.store.Put(context.Background(), domain, id, gz); err != nil {
		t.Fatalf("put: %v", err)
	}
	return id
}

func TestCreateIsDeterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := map[string]string{
		"https://a.example.com/": "0000000000000001",
		"https://b.example.com/": "0000000000000002",
	}
	id1, err := f.svc.Create(ctx, []string{"https://a.example.com/", "https://b.example.com/"}, nil, ids)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Same content, different URL order.
	id2, err := f.svc.Create(ctx, []string{"https://b.example.com/", "https://a.example.com/"}, nil, ids)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("same content produced different ids: %q vs %q", id1, id2)
	}
	if len(id1) != contenthash.ShareIDLen {
		t.Fatalf("share id length = %d, want %d", len(id1), contenthash.ShareIDLen)
	}
}

func TestCreateRejectsEmptyURLList(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Create(context.Background(), nil, nil, nil); !errors.Is(err, ErrNoURLs) {
		t.Fatalf("err = %v, want ErrNoURLs", err)
	}
}

func TestCreateSkipsUnparsableURLRefs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	urls := []string{"https://good.example.com/", "::::"}
	ids := map[string]string{
		"https://good.example.com/": "0000000000000001",
		"::::":                      "0000000000000002",
	}
	shareID, err := f.svc.Create(ctx, urls, nil, ids)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	raw, ok, err := f.kv.Get(ctx, keyPrefix+shareID)
	if err != nil || !ok {
		t.Fatalf("record missing: ok=%v err=%v", ok, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, found := rec.Refs["::::"]; found {
		t.Fatal("unparsable URL got a report ref")
	}
	if rec.Refs["https://good.example.com/"].Domain != "good.example.com" {
		t.Fatalf("ref domain = %q", rec.Refs["https://good.example.com/"].Domain)
	}
	if len(rec.URLs) != 2 {
		t.Fatalf("url list trimmed to %d entries, want 2", len(rec.URLs))
	}
}

func TestGetUnknownShare(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Get(context.Background(), "ffffffffffff"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetChecksExpiresAtField(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	shareID, err := f.svc.Create(ctx, []string{"https://a.example.com/"}, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Freeze KV eviction in the past so only the stored field can expire
	// the record.
	f.kv.now = func() time.Time { return f.clock }
	created := f.clock

	f.clock = created.Add(TTL - time.Millisecond)
	f.kv.now = func() time.Time { return created }
	if _, err := f.svc.Get(ctx, shareID); err != nil {
		t.Fatalf("get just before expiry: %v", err)
	}

	f.clock = created.Add(TTL + time.Millisecond)
	if _, err := f.svc.Get(ctx, shareID); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestGetResolvesReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	url := "https://shop.example.com/products"
	report := []byte(`{"lighthouseResult":{"categories":{"performance":{"score":0.91}}}}`)
	id := f.uploadReport(t, url, report)

	config := json.RawMessage(`{"locale":"zh_TW"}`)
	shareID, err := f.svc.Create(ctx, []string{url}, config, map[string]string{url: id})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	snap, err := f.svc.Get(ctx, shareID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(snap.Config) != string(config) {
		t.Fatalf("config = %s", snap.Config)
	}
	got, found := snap.Reports[url]
	if !found {
		t.Fatal("report missing from snapshot")
	}
	if string(got) != string(report) {
		t.Fatalf("report content = %s", got)
	}
	if snap.ExpiresAt-snap.CreatedAt != TTL.Milliseconds() {
		t.Fatalf("ttl window = %dms", snap.ExpiresAt-snap.CreatedAt)
	}
}

func TestGetOmitsMissingBlobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kept := "https://a.example.com/"
	lost := "https://b.example.com/"
	keptID := f.uploadReport(t, kept, []byte(`{"kept":true}`))
	lostID := f.uploadReport(t, lost, []byte(`{"lost":true}`))

	shareID, err := f.svc.Create(ctx, []string{kept, lost}, nil, map[string]string{kept: keptID, lost: lostID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Simulate object-store eviction of one blob after the share exists.
	f.objects.Delete(reportstore.ObjectKey("b.example.com", lostID))

	snap, err := f.svc.Get(ctx, shareID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, found := snap.Reports[lost]; found {
		t.Fatal("evicted report still present in snapshot")
	}
	if _, found := snap.Reports[kept]; !found {
		t.Fatal("surviving report missing from snapshot")
	}
	if len(snap.URLs) != 2 {
		t.Fatalf("url list = %d entries, want 2", len(snap.URLs))
	}
}

func TestRefAcceptsLegacyBareHash(t *testing.T) {
	var r Ref
	if err := json.Unmarshal([]byte(`"00aa11bb22cc33dd"`), &r); err != nil {
		t.Fatalf("legacy form: %v", err)
	}
	if r.Hash != "00aa11bb22cc33dd" || r.Domain != "" {
		t.Fatalf("legacy ref = %+v", r)
	}

	if err := json.Unmarshal([]byte(`{"hash":"00aa11bb22cc33dd","domain":"example.com"}`), &r); err != nil {
		t.Fatalf("current form: %v", err)
	}
	if r.Hash != "00aa11bb22cc33dd" || r.Domain != "example.com" {
		t.Fatalf("current ref = %+v", r)
	}
}

func TestGetResolvesLegacyRefByURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	url := "https://legacy.example.com/"
	id := f.uploadReport(t, url, []byte(`{"v":1}`))

	// Hand-write a record in the old wire format: bare hash, no domain.
	rec := map[string]any{
		"urls":      []string{url},
		"config":    map[string]any{},
		"reportIds": map[string]string{url: id},
		"createdAt": f.clock.UnixMilli(),
		"expiresAt": f.clock.Add(TTL).UnixMilli(),
	}
	b, _ := json.Marshal(rec)
	if err := f.kv.Set(ctx, keyPrefix+"abcdefabcdef", b, TTL); err != nil {
		t.Fatalf("seed kv: %v", err)
	}

	snap, err := f.svc.Get(ctx, "abcdefabcdef")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(snap.Reports[url]) != `{"v":1}` {
		t.Fatalf("legacy ref did not resolve: %v", snap.Reports)
	}
}
