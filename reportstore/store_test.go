package reportstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
)

func testHash(t *testing.T, payload []byte) string {
	t.Helper()
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}

func TestPutDeduplicatesIdenticalBlobs(t *testing.T) {
	obj := NewInMemoryObjectStore()
	st := New(obj)
	ctx := context.Background()

	body := []byte("gzip-report-bytes")
	hash := testHash(t, body)

	status, err := st.Put(ctx, "example.com", hash, body)
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	if status != PutUploaded {
		t.Fatalf("first put status = %q, want %q", status, PutUploaded)
	}

	status, err = st.Put(ctx, "example.com", hash, body)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if status != PutAlreadyExists {
		t.Fatalf("second put status = %q, want %q", status, PutAlreadyExists)
	}
	if got := obj.PutOps(); got != 1 {
		t.Fatalf("physical writes = %d, want 1", got)
	}
}

func TestPutRejectsMalformedHash(t *testing.T) {
	st := New(NewInMemoryObjectStore())
	ctx := context.Background()

	bad := []string{
		"",
		"deadbeef",                 // too short
		"DEADBEEFDEADBEEF",         // uppercase
		"../../../../etc/passwd",   // traversal
		"0123456789abcdef0",        // too long
		"0123456789abcdeg",         // non-hex
	}
	for _, h := range bad {
		if _, err := st.Put(ctx, "example.com", h, []byte("x")); !errors.Is(err, ErrInvalidHash) {
			t.Fatalf("Put(hash=%q) err = %v, want ErrInvalidHash", h, err)
		}
	}
}

func TestPutRejectsEmptyDomain(t *testing.T) {
	st := New(NewInMemoryObjectStore())
	hash := testHash(t, []byte("x"))
	if _, err := st.Put(context.Background(), "  ", hash, []byte("x")); err == nil {
		t.Fatal("Put with blank domain succeeded, want error")
	}
}

func TestGetMissingBlobReturnsNotFound(t *testing.T) {
	st := New(NewInMemoryObjectStore())
	hash := testHash(t, []byte("absent"))
	if _, err := st.Get(context.Background(), "example.com", hash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get err = %v, want ErrNotFound", err)
	}
}

func TestPutThenGetRoundTrip(t *testing.T) {
	st := New(NewInMemoryObjectStore())
	ctx := context.Background()

	body, err := Gzip([]byte(`{"lighthouseResult":{}}`))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	hash := testHash(t, body)

	if _, err := st.Put(ctx, "shop.example.com", hash, body); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := st.Get(ctx, "shop.example.com", hash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatal("stored bytes differ from retrieved bytes")
	}

	plain, err := Gunzip(got)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	if string(plain) != `{"lighthouseResult":{}}` {
		t.Fatalf("gunzip payload = %q", plain)
	}
}

func TestDomainForURL(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://www.example.com/products?id=1", "www.example.com", false},
		{"http://example.com", "example.com", false},
		{"https://example.com:8443/path", "example.com", false},
		{"not a url", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := DomainForURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("DomainForURL(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("DomainForURL(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("DomainForURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestObjectKeyLayout(t *testing.T) {
	hash := testHash(t, []byte("x"))
	got := ObjectKey("example.com", hash)
	want := "reports/example.com/" + hash + ".json.gz"
	if got != want {
		t.Fatalf("ObjectKey = %q, want %q", got, want)
	}
}
