package shareclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"lazypagespeed/contenthash"
	"lazypagespeed/reportstore"
)

func TestUploadReportSendsMultipartForm(t *testing.T) {
	report := []byte(`{"lighthouseResult":{"finalUrl":"https://a.example.com/"}}`)
	wantID := contenthash.ReportID(report)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/upload-report" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("reportId"); got != wantID {
			t.Errorf("reportId = %q, want %q", got, wantID)
		}
		if got := r.FormValue("url"); got != "https://a.example.com/" {
			t.Errorf("url = %q", got)
		}
		file, _, err := r.FormFile("report")
		if err != nil {
			t.Fatalf("report file: %v", err)
		}
		defer file.Close()
		gz, err := io.ReadAll(file)
		if err != nil {
			t.Fatalf("read file: %v", err)
		}
		plain, err := reportstore.Gunzip(gz)
		if err != nil {
			t.Fatalf("gunzip: %v", err)
		}
		if string(plain) != string(report) {
			t.Errorf("uploaded payload = %s", plain)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"reportId": wantID, "domain": "a.example.com", "status": "uploaded",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	id, err := c.UploadReport(context.Background(), "https://a.example.com/", report)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if id != wantID {
		t.Fatalf("id = %q, want %q", id, wantID)
	}
}

func TestUploadReportSkipsUnchangedContent(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(map[string]string{"status": "uploaded"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()
	report := []byte(`{"v":1}`)

	if _, err := c.UploadReport(ctx, "https://a.example.com/", report); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if _, err := c.UploadReport(ctx, "https://a.example.com/", report); err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("server hits = %d, want 1", got)
	}

	// Changed content for the same URL does go out.
	if _, err := c.UploadReport(ctx, "https://a.example.com/", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("changed upload: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("server hits = %d, want 2", got)
	}
}

func TestUploadReportSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"reportId must be 16-char hex"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.UploadReport(context.Background(), "https://a.example.com/", []byte(`{}`)); err == nil {
		t.Fatal("upload succeeded, want error")
	}
	// The failed URL must not be cached as uploaded.
	if len(c.UploadedIDs()) != 0 {
		t.Fatalf("failed upload cached: %v", c.UploadedIDs())
	}
}

func TestCreateShareSendsCachedReportIDs(t *testing.T) {
	var got shareRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/upload-report" {
			json.NewEncoder(w).Encode(map[string]string{"status": "uploaded"})
			return
		}
		if r.URL.Path != "/api/share" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"shareId": "abcdefabcdef"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()
	report := []byte(`{"v":1}`)
	id, err := c.UploadReport(ctx, "https://a.example.com/", report)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	shareID, err := c.CreateShare(ctx, []string{"https://a.example.com/"}, json.RawMessage(`{"locale":"zh_TW"}`), "oldoldoldold")
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if shareID != "abcdefabcdef" {
		t.Fatalf("shareId = %q", shareID)
	}
	if got.ReportIDs["https://a.example.com/"] != id {
		t.Fatalf("share request reportIds = %v", got.ReportIDs)
	}
	if got.OldShareID != "oldoldoldold" {
		t.Fatalf("oldShareId = %q", got.OldShareID)
	}
}

func TestCreateShareRejectsEmptyURLList(t *testing.T) {
	c := New("http://unused.invalid")
	if _, err := c.CreateShare(context.Background(), nil, nil, ""); err == nil {
		t.Fatal("share with no urls succeeded")
	}
}

func TestLoadFromShareSeedsUploadCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(map[string]string{"status": "uploaded"})
	}))
	defer srv.Close()

	report := []byte(`{"restored":true}`)
	c := New(srv.URL)
	c.LoadFromShare(map[string]string{
		"https://a.example.com/": contenthash.ReportID(report),
	})

	if _, err := c.UploadReport(context.Background(), "https://a.example.com/", report); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 0 {
		t.Fatalf("restored report was re-uploaded (%d hits)", got)
	}

	c.Clear()
	if _, err := c.UploadReport(context.Background(), "https://a.example.com/", report); err != nil {
		t.Fatalf("upload after clear: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("hits after clear = %d, want 1", got)
	}
}
