package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"lazypagespeed/domain"
)

func TestAnalyzeValidatesInput(t *testing.T) {
	c := NewClient()
	cases := []struct {
		name   string
		url    string
		device domain.DeviceClass
		key    string
	}{
		{"empty url", "", domain.DeviceMobile, "k"},
		{"malformed url", "not a url", domain.DeviceMobile, "k"},
		{"bad strategy", "https://a.example/", domain.DeviceClass("tablet"), "k"},
		{"missing key", "https://a.example/", domain.DeviceDesktop, ""},
	}
	for _, tc := range cases {
		_, err := c.Analyze(context.Background(), tc.url, tc.device, tc.key)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if KindOf(err) != KindInvalid {
			t.Fatalf("%s: kind=%s", tc.name, KindOf(err))
		}
	}
}

func TestAnalyzeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("url") != "https://a.example/" || q.Get("strategy") != "desktop" || q.Get("key") != "secret" {
			t.Errorf("unexpected query: %v", q)
		}
		if got := q["category"]; len(got) != 4 {
			t.Errorf("expected 4 categories, got %v", got)
		}
		_, _ = w.Write([]byte(`{"lighthouseResult":{"finalUrl":"https://a.example/"}}`))
	}))
	defer srv.Close()

	c := NewClient(WithAPIURL(srv.URL))
	report, err := c.Analyze(context.Background(), "https://a.example/", domain.DeviceDesktop, "secret")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(report, &probe); err != nil {
		t.Fatalf("report not json: %v", err)
	}
}

func TestAnalyzeClassifiesFailures(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindUnauthorized},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusBadGateway, KindUpstream},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := NewClient(WithAPIURL(srv.URL))
		_, err := c.Analyze(context.Background(), "https://a.example/", domain.DeviceMobile, "k")
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if KindOf(err) != tc.want {
			t.Fatalf("status %d: kind=%s want=%s", tc.status, KindOf(err), tc.want)
		}
	}
}

func TestAnalyzeRejectsResponseWithoutLighthouseResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"unexpected":true}`))
	}))
	defer srv.Close()

	c := NewClient(WithAPIURL(srv.URL))
	_, err := c.Analyze(context.Background(), "https://a.example/", domain.DeviceMobile, "k")
	if err == nil || KindOf(err) != KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestAnalyzeBothFansOut(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var req relayRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad body: %v", err)
		}
		_, _ = w.Write([]byte(`{"lighthouseResult":{},"strategy":"` + req.Strategy + `"}`))
	}))
	defer srv.Close()

	c := NewClient(WithRelayURL(srv.URL))
	mobile, desktop, err := c.AnalyzeBoth(context.Background(), "https://a.example/")
	if err != nil {
		t.Fatalf("analyze both: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 relay calls, got %d", calls)
	}
	if mobile == nil || desktop == nil {
		t.Fatalf("missing report: mobile=%v desktop=%v", mobile != nil, desktop != nil)
	}
}

func TestAnalyzeBothRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(WithRelayURL(srv.URL))
	_, _, err := c.AnalyzeBoth(context.Background(), "https://a.example/")
	if err == nil || KindOf(err) != KindRateLimited {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}
