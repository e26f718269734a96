// Package api exposes the HTTP surface: report analysis relay, report
// blob upload and share snapshot create/read.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"lazypagespeed/contenthash"
	"lazypagespeed/domain"
	"lazypagespeed/gateway"
	"lazypagespeed/reportstore"
	"lazypagespeed/shares"
)

// URLSigner builds time-limited download links for stored blobs. Nil when
// the object store does not support signing (dev/in-memory mode).
type URLSigner interface {
	SignDownloadURL(key, downloadFilename string) (string, error)
}

type Service struct {
	gateway *gateway.Client
	shares  *shares.Service
	reports *reportstore.Store
	signer  URLSigner
	apiKey  string

	inflight chan struct{}
}

type Option func(*Service)

// WithSigner enables GET /api/report-url.
func WithSigner(signer URLSigner) Option {
	return func(s *Service) { s.signer = signer }
}

func NewService(gw *gateway.Client, sh *shares.Service, reports *reportstore.Store, apiKey string, opts ...Option) *Service {
	maxInflight := readEnvIntDefault("ANALYZE_MAX_INFLIGHT", 4)
	if maxInflight <= 0 {
		maxInflight = 1
	}
	s := &Service{
		gateway:  gw,
		shares:   sh,
		reports:  reports,
		apiKey:   strings.TrimSpace(apiKey),
		inflight: make(chan struct{}, maxInflight),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/analyze", s.handleAnalyze)
	mux.HandleFunc("/api/upload-report", s.handleUploadReport)
	mux.HandleFunc("/api/share", s.handleCreateShare)
	mux.HandleFunc("/share", s.handleGetShare)
	mux.HandleFunc("/api/report-url", s.handleReportURL)
}

type analyzeRequest struct {
	URL      string `json:"url"`
	Strategy string `json:"strategy"`
	Locale   string `json:"locale"`
}

func (s *Service) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Strategy == "" {
		req.Strategy = string(domain.DeviceMobile)
	}
	if s.apiKey == "" {
		writeError(w, http.StatusInternalServerError, "server configuration error: missing api key")
		return
	}

	// Upstream analyses take tens of seconds; bound how many run at once.
	s.acquireInflight()
	defer s.releaseInflight()

	report, err := s.gateway.AnalyzeLocale(r.Context(), req.URL, domain.DeviceClass(req.Strategy), s.apiKey, req.Locale)
	if err != nil {
		switch gateway.KindOf(err) {
		case gateway.KindInvalid:
			writeError(w, http.StatusBadRequest, err.Error())
		case gateway.KindRateLimited:
			writeError(w, http.StatusTooManyRequests, "Daily API limit reached")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Service) handleUploadReport(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Stream the multipart body instead of buffering the whole form.
	maxUploadMB := readEnvIntDefault("UPLOAD_MAX_MB", 16)
	if maxUploadMB <= 0 {
		maxUploadMB = 16
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxUploadMB)<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	var (
		reportID string
		pageURL  string
		blob     []byte
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart stream")
			return
		}
		if part == nil {
			continue
		}
		name := strings.TrimSpace(part.FormName())
		switch name {
		case "reportId":
			reportID = readPartString(part)
		case "url":
			pageURL = readPartString(part)
		case "report":
			blob, err = io.ReadAll(part)
			_ = part.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid multipart stream")
				return
			}
		default:
			// Drain unknown parts to keep the parser healthy.
			_, _ = io.Copy(io.Discard, part)
			_ = part.Close()
		}
	}

	if !contenthash.ValidReportID(reportID) {
		writeError(w, http.StatusBadRequest, "reportId must be 16-char hex")
		return
	}
	if pageURL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if len(blob) == 0 {
		writeError(w, http.StatusBadRequest, "report file is required")
		return
	}
	reportDomain, err := reportstore.DomainForURL(pageURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid url format")
		return
	}

	status, err := s.reports.Put(r.Context(), reportDomain, reportID, blob)
	if err != nil {
		slog.Error("store report failed", "reportId", reportID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to store report")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"reportId": reportID,
		"domain":   reportDomain,
		"status":   string(status),
	})
}

type createShareRequest struct {
	URLs       []string          `json:"urls"`
	Config     json.RawMessage   `json:"config"`
	ReportIDs  map[string]string `json:"reportIds"`
	OldShareID string            `json:"oldShareId"`
}

func (s *Service) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	shareID, err := s.shares.Create(r.Context(), req.URLs, req.Config, req.ReportIDs)
	if err != nil {
		if errors.Is(err, shares.ErrNoURLs) {
			writeError(w, http.StatusBadRequest, "urls cannot be empty")
			return
		}
		slog.Error("create share failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create share")
		return
	}
	if req.OldShareID != "" && req.OldShareID != shareID {
		// Cleanup of superseded snapshots is not implemented; they expire
		// on their own TTL.
		slog.Info("share superseded", "old", req.OldShareID, "new", shareID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"shareId": shareID})
}

func (s *Service) handleGetShare(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	shareID := strings.TrimSpace(r.URL.Query().Get("id"))
	if shareID == "" {
		writeError(w, http.StatusBadRequest, "id parameter is required")
		return
	}

	snap, err := s.shares.Get(r.Context(), shareID)
	if err != nil {
		switch {
		case errors.Is(err, shares.ErrNotFound):
			writeError(w, http.StatusNotFound, "Share not found")
		case errors.Is(err, shares.ErrExpired):
			writeError(w, http.StatusGone, "Share has expired")
		default:
			slog.Error("get share failed", "shareId", shareID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to load share")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"urls":    snap.URLs,
		"config":  snap.Config,
		"reports": snap.Reports,
		"metadata": map[string]int64{
			"createdAt": snap.CreatedAt,
			"expiresAt": snap.ExpiresAt,
		},
	})
}

// handleReportURL signs a direct download link for one stored blob. Only
// available when the object store supports signing.
func (s *Service) handleReportURL(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.signer == nil {
		writeError(w, http.StatusServiceUnavailable, "download links not available")
		return
	}

	reportID := strings.TrimSpace(r.URL.Query().Get("reportId"))
	if !contenthash.ValidReportID(reportID) {
		writeError(w, http.StatusBadRequest, "reportId must be 16-char hex")
		return
	}
	reportDomain, err := reportstore.DomainForURL(r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid url format")
		return
	}

	key := reportstore.ObjectKey(reportDomain, reportID)
	signed, err := s.signer.SignDownloadURL(key, reportDomain+"-"+reportID+".json.gz")
	if err != nil {
		slog.Error("sign download url failed", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to sign download url")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": signed})
}

func (s *Service) acquireInflight() { s.inflight <- struct{}{} }
func (s *Service) releaseInflight() { <-s.inflight }

func readPartString(part io.ReadCloser) string {
	b, _ := io.ReadAll(io.LimitReader(part, 4<<10))
	_ = part.Close()
	return strings.TrimSpace(string(b))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// CORSMiddleware applies the permissive browser policy: any origin may
// call the API, preflights short-circuit with 204.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
