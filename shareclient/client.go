// Package shareclient talks to the share API: it uploads finished report
// blobs and turns the current page set into a share snapshot. Uploads are
// content-addressed, so an unchanged report is never sent twice.
package shareclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"lazypagespeed/contenthash"
	"lazypagespeed/reportstore"
)

type Client struct {
	baseURL    string
	httpClient *http.Client

	mu       sync.Mutex
	uploaded map[string]string // url -> report id last uploaded
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		uploaded:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type uploadResult struct {
	ReportID string `json:"reportId"`
	Domain   string `json:"domain"`
	Status   string `json:"status"`
}

// UploadReport pushes one serialized report and returns its content id.
// The id is the digest of the uncompressed JSON; if the same URL already
// uploaded identical content, the network round trip is skipped entirely.
func (c *Client) UploadReport(ctx context.Context, pageURL string, report []byte) (string, error) {
	id := contenthash.ReportID(report)

	c.mu.Lock()
	prev := c.uploaded[pageURL]
	c.mu.Unlock()
	if prev == id {
		slog.Debug("report unchanged, skip upload", "url", pageURL, "reportId", id)
		return id, nil
	}

	gz, err := reportstore.Gzip(report)
	if err != nil {
		return "", fmt.Errorf("compress report: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("reportId", id); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if err := w.WriteField("url", pageURL); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	part, err := w.CreateFormFile("report", id+".json.gz")
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(gz); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload-report", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("upload failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out uploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}

	c.mu.Lock()
	c.uploaded[pageURL] = id
	c.mu.Unlock()
	slog.Info("report uploaded", "url", pageURL, "reportId", id, "status", out.Status)
	return id, nil
}

type shareRequest struct {
	URLs       []string          `json:"urls"`
	Config     json.RawMessage   `json:"config"`
	ReportIDs  map[string]string `json:"reportIds"`
	OldShareID string            `json:"oldShareId,omitempty"`
}

// CreateShare snapshots the given URL set plus every report id uploaded so
// far. oldShareID is a hint that a previous snapshot is superseded; pass
// "" for a fresh share.
func (c *Client) CreateShare(ctx context.Context, urls []string, config json.RawMessage, oldShareID string) (string, error) {
	if len(urls) == 0 {
		return "", fmt.Errorf("no urls to share")
	}
	if config == nil {
		config = json.RawMessage(`{}`)
	}

	payload := shareRequest{
		URLs:       urls,
		Config:     config,
		ReportIDs:  c.UploadedIDs(),
		OldShareID: oldShareID,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode share request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/share", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create share: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("share failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		ShareID string `json:"shareId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode share response: %w", err)
	}
	slog.Info("share created", "shareId", out.ShareID, "urlCount", len(urls))
	return out.ShareID, nil
}

// LoadFromShare seeds the upload cache from a restored snapshot, so
// re-sharing unchanged pages uploads nothing.
func (c *Client) LoadFromShare(reportIDs map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploaded = make(map[string]string, len(reportIDs))
	for url, id := range reportIDs {
		c.uploaded[url] = id
	}
}

// Clear drops the upload cache; the next upload of any URL hits the wire.
func (c *Client) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploaded = make(map[string]string)
}

// UploadedIDs returns a copy of the url -> report id cache.
func (c *Client) UploadedIDs() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.uploaded))
	for url, id := range c.uploaded {
		out[url] = id
	}
	return out
}
