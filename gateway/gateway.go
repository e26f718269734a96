// Package gateway wraps the PageSpeed analysis provider. Pro mode calls
// the provider API directly with the user's key; default mode delegates to
// the relay worker, which holds a server-side key and fans out per device
// class.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lazypagespeed/domain"
)

// Kind classifies a provider failure. Populated here, at the boundary,
// so downstream code never needs to sniff message text.
type Kind string

const (
	KindInvalid      Kind = "invalid_input"
	KindUnauthorized Kind = "unauthorized"
	KindRateLimited  Kind = "rate_limited"
	KindUpstream     Kind = "upstream"
)

type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider error (%d): %s", e.Status, e.Message)
	}
	return e.Message
}

// KindOf extracts the failure kind; non-gateway errors count as upstream.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUpstream
}

func invalid(msg string) *Error { return &Error{Kind: KindInvalid, Message: msg} }

const defaultGoogleAPIURL = "https://www.googleapis.com/pagespeedonline/v5/runPagespeed"

type Client struct {
	httpClient *http.Client
	apiURL     string
	relayURL   string
	locale     string
}

type Option func(*Client)

// WithRelayURL sets the relay worker base URL used by AnalyzeBoth.
func WithRelayURL(u string) Option {
	return func(c *Client) { c.relayURL = strings.TrimRight(strings.TrimSpace(u), "/") }
}

func WithAPIURL(u string) Option {
	return func(c *Client) { c.apiURL = strings.TrimSpace(u) }
}

func WithLocale(locale string) Option {
	return func(c *Client) { c.locale = strings.TrimSpace(locale) }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		// Provider analyses regularly take tens of seconds; this timeout is
		// the gateway's own policy, the scheduler imposes none.
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		apiURL:     defaultGoogleAPIURL,
		locale:     "zh_TW",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze runs one direct provider analysis for a (url, device class) pair.
// The returned document is opaque; only its presence of a lighthouse result
// is checked.
func (c *Client) Analyze(ctx context.Context, rawURL string, device domain.DeviceClass, apiKey string) (domain.Report, error) {
	return c.AnalyzeLocale(ctx, rawURL, device, apiKey, "")
}

// AnalyzeLocale is Analyze with a per-request locale; empty falls back to
// the client default.
func (c *Client) AnalyzeLocale(ctx context.Context, rawURL string, device domain.DeviceClass, apiKey, locale string) (domain.Report, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, invalid("url is required")
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, invalid("invalid url format")
	}
	if !domain.ValidDeviceClass(device) {
		return nil, invalid("invalid strategy parameter")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, invalid("api key is required")
	}

	params := url.Values{}
	params.Set("url", rawURL)
	params.Set("strategy", string(device))
	for _, cat := range []string{"performance", "accessibility", "best-practices", "seo"} {
		params.Add("category", cat)
	}
	if strings.TrimSpace(locale) == "" {
		locale = c.locale
	}
	params.Set("locale", locale)
	params.Set("key", apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	slog.Debug("calling provider api", "url", rawURL, "strategy", device)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindUpstream, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &Error{Kind: KindUpstream, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, string(body))
	}

	var probe struct {
		LighthouseResult json.RawMessage `json:"lighthouseResult"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || len(probe.LighthouseResult) == 0 {
		return nil, &Error{Kind: KindUpstream, Status: resp.StatusCode, Message: "invalid provider response"}
	}
	return domain.Report(body), nil
}

// AnalyzeBoth fetches mobile and desktop reports through the relay worker.
// The two relay requests run concurrently; from the caller's point of view
// this is a single combined operation.
func (c *Client) AnalyzeBoth(ctx context.Context, rawURL string) (mobile, desktop domain.Report, err error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, nil, invalid("url is required")
	}
	if strings.TrimSpace(c.relayURL) == "" {
		return nil, nil, &Error{Kind: KindUpstream, Message: "relay url not configured"}
	}

	type result struct {
		device domain.DeviceClass
		report domain.Report
		err    error
	}
	ch := make(chan result, 2)
	for _, device := range []domain.DeviceClass{domain.DeviceMobile, domain.DeviceDesktop} {
		go func(d domain.DeviceClass) {
			rep, err := c.fetchRelay(ctx, rawURL, d)
			ch <- result{device: d, report: rep, err: err}
		}(device)
	}
	for i := 0; i < 2; i++ {
		res := <-ch
		if res.err != nil && err == nil {
			err = res.err
		}
		switch res.device {
		case domain.DeviceMobile:
			mobile = res.report
		case domain.DeviceDesktop:
			desktop = res.report
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return mobile, desktop, nil
}

type relayRequest struct {
	URL      string `json:"url"`
	Strategy string `json:"strategy"`
	Locale   string `json:"locale"`
}

func (c *Client) fetchRelay(ctx context.Context, rawURL string, device domain.DeviceClass) (domain.Report, error) {
	payload, _ := json.Marshal(relayRequest{URL: rawURL, Strategy: string(device), Locale: c.locale})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.relayURL+"/api/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindUpstream, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &Error{Kind: KindUpstream, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyRelayStatus(resp.StatusCode, body)
	}
	return domain.Report(body), nil
}

func classifyStatus(status int, body string) *Error {
	msg := strings.TrimSpace(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindUnauthorized, Status: status, Message: msg}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Status: status, Message: msg}
	default:
		return &Error{Kind: KindUpstream, Status: status, Message: msg}
	}
}

func classifyRelayStatus(status int, body []byte) *Error {
	var decoded struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &decoded)

	switch status {
	case http.StatusTooManyRequests:
		return &Error{
			Kind:    KindRateLimited,
			Status:  status,
			Message: "test mode daily limit reached, please use your own API key",
		}
	case http.StatusServiceUnavailable:
		return &Error{
			Kind:    KindUpstream,
			Status:  status,
			Message: "relay monthly limit reached, please try again later",
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindUnauthorized, Status: status, Message: decoded.Error}
	default:
		msg := decoded.Error
		if msg == "" {
			msg = strings.TrimSpace(string(body))
			if len(msg) > 512 {
				msg = msg[:512]
			}
		}
		return &Error{Kind: KindUpstream, Status: status, Message: fmt.Sprintf("relay error: %s", msg)}
	}
}
