package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// HTTPConfig configures the HTTP-backed activities.
type HTTPConfig struct {
	Client          *http.Client
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	UserAgent       string
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	defaultUserAgent       = "duratool/1.0"
	maxErrorBody           = 512
)

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxResponseBody
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultHTTPTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	return c
}

// httpFetcher performs bounded GET requests shared by the HTTP activities.
type httpFetcher struct {
	config HTTPConfig
}

type fetched struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

func (f *httpFetcher) get(ctx context.Context, name, rawURL string, headers map[string]string, timeout time.Duration) (*fetched, error) {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &Error{Kind: KindInvalidInput, Message: fmt.Sprintf("%s: invalid url %q", name, rawURL)}
	}
	if timeout <= 0 {
		timeout = f.config.DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindInvalidInput, Message: fmt.Sprintf("%s: %v", name, err)}
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.config.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%s: read response body: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := body
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: rawURL, Body: string(snippet)}
	}
	return &fetched{
		URL:         rawURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// --- http.get_json ---

// GetJSONInput is the input of http.get_json.
type GetJSONInput struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// GetJSON implements "http.get_json": a GET whose response body must be JSON
// and becomes the activity result.
type GetJSON struct {
	fetcher httpFetcher
}

// NewGetJSON creates the http.get_json activity.
func NewGetJSON(cfg HTTPConfig) *GetJSON {
	return &GetJSON{fetcher: httpFetcher{config: cfg.withDefaults()}}
}

func (a *GetJSON) Name() string { return "http.get_json" }
func (a *GetJSON) Description() string {
	return "GET a URL and return its JSON body. Non-2xx responses fail with an http_<status> kind."
}

func (a *GetJSON) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in GetJSONInput
	if err := decodeInput(a.Name(), input, &in); err != nil {
		return nil, err
	}
	res, err := a.fetcher.get(ctx, a.Name(), in.URL, in.Headers, in.Timeout)
	if err != nil {
		return nil, err
	}
	if len(res.Body) == 0 {
		return nil, &Error{Kind: KindEmptyResponse, Message: a.Name() + ": empty body from " + in.URL, Retryable: true}
	}
	if !json.Valid(res.Body) {
		return nil, &Error{Kind: KindInvalidOutput, Message: a.Name() + ": response from " + in.URL + " is not JSON"}
	}
	return json.RawMessage(res.Body), nil
}

// --- page.fetch ---

// FetchPageInput is the input of page.fetch.
type FetchPageInput struct {
	URL     string        `json:"url"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// FetchPageOutput is the result of page.fetch.
type FetchPageOutput struct {
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Content     string `json:"content"`
}

// FetchPage implements "page.fetch": GET a page and return its body as text.
type FetchPage struct {
	fetcher httpFetcher
}

// NewFetchPage creates the page.fetch activity.
func NewFetchPage(cfg HTTPConfig) *FetchPage {
	return &FetchPage{fetcher: httpFetcher{config: cfg.withDefaults()}}
}

func (a *FetchPage) Name() string        { return "page.fetch" }
func (a *FetchPage) Description() string { return "GET a web page and return its raw content." }

func (a *FetchPage) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in FetchPageInput
	if err := decodeInput(a.Name(), input, &in); err != nil {
		return nil, err
	}
	res, err := a.fetcher.get(ctx, a.Name(), in.URL, map[string]string{"Accept": "text/html,*/*;q=0.8"}, in.Timeout)
	if err != nil {
		return nil, err
	}
	content := string(res.Body)
	if !utf8.ValidString(content) {
		content = strings.ToValidUTF8(content, "�")
	}
	return encodeOutput(a.Name(), FetchPageOutput{
		URL:         res.URL,
		StatusCode:  res.StatusCode,
		ContentType: res.ContentType,
		Content:     content,
	})
}
