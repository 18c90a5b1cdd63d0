/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package httpx is the outbound HTTP collaborator shared by the resolution
// pipeline and the scripted source runner. Responses with a JSON content
// type, or bodies that look like JSON, are decoded automatically.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultUserAgent mimics a desktop browser; several upstream endpoints
// reject unknown agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// maxBodyBytes bounds response reads; resolved bodies are headers and JSON,
// never media payloads.
const maxBodyBytes = 8 << 20

// Options describes one outbound request.
type Options struct {
	Method  string
	Headers map[string]string
	Body    any
	Timeout time.Duration

	// When false, redirects are not followed and the 3xx response is
	// returned as-is.
	NoFollow bool
}

// Response is the decoded result of a request.
type Response struct {
	StatusCode  int
	Headers     http.Header
	Raw         []byte
	ContentType string

	// Body is the parsed JSON value when the response decoded as JSON,
	// otherwise the raw body as a string.
	Body any
}

// JSONBody returns the decoded JSON object, or nil when the body was not
// a JSON object.
func (r *Response) JSONBody() map[string]any {
	obj, _ := r.Body.(map[string]any)
	return obj
}

// Location returns the redirect target, empty when absent.
func (r *Response) Location() string {
	return r.Headers.Get("Location")
}

// Client wraps net/http with the conventions upstream sources expect.
type Client struct {
	client   *http.Client
	noFollow *http.Client
	log      zerolog.Logger
}

// NewClient builds a client with the given default timeout.
func NewClient(timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		client: &http.Client{Timeout: timeout},
		noFollow: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log.With().Str("component", "httpx").Logger(),
	}
}

// Do performs a request. The body may be a string, []byte, or a map; maps
// are encoded per the request content type (JSON by default, form when the
// content type says so).
func (c *Client) Do(ctx context.Context, rawURL string, opts Options) (*Response, error) {
	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}

	bodyReader, contentType, err := encodeBody(opts.Body, headerValue(opts.Headers, "Content-Type"))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("User-Agent", DefaultUserAgent)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	client := c.client
	if opts.NoFollow {
		client = c.noFollow
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	c.log.Debug().
		Str("method", method).
		Str("url", rawURL).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request complete")

	out := &Response{
		StatusCode:  resp.StatusCode,
		Headers:     resp.Header,
		Raw:         raw,
		ContentType: resp.Header.Get("Content-Type"),
	}
	out.Body = decodeBody(raw, out.ContentType)
	return out, nil
}

// Download streams a response body to w without the body size cap. Used for
// media payloads the duration probe inspects.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer) (int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, "", fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, "", fmt.Errorf("download body: %w", err)
	}
	return n, resp.Header.Get("Content-Type"), nil
}

// Head issues a HEAD request without following redirects.
func (c *Client) Head(ctx context.Context, rawURL string, headers map[string]string) (*Response, error) {
	return c.Do(ctx, rawURL, Options{Method: http.MethodHead, Headers: headers, NoFollow: true})
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func encodeBody(body any, contentType string) (io.Reader, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(v), contentType, nil
	case []byte:
		return bytes.NewReader(v), contentType, nil
	default:
		if strings.Contains(strings.ToLower(contentType), "application/x-www-form-urlencoded") {
			form, ok := body.(map[string]any)
			if !ok {
				return nil, "", fmt.Errorf("form body must be a map, got %T", body)
			}
			return strings.NewReader(encodeForm(form)), contentType, nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		if contentType == "" {
			contentType = "application/json"
		}
		return bytes.NewReader(data), contentType, nil
	}
}

func encodeForm(form map[string]any) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := url.Values{}
	for _, k := range keys {
		values.Set(k, fmt.Sprint(form[k]))
	}
	return values.Encode()
}

// decodeBody parses JSON when the content type says so or the payload looks
// like JSON; everything else comes back as a string.
func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return ""
	}
	trimmed := bytes.TrimSpace(raw)
	looksJSON := len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
	if strings.Contains(strings.ToLower(contentType), "application/json") || looksJSON {
		var decoded any
		if err := json.Unmarshal(trimmed, &decoded); err == nil {
			return decoded
		}
	}
	return string(raw)
}
