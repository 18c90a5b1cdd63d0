package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newClient() *Client {
	return NewClient(5*time.Second, zerolog.Nop())
}

func TestJSONContentTypeDecodes(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write([]byte(`{"url":"https://cdn.example.com/a.mp3","code":200}`))
	}))
	defer server.Close()

	resp, err := newClient().Do(context.Background(), server.URL, Options{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	obj := resp.JSONBody()
	if obj == nil || obj["url"] != "https://cdn.example.com/a.mp3" {
		t.Fatalf("json not decoded: %#v", resp.Body)
	}
}

func TestJSONSniffedWithoutContentType(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(`  {"data":{"url":"x"}}`))
	}))
	defer server.Close()

	resp, err := newClient().Do(context.Background(), server.URL, Options{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.JSONBody() == nil {
		t.Fatalf("json-looking body not decoded: %#v", resp.Body)
	}
}

func TestPlainTextStaysString(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("https://cdn.example.com/direct.mp3"))
	}))
	defer server.Close()

	resp, err := newClient().Do(context.Background(), server.URL, Options{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	body, ok := resp.Body.(string)
	if !ok || !strings.HasPrefix(body, "https://") {
		t.Fatalf("unexpected body: %#v", resp.Body)
	}
}

func TestDefaultUserAgentApplied(t *testing.T) {
	t.Parallel()

	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	if _, err := newClient().Do(context.Background(), server.URL, Options{}); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !strings.Contains(gotUA, "Mozilla/5.0") {
		t.Fatalf("default user agent missing: %q", gotUA)
	}
}

func TestHeaderOverridesUserAgent(t *testing.T) {
	t.Parallel()

	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	_, err := newClient().Do(context.Background(), server.URL, Options{
		Headers: map[string]string{"User-Agent": "lx-music-request/2.0"},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if gotUA != "lx-music-request/2.0" {
		t.Fatalf("user agent not overridden: %q", gotUA)
	}
}

func TestMapBodyEncodesJSON(t *testing.T) {
	t.Parallel()

	var gotBody, gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		gotType = r.Header.Get("Content-Type")
	}))
	defer server.Close()

	_, err := newClient().Do(context.Background(), server.URL, Options{
		Method: http.MethodPost,
		Body:   map[string]any{"id": float64(7)},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if gotType != "application/json" || !strings.Contains(gotBody, `"id":7`) {
		t.Fatalf("unexpected encoding: %q %q", gotType, gotBody)
	}
}

func TestMapBodyEncodesForm(t *testing.T) {
	t.Parallel()

	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
	}))
	defer server.Close()

	_, err := newClient().Do(context.Background(), server.URL, Options{
		Method:  http.MethodPost,
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:    map[string]any{"b": "2", "a": "1"},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if gotBody != "a=1&b=2" {
		t.Fatalf("unexpected form body: %q", gotBody)
	}
}

func TestNoFollowReturnsRedirect(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://cdn.example.com/real.mp3", http.StatusFound)
	}))
	defer server.Close()

	resp, err := newClient().Head(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("redirect followed: status %d", resp.StatusCode)
	}
	if resp.Location() != "https://cdn.example.com/real.mp3" {
		t.Fatalf("unexpected location: %q", resp.Location())
	}
}

func TestContextCancellationAborts(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := newClient().Do(ctx, server.URL, Options{}); err == nil {
		t.Fatal("expected cancellation error")
	}
}
