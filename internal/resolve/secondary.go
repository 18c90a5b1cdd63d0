/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package resolve

import (
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/skaldlabs/tonearm/internal/httpx"
)

var audioExtensions = map[string]bool{
	".mp3": true, ".flac": true, ".wav": true, ".m4a": true,
	".aac": true, ".ogg": true, ".ape": true, ".wma": true,
}

// looksLikeEndpoint reports whether a resolved URL is probably an API
// endpoint rather than a media file: no audio extension on the path, or an
// api-ish path segment.
func looksLikeEndpoint(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if audioExtensions[strings.ToLower(path.Ext(parsed.Path))] {
		return false
	}
	lower := strings.ToLower(parsed.Path)
	if strings.Contains(lower, "/api/") || strings.HasSuffix(lower, "/url") || parsed.RawQuery != "" {
		return true
	}
	return path.Ext(parsed.Path) == ""
}

// FollowEndpoint rewrites an endpoint-shaped URL to the media URL behind
// it. Non-endpoint URLs and failed lookups return the input unchanged.
func FollowEndpoint(ctx context.Context, client *httpx.Client, rawURL string) string {
	if client == nil || !looksLikeEndpoint(rawURL) {
		return rawURL
	}
	final, err := resolveSecondary(ctx, client, rawURL)
	if err != nil || final == "" {
		return rawURL
	}
	return final
}

// resolveSecondary follows an endpoint-shaped URL to the real media URL.
// A redirect Location wins; otherwise the body is inspected: an audio
// content type keeps the original URL, a JSON body yields its url field.
func resolveSecondary(ctx context.Context, client *httpx.Client, rawURL string) (string, error) {
	head, err := client.Head(ctx, rawURL, nil)
	if err == nil && head.StatusCode >= 300 && head.StatusCode < 400 {
		if loc := head.Location(); loc != "" {
			return loc, nil
		}
	}

	resp, err := client.Do(ctx, rawURL, httpx.Options{})
	if err != nil {
		return "", err
	}

	if strings.HasPrefix(strings.ToLower(resp.ContentType), "audio/") {
		return rawURL, nil
	}
	if obj := resp.JSONBody(); obj != nil {
		if u, ok := obj["url"].(string); ok && u != "" {
			return u, nil
		}
		if data, ok := obj["data"].(map[string]any); ok {
			if u, ok := data["url"].(string); ok && u != "" {
				return u, nil
			}
		}
	}

	// Nothing better found; trust the original URL.
	return rawURL, nil
}
