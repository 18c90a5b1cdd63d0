/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package resolve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/skaldlabs/tonearm/internal/config"
	"github.com/skaldlabs/tonearm/internal/events"
	"github.com/skaldlabs/tonearm/internal/failcache"
	"github.com/skaldlabs/tonearm/internal/httpx"
	"github.com/skaldlabs/tonearm/internal/models"
	"github.com/skaldlabs/tonearm/internal/sourceconf"
	"github.com/skaldlabs/tonearm/internal/telemetry"
)

// DefaultURLTTL is how long a resolved URL is trusted before re-resolving.
const DefaultURLTTL = 30 * time.Minute

// Deps wires the pipeline's collaborators.
type Deps struct {
	HTTP      *httpx.Client
	Validator Validator
	Cache     *failcache.Cache
	Prefs     *sourceconf.Store
	Script    ScriptProvider
	Settings  *config.Settings
	Metrics   *telemetry.Metrics
	Bus       *events.Bus

	OfficialAPIBase  string
	BilibiliProxyURL string
	URLTTL           time.Duration
}

// Pipeline resolves songs to playable URLs.
type Pipeline struct {
	deps Deps
	log  zerolog.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(deps Deps, log zerolog.Logger) *Pipeline {
	if deps.URLTTL <= 0 {
		deps.URLTTL = DefaultURLTTL
	}
	return &Pipeline{
		deps: deps,
		log:  log.With().Str("component", "resolve").Logger(),
	}
}

// check aborts with ErrCancelled once the request is no longer current.
// An empty reqID marks a detached resolution (preloading); only context
// cancellation applies there.
func (p *Pipeline) check(ctx context.Context, reqID string) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if reqID == "" {
		return nil
	}
	if p.deps.Validator != nil && !p.deps.Validator.Valid(reqID) {
		return ErrCancelled
	}
	return nil
}

// Resolve walks the strategy chain for a song. The reqID ties the work to a
// playback request; staleness is re-checked after every network step.
func (p *Pipeline) Resolve(ctx context.Context, reqID string, song *models.Song, quality models.Quality) (*models.Resolution, error) {
	start := time.Now()

	if err := p.check(ctx, reqID); err != nil {
		return nil, err
	}

	// A song that arrives with its own fresh URL skips resolution entirely.
	if song.CarriesFreshURL(start) {
		p.count(models.MethodCached, nil)
		p.log.Debug().Int64("song_id", song.ID).Msg("song carries fresh url")
		return &models.Resolution{
			URL:        song.PlayURL,
			Method:     models.MethodCached,
			Source:     song.Source,
			Quality:    quality,
			ResolvedAt: start,
			ExpiresAt:  song.ExpiredAt,
		}, nil
	}

	// Fresh enough cached URL wins outright.
	if cached, ok := p.deps.Cache.GetURL(ctx, song.ID, quality); ok {
		if err := p.check(ctx, reqID); err != nil {
			return nil, err
		}
		p.count(models.MethodCached, nil)
		p.log.Debug().Int64("song_id", song.ID).Msg("cached url hit")
		cached.Method = models.MethodCached
		return cached, nil
	}

	// Bilibili playback is exclusive: no other strategy applies, and its
	// failure is final.
	if song.IsBilibili() {
		res, err := p.bilibili(song, quality)
		p.count(models.MethodBilibili, err)
		if err != nil {
			return nil, err
		}
		return p.finish(ctx, reqID, song, res, start)
	}

	if res, err := p.tryCustomAPI(ctx, reqID, song, quality); err == nil {
		return p.finish(ctx, reqID, song, res, start)
	} else if err == ErrCancelled {
		return nil, err
	}

	if res, err := p.tryPinned(ctx, reqID, song, quality); err == nil {
		return p.finish(ctx, reqID, song, res, start)
	} else if err == ErrCancelled {
		return nil, err
	}

	if res, err := p.tryOfficial(ctx, reqID, song, quality); err == nil {
		return p.finish(ctx, reqID, song, res, start)
	} else if err == ErrCancelled {
		return nil, err
	}

	if res, err := p.tryParsing(ctx, reqID, song, quality); err == nil {
		return p.finish(ctx, reqID, song, res, start)
	} else if err == ErrCancelled {
		return nil, err
	}

	if p.deps.Bus != nil {
		p.deps.Bus.Publish(events.EventResolveFailed, events.Payload{
			"song_id": song.ID,
			"quality": string(quality),
		})
	}
	return nil, ErrNoURL
}

// finish runs secondary resolution, stamps the lifetime, and caches.
func (p *Pipeline) finish(ctx context.Context, reqID string, song *models.Song, res *models.Resolution, start time.Time) (*models.Resolution, error) {
	if err := p.check(ctx, reqID); err != nil {
		return nil, err
	}

	if res.Method != models.MethodBilibili && looksLikeEndpoint(res.URL) {
		final, err := resolveSecondary(ctx, p.deps.HTTP, res.URL)
		if err != nil {
			p.log.Debug().Err(err).Str("url", res.URL).Msg("secondary resolution failed, keeping original")
		} else if final != res.URL {
			p.log.Debug().Str("from", res.URL).Str("to", final).Msg("secondary resolution rewrote url")
			res.URL = final
		}
		if err := p.check(ctx, reqID); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	res.ResolvedAt = now
	if res.ExpiresAt.IsZero() {
		res.ExpiresAt = now.Add(p.deps.URLTTL)
	}
	p.deps.Cache.PutURL(ctx, song.ID, res)

	if p.deps.Metrics != nil {
		p.deps.Metrics.ResolveDuration.WithLabelValues(string(res.Method)).Observe(time.Since(start).Seconds())
	}
	p.log.Info().
		Int64("song_id", song.ID).
		Str("method", string(res.Method)).
		Str("source", string(res.Source)).
		Str("quality", string(res.Quality)).
		Msg("url resolved")
	return res, nil
}

func (p *Pipeline) count(method models.ResolveMethod, err error) {
	if p.deps.Metrics == nil {
		return
	}
	p.deps.Metrics.ResolveAttempts.WithLabelValues(string(method)).Inc()
	if err != nil && err != errFallThrough && err != ErrCancelled {
		p.deps.Metrics.ResolveFailures.WithLabelValues(string(method)).Inc()
	}
}

// bilibili builds the local proxy URL; the proxy itself does the upstream
// negotiation.
func (p *Pipeline) bilibili(song *models.Song, quality models.Quality) (*models.Resolution, error) {
	if p.deps.BilibiliProxyURL == "" {
		return nil, fmt.Errorf("bilibili proxy not configured")
	}
	if song.BilibiliBvid == "" {
		return nil, fmt.Errorf("song %d has no bvid", song.ID)
	}
	url := fmt.Sprintf("%s/bilibili/audio?bvid=%s&cid=%s", p.deps.BilibiliProxyURL, song.BilibiliBvid, song.BilibiliCid)
	return &models.Resolution{
		URL:     url,
		Method:  models.MethodBilibili,
		Source:  models.SourceBilibili,
		Quality: quality,
	}, nil
}

// tryCustomAPI asks the user-configured third-party endpoint. It runs when
// the endpoint is enabled globally or pinned for this song; its failures are
// never fatal and are memoized.
func (p *Pipeline) tryCustomAPI(ctx context.Context, reqID string, song *models.Song, quality models.Quality) (*models.Resolution, error) {
	base := p.deps.Settings.CustomAPIURL
	if base == "" {
		return nil, errFallThrough
	}
	if !p.deps.Settings.CustomAPIEnabled && !p.pinnedToCustomAPI(song.ID) {
		return nil, errFallThrough
	}
	if p.deps.Cache.Failed(ctx, song.ID, string(models.MethodCustomAPI)) {
		return nil, errFallThrough
	}

	url := fmt.Sprintf("%s?id=%d&quality=%s", base, song.ID, quality)
	resp, err := p.deps.HTTP.Do(ctx, url, httpx.Options{})
	p.count(models.MethodCustomAPI, err)
	if cerr := p.check(ctx, reqID); cerr != nil {
		return nil, cerr
	}
	if err != nil || resp.StatusCode >= 400 {
		p.deps.Cache.MarkFailed(ctx, song.ID, string(models.MethodCustomAPI))
		p.log.Warn().Err(err).Int64("song_id", song.ID).Msg("custom api failed")
		return nil, errFallThrough
	}

	target := extractBodyURL(resp)
	if target == "" {
		p.deps.Cache.MarkFailed(ctx, song.ID, string(models.MethodCustomAPI))
		return nil, errFallThrough
	}
	return &models.Resolution{
		URL:     target,
		Method:  models.MethodCustomAPI,
		Quality: quality,
	}, nil
}

func (p *Pipeline) pinnedToCustomAPI(songID int64) bool {
	pin, err := p.deps.Prefs.GetPin(songID)
	return err == nil && pin != nil && pin.Source == models.SourceCustom
}

// tryPinned honors a persisted per-song source preference. Pins to the
// custom API are handled by the custom API step, which runs earlier.
func (p *Pipeline) tryPinned(ctx context.Context, reqID string, song *models.Song, quality models.Quality) (*models.Resolution, error) {
	pin, err := p.deps.Prefs.GetPin(song.ID)
	if err != nil || pin == nil || pin.Source == models.SourceCustom {
		return nil, errFallThrough
	}
	res, err := p.attemptScript(ctx, reqID, song, pin.Source, quality)
	if err != nil {
		if err == ErrCancelled {
			return nil, err
		}
		p.log.Warn().Str("source", string(pin.Source)).Int64("song_id", song.ID).Msg("pinned source failed")
		return nil, errFallThrough
	}
	res.Method = models.MethodPinned
	return res, nil
}

// qualityLevel maps script quality tags back to official API levels.
func qualityLevel(q models.Quality) string {
	switch q {
	case models.Quality128k:
		return "standard"
	case models.Quality320k:
		return "exhigh"
	case models.QualityFlac:
		return "lossless"
	case models.QualityFlac24bit:
		return "hires"
	default:
		return "exhigh"
	}
}

// tryOfficial consults the catalog's own URL endpoint. A missing URL or a
// free-trial-only answer falls through to scripted parsing.
func (p *Pipeline) tryOfficial(ctx context.Context, reqID string, song *models.Song, quality models.Quality) (*models.Resolution, error) {
	base := p.deps.OfficialAPIBase
	if base == "" {
		return nil, errFallThrough
	}

	url := fmt.Sprintf("%s/song/url/v1?id=%d&level=%s", base, song.ID, qualityLevel(quality))
	resp, err := p.deps.HTTP.Do(ctx, url, httpx.Options{})
	p.count(models.MethodOfficial, err)
	if cerr := p.check(ctx, reqID); cerr != nil {
		return nil, cerr
	}
	if err != nil || resp.StatusCode >= 400 {
		return nil, errFallThrough
	}

	obj := resp.JSONBody()
	if obj == nil {
		return nil, errFallThrough
	}
	entries, _ := obj["data"].([]any)
	if len(entries) == 0 {
		return nil, errFallThrough
	}
	entry, _ := entries[0].(map[string]any)
	if entry == nil {
		return nil, errFallThrough
	}
	target, _ := entry["url"].(string)
	if target == "" {
		return nil, errFallThrough
	}
	if trial, ok := entry["freeTrialInfo"]; ok && trial != nil {
		// A trial clip is worse than a scripted full track.
		p.log.Debug().Int64("song_id", song.ID).Msg("official url is a trial clip, falling through")
		return nil, errFallThrough
	}

	return &models.Resolution{
		URL:     target,
		Method:  models.MethodOfficial,
		Source:  song.Source,
		Quality: quality,
	}, nil
}

// tryParsing walks the enabled sources in priority order.
func (p *Pipeline) tryParsing(ctx context.Context, reqID string, song *models.Song, quality models.Quality) (*models.Resolution, error) {
	script := p.deps.Script.Script()
	if script == nil {
		return nil, errFallThrough
	}

	for _, source := range models.ParseableSources() {
		if !p.deps.Settings.SourceEnabled(string(source)) {
			continue
		}
		if !script.Supports(source) {
			continue
		}
		if p.deps.Cache.Failed(ctx, song.ID, scriptStrategy(source)) {
			continue
		}

		res, err := p.attemptScript(ctx, reqID, song, source, quality)
		if err == ErrCancelled {
			return nil, err
		}
		if err != nil {
			continue
		}
		if p.deps.Bus != nil && source != song.Source {
			p.deps.Bus.Publish(events.EventSourceSwitched, events.Payload{
				"song_id": song.ID,
				"source":  string(source),
			})
		}
		return res, nil
	}
	return nil, errFallThrough
}

func scriptStrategy(source models.SourceKey) string {
	return "script:" + string(source)
}

// attemptScript runs one scripted resolution and does the shared
// bookkeeping: tried-source marking, failure memoization, staleness checks.
func (p *Pipeline) attemptScript(ctx context.Context, reqID string, song *models.Song, source models.SourceKey, quality models.Quality) (*models.Resolution, error) {
	script := p.deps.Script.Script()
	if script == nil {
		return nil, fmt.Errorf("no script loaded")
	}

	p.deps.Prefs.MarkTried(song.ID, source)
	url, effective, err := script.Resolve(ctx, source, song, quality)
	p.count(models.MethodParsed, err)
	if cerr := p.check(ctx, reqID); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		p.deps.Cache.MarkFailed(ctx, song.ID, scriptStrategy(source))
		p.log.Debug().Err(err).Str("source", string(source)).Int64("song_id", song.ID).Msg("scripted resolve failed")
		return nil, err
	}

	return &models.Resolution{
		URL:     url,
		Method:  models.MethodParsed,
		Source:  source,
		Quality: effective,
	}, nil
}

// extractBodyURL pulls a URL out of a custom API response, which may be a
// bare string or the usual url/data shapes.
func extractBodyURL(resp *httpx.Response) string {
	switch body := resp.Body.(type) {
	case string:
		trimmed := strings.TrimSpace(body)
		if len(trimmed) < 2048 && hasURLPrefix(trimmed) {
			return trimmed
		}
	case map[string]any:
		if u, ok := body["url"].(string); ok && u != "" {
			return u
		}
		if data, ok := body["data"].(map[string]any); ok {
			if u, ok := data["url"].(string); ok && u != "" {
				return u
			}
		}
		if data, ok := body["data"].(string); ok && hasURLPrefix(data) {
			return data
		}
	}
	return ""
}

func hasURLPrefix(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
