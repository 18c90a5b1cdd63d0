/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package probe verifies that a resolved URL actually plays the song it
// claims to. Third-party sources sometimes serve a different recording;
// the catalog duration is the cheapest signal that something is off.
package probe

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/skaldlabs/tonearm/internal/config"
	"github.com/skaldlabs/tonearm/internal/events"
	"github.com/skaldlabs/tonearm/internal/failcache"
	"github.com/skaldlabs/tonearm/internal/httpx"
	"github.com/skaldlabs/tonearm/internal/models"
	"github.com/skaldlabs/tonearm/internal/resolve"
	"github.com/skaldlabs/tonearm/internal/sourceconf"
	"github.com/skaldlabs/tonearm/internal/telemetry"
)

// DefaultTolerance is the accepted duration drift.
const DefaultTolerance = 5 * time.Second

// Measurer reports the actual playable duration of a URL.
type Measurer interface {
	Duration(ctx context.Context, url string) (time.Duration, error)
}

// Deps wires the probe's collaborators.
type Deps struct {
	Measurer  Measurer
	HTTP      *httpx.Client
	Cache     *failcache.Cache
	Prefs     *sourceconf.Store
	Script    resolve.ScriptProvider
	Settings  *config.Settings
	Validator resolve.Validator
	Metrics   *telemetry.Metrics
	Bus       *events.Bus
	URLTTL    time.Duration
}

// Probe checks resolved URLs against expected durations.
type Probe struct {
	deps Deps
	log  zerolog.Logger
}

// New creates a probe.
func New(deps Deps, log zerolog.Logger) *Probe {
	if deps.URLTTL <= 0 {
		deps.URLTTL = resolve.DefaultURLTTL
	}
	return &Probe{
		deps: deps,
		log:  log.With().Str("component", "probe").Logger(),
	}
}

func (p *Probe) tolerance() time.Duration {
	if p.deps.Settings.ProbeToleranceSeconds > 0 {
		return time.Duration(p.deps.Settings.ProbeToleranceSeconds * float64(time.Second))
	}
	return DefaultTolerance
}

func (p *Probe) check(ctx context.Context, reqID string) error {
	if ctx.Err() != nil {
		return resolve.ErrCancelled
	}
	if p.deps.Validator != nil && !p.deps.Validator.Valid(reqID) {
		return resolve.ErrCancelled
	}
	return nil
}

// Verify measures res against the song's expected duration. It returns the
// resolution to actually play, which may come from a better-matching source.
//
// The probe never runs for unknown expected durations, bilibili playback,
// or manually pinned songs. A measurement failure keeps the original URL.
func (p *Probe) Verify(ctx context.Context, reqID string, song *models.Song, res *models.Resolution) (*models.Resolution, error) {
	if !p.deps.Settings.ProbeEnabled {
		return res, nil
	}
	expected := song.ExpectedDuration()
	if expected <= 0 || song.IsBilibili() {
		return res, nil
	}
	pin, err := p.deps.Prefs.GetPin(song.ID)
	if err == nil && pin != nil && pin.Manual {
		return res, nil
	}

	actual, err := p.deps.Measurer.Duration(ctx, res.URL)
	if cerr := p.check(ctx, reqID); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		p.log.Debug().Err(err).Int64("song_id", song.ID).Msg("duration measurement failed, keeping url")
		return res, nil
	}

	tolerance := p.tolerance()
	delta := absDuration(actual - expected)
	if delta <= tolerance {
		if models.ValidSource(res.Source) {
			p.deps.Prefs.SetAutoPin(song.ID, res.Source)
		}
		return res, nil
	}

	p.log.Warn().
		Int64("song_id", song.ID).
		Dur("expected", expected).
		Dur("actual", actual).
		Str("source", string(res.Source)).
		Msg("duration mismatch")
	if p.deps.Metrics != nil {
		p.deps.Metrics.ProbeMismatches.Inc()
	}
	if p.deps.Bus != nil {
		p.deps.Bus.Publish(events.EventProbeMismatch, events.Payload{
			"song_id":  song.ID,
			"expected": expected.Seconds(),
			"actual":   actual.Seconds(),
			"source":   string(res.Source),
		})
	}
	if models.ValidSource(res.Source) {
		p.deps.Prefs.RecordDiff(song.ID, res.Source, delta)
	}

	best, bestDelta := res, delta

	script := p.deps.Script.Script()
	if script == nil {
		return best, nil
	}

	for _, source := range models.ParseableSources() {
		if source == res.Source {
			continue
		}
		if !p.deps.Settings.SourceEnabled(string(source)) {
			continue
		}
		if !script.Supports(source) {
			continue
		}
		if p.deps.Prefs.Tried(song.ID, source) {
			continue
		}

		p.deps.Prefs.MarkTried(song.ID, source)
		url, quality, err := script.Resolve(ctx, source, song, res.Quality)
		if cerr := p.check(ctx, reqID); cerr != nil {
			return nil, cerr
		}
		if err != nil {
			continue
		}

		// Endpoint-shaped script results are chased to the media URL
		// before anything is measured or handed out.
		url = resolve.FollowEndpoint(ctx, p.deps.HTTP, url)
		if cerr := p.check(ctx, reqID); cerr != nil {
			return nil, cerr
		}

		candidateDuration, err := p.deps.Measurer.Duration(ctx, url)
		if cerr := p.check(ctx, reqID); cerr != nil {
			return nil, cerr
		}
		if err != nil {
			continue
		}

		candidateDelta := absDuration(candidateDuration - expected)
		p.deps.Prefs.RecordDiff(song.ID, source, candidateDelta)

		candidate := &models.Resolution{
			URL:        url,
			Method:     models.MethodParsed,
			Source:     source,
			Quality:    quality,
			ResolvedAt: time.Now(),
			ExpiresAt:  time.Now().Add(p.deps.URLTTL),
		}

		if candidateDelta <= tolerance {
			p.deps.Prefs.SetAutoPin(song.ID, source)
			p.cacheCandidate(ctx, song.ID, candidate)
			if p.deps.Metrics != nil {
				p.deps.Metrics.ProbeCorrected.Inc()
			}
			p.log.Info().Int64("song_id", song.ID).Str("source", string(source)).Msg("probe found matching source")
			return candidate, nil
		}
		if candidateDelta < bestDelta {
			best, bestDelta = candidate, candidateDelta
		}
	}

	// Nothing within tolerance: play the closest match we saw.
	if best != res {
		p.deps.Prefs.SetAutoPin(song.ID, best.Source)
		p.cacheCandidate(ctx, song.ID, best)
		if p.deps.Metrics != nil {
			p.deps.Metrics.ProbeCorrected.Inc()
		}
		p.log.Info().
			Int64("song_id", song.ID).
			Str("source", string(best.Source)).
			Dur("delta", bestDelta).
			Msg("probe settled on closest source")
	}
	return best, nil
}

// cacheCandidate records a probe-accepted URL so the next resolution of the
// song hits the cache like any pipeline result.
func (p *Probe) cacheCandidate(ctx context.Context, songID int64, res *models.Resolution) {
	if p.deps.Cache == nil {
		return
	}
	p.deps.Cache.PutURL(ctx, songID, res)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
