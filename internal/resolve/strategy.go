/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package resolve turns a song into a playable URL by walking an ordered
// set of strategies. Every blocking step re-checks that the originating
// playback request is still current; a superseded request aborts with
// ErrCancelled rather than a lookup failure.
package resolve

import (
	"context"
	"errors"

	"github.com/skaldlabs/tonearm/internal/models"
)

var (
	// ErrCancelled means the request was superseded or cancelled mid-flight.
	// Callers must treat this differently from a lookup failure.
	ErrCancelled = errors.New("playback request cancelled")
	// ErrNoURL means every applicable strategy was exhausted.
	ErrNoURL = errors.New("no playable url from any source")

	// errFallThrough makes a strategy yield to the next one without
	// poisoning the failure cache.
	errFallThrough = errors.New("strategy yielded")
)

// Validator reports whether a playback request is still worth serving.
type Validator interface {
	Valid(id string) bool
}

// ScriptSource is the scripted runner surface the pipeline needs.
type ScriptSource interface {
	Resolve(ctx context.Context, source models.SourceKey, song *models.Song, quality models.Quality) (string, models.Quality, error)
	Supports(source models.SourceKey) bool
}

// ScriptProvider yields the currently loaded script, nil when none.
// Hot reloads swap the script out from under the pipeline.
type ScriptProvider interface {
	Script() ScriptSource
}

// StaticScript adapts a fixed ScriptSource to ScriptProvider.
type StaticScript struct{ Source ScriptSource }

// Script implements ScriptProvider.
func (s StaticScript) Script() ScriptSource { return s.Source }
