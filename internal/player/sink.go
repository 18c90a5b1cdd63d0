/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package player

import (
	"github.com/rs/zerolog"

	"github.com/skaldlabs/tonearm/internal/events"
	"github.com/skaldlabs/tonearm/internal/models"
)

// LogSink stands in when no audio backend is attached: it logs the hand-off
// and immediately confirms playback over the bus. A real sink would confirm
// only once audio actually flows.
type LogSink struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewLogSink creates a sink that only logs.
func NewLogSink(bus *events.Bus, log zerolog.Logger) *LogSink {
	return &LogSink{
		bus: bus,
		log: log.With().Str("component", "sink").Logger(),
	}
}

// Play implements Sink.
func (s *LogSink) Play(song *models.Song, res *models.Resolution) error {
	s.log.Info().
		Int64("song_id", song.ID).
		Str("name", song.Name).
		Str("url", res.URL).
		Str("source", string(res.Source)).
		Msg("playback hand-off")
	if s.bus != nil {
		s.bus.Publish(events.EventPlaybackStarted, events.Payload{"song_id": song.ID})
	}
	return nil
}
