/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sourceconf stores per-song source preferences. Pins persist across
// restarts; which sources were already tried this session, and how far off
// their durations were, is kept in memory only.
package sourceconf

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/skaldlabs/tonearm/internal/models"
)

// Pin is a persisted source preference for one song.
type Pin struct {
	Source models.SourceKey
	Manual bool
}

// Store combines persisted pins with session-scoped probe bookkeeping.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger

	mu    sync.Mutex
	tried map[int64]map[models.SourceKey]bool
	diffs map[int64]map[models.SourceKey]time.Duration
}

// NewStore creates a source preference store.
func NewStore(db *gorm.DB, log zerolog.Logger) *Store {
	return &Store{
		db:    db,
		log:   log.With().Str("component", "sourceconf").Logger(),
		tried: make(map[int64]map[models.SourceKey]bool),
		diffs: make(map[int64]map[models.SourceKey]time.Duration),
	}
}

// GetPin returns the pinned source for a song, if any.
func (s *Store) GetPin(songID int64) (*Pin, error) {
	var row models.SourceConfig
	err := s.db.Where("song_id = ?", songID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Pin{Source: row.Source, Manual: row.Manual}, nil
}

// SetManualPin records a user-chosen source. Manual pins are authoritative:
// the duration probe never overrides them.
func (s *Store) SetManualPin(songID int64, source models.SourceKey) error {
	return s.setPin(songID, source, true)
}

// SetAutoPin records a probe-chosen source. It never downgrades a manual pin.
func (s *Store) SetAutoPin(songID int64, source models.SourceKey) error {
	existing, err := s.GetPin(songID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Manual {
		return nil
	}
	return s.setPin(songID, source, false)
}

func (s *Store) setPin(songID int64, source models.SourceKey, manual bool) error {
	row := models.SourceConfig{SongID: songID, Source: source, Manual: manual}
	err := s.db.Save(&row).Error
	if err == nil {
		s.log.Debug().Int64("song_id", songID).Str("source", string(source)).Bool("manual", manual).Msg("pin saved")
	}
	return err
}

// ClearPin removes any pin for the song.
func (s *Store) ClearPin(songID int64) error {
	return s.db.Where("song_id = ?", songID).Delete(&models.SourceConfig{}).Error
}

// MarkTried records that a source was attempted for the song this session.
func (s *Store) MarkTried(songID int64, source models.SourceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tried[songID] == nil {
		s.tried[songID] = make(map[models.SourceKey]bool)
	}
	s.tried[songID][source] = true
}

// Tried reports whether a source was already attempted for the song.
func (s *Store) Tried(songID int64, source models.SourceKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tried[songID][source]
}

// RecordDiff stores the absolute duration delta observed for a source.
func (s *Store) RecordDiff(songID int64, source models.SourceKey, diff time.Duration) {
	if diff < 0 {
		diff = -diff
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.diffs[songID] == nil {
		s.diffs[songID] = make(map[models.SourceKey]time.Duration)
	}
	s.diffs[songID][source] = diff
}

// BestMatch returns the tried source with the smallest recorded duration
// delta. ok is false when nothing was recorded for the song.
func (s *Store) BestMatch(songID int64) (models.SourceKey, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	diffs := s.diffs[songID]
	if len(diffs) == 0 {
		return "", 0, false
	}
	var best models.SourceKey
	bestDiff := time.Duration(-1)
	for source, diff := range diffs {
		if bestDiff < 0 || diff < bestDiff ||
			(diff == bestDiff && models.SourcePriority(source) < models.SourcePriority(best)) {
			best = source
			bestDiff = diff
		}
	}
	return best, bestDiff, true
}

// ClearSession forgets tried sources and diffs for one song.
func (s *Store) ClearSession(songID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tried, songID)
	delete(s.diffs, songID)
}
