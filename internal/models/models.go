/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"
)

// Song identifies a track to resolve. ID is the upstream catalog id; for
// bilibili tracks BilibiliBvid/BilibiliCid carry the pair used by the proxy.
// PlayURL and ExpiredAt are call-scoped: a caller that already holds a
// resolved URL passes it along and resolution is skipped while it is fresh.
type Song struct {
	ID           int64  `gorm:"primaryKey;autoIncrement:false"`
	Name         string `gorm:"index"`
	Artist       string
	Album        string
	DurationMS   int64
	Source       SourceKey `gorm:"type:varchar(8)"`
	BilibiliBvid string
	BilibiliCid  string
	PlayURL      string    `gorm:"-"`
	ExpiredAt    time.Time `gorm:"-"`
	IsFirstPlay  bool      `gorm:"-"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsBilibili reports whether playback must go through the bilibili proxy.
func (s *Song) IsBilibili() bool {
	return s.Source == SourceBilibili || s.BilibiliBvid != ""
}

// CarriesFreshURL reports whether the song itself supplies a playable URL.
// A URL of unknown age is only trusted on first play; later attempts force
// a fresh resolution.
func (s *Song) CarriesFreshURL(now time.Time) bool {
	if s.PlayURL == "" {
		return false
	}
	if s.ExpiredAt.IsZero() {
		return s.IsFirstPlay
	}
	return now.Before(s.ExpiredAt)
}

// ExpectedDuration returns the catalog duration, zero when unknown.
func (s *Song) ExpectedDuration() time.Duration {
	if s.DurationMS <= 0 {
		return 0
	}
	return time.Duration(s.DurationMS) * time.Millisecond
}

// SourceConfig persists a per-song source preference.
type SourceConfig struct {
	SongID    int64     `gorm:"primaryKey;autoIncrement:false"`
	Source    SourceKey `gorm:"type:varchar(8)"`
	Manual    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResolveMethod names the pipeline stage that produced a URL.
type ResolveMethod string

const (
	MethodCached    ResolveMethod = "cached"
	MethodBilibili  ResolveMethod = "bilibili"
	MethodCustomAPI ResolveMethod = "custom_api"
	MethodPinned    ResolveMethod = "pinned"
	MethodOfficial  ResolveMethod = "official"
	MethodParsed    ResolveMethod = "parsed"
)

// Resolution is the outcome of a successful URL resolution.
type Resolution struct {
	URL        string
	Method     ResolveMethod
	Source     SourceKey
	Quality    Quality
	ResolvedAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the resolved URL has aged out.
func (r *Resolution) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}
