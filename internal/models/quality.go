/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

// Quality is a script-side quality tag.
type Quality string

const (
	Quality128k      Quality = "128k"
	Quality320k      Quality = "320k"
	QualityFlac      Quality = "flac"
	QualityFlac24bit Quality = "flac24bit"
)

// qualityDowngrade maps each quality to the next one to try when a script
// reports the requested quality unavailable.
var qualityDowngrade = map[Quality]Quality{
	QualityFlac24bit: QualityFlac,
	QualityFlac:      Quality320k,
	Quality320k:      Quality128k,
}

// Downgrade returns the next lower quality and whether one exists.
func (q Quality) Downgrade() (Quality, bool) {
	next, ok := qualityDowngrade[q]
	return next, ok
}

// ValidQualityLevel reports whether level is a known player quality level.
func ValidQualityLevel(level string) bool {
	switch level {
	case "standard", "higher", "exhigh", "lossless", "hires":
		return true
	}
	return false
}

// QualityFromLevel translates a player quality level (standard, higher,
// exhigh, lossless, hires) into a script quality tag.
func QualityFromLevel(level string) Quality {
	switch level {
	case "standard":
		return Quality128k
	case "higher", "exhigh":
		return Quality320k
	case "lossless":
		return QualityFlac
	case "hires":
		return QualityFlac24bit
	default:
		return Quality320k
	}
}
