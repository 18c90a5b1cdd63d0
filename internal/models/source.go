/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

// SourceKey identifies a music platform a script can parse from.
type SourceKey string

const (
	SourceKuwo     SourceKey = "kw"
	SourceKugou    SourceKey = "kg"
	SourceTencent  SourceKey = "tx"
	SourceNetease  SourceKey = "wy"
	SourceMigu     SourceKey = "mg"
	SourceLocal    SourceKey = "local"
	SourceBilibili SourceKey = "bilibili"

	// SourceCustom pins a song to the user-configured custom URL API.
	SourceCustom SourceKey = "custom"
)

// sourcePriority orders sources by historical reliability; lower wins.
var sourcePriority = map[SourceKey]int{
	SourceNetease: 0,
	SourceKuwo:    1,
	SourceMigu:    2,
	SourceKugou:   3,
	SourceTencent: 4,
}

// ParseableSources lists the script-parseable sources in priority order.
func ParseableSources() []SourceKey {
	return []SourceKey{SourceNetease, SourceKuwo, SourceMigu, SourceKugou, SourceTencent}
}

// SourcePriority returns the rank of a source; unknown sources sort last.
func SourcePriority(s SourceKey) int {
	if p, ok := sourcePriority[s]; ok {
		return p
	}
	return len(sourcePriority)
}

// ValidSource reports whether s is a known parseable source key.
func ValidSource(s SourceKey) bool {
	_, ok := sourcePriority[s]
	return ok
}
