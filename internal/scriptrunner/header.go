/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scriptrunner

import (
	"bufio"
	"regexp"
	"strings"
)

// Header is the metadata block at the top of a source script.
type Header struct {
	Name        string
	Description string
	Version     string
	Author      string
	Homepage    string
}

var headerFieldRe = regexp.MustCompile(`@(\w+)\s+(.+)`)

// ParseHeader extracts the @name/@description/@version/@author/@homepage
// tags from the leading comment block of a script.
func ParseHeader(src string) Header {
	var h Header
	scanner := bufio.NewScanner(strings.NewReader(src))
	inBlock := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !inBlock {
			if strings.HasPrefix(line, "/*") {
				inBlock = true
			} else if line != "" && !strings.HasPrefix(line, "//") {
				// Script body reached without a header block.
				break
			}
		}
		if !inBlock {
			continue
		}
		if m := headerFieldRe.FindStringSubmatch(line); m != nil {
			value := strings.TrimSpace(strings.TrimSuffix(m[2], "*/"))
			switch strings.ToLower(m[1]) {
			case "name":
				h.Name = value
			case "description":
				h.Description = value
			case "version":
				h.Version = value
			case "author":
				h.Author = value
			case "homepage":
				h.Homepage = value
			}
		}
		if strings.Contains(line, "*/") {
			break
		}
	}
	return h
}
