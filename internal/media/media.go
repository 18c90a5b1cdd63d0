/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package media measures the actual duration of resolved audio. The payload
// is fetched to a scratch file, decoded per container, and removed.
package media

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/mewkiz/flac"
	"github.com/rs/zerolog"
	"github.com/tcolgate/mp3"

	"github.com/skaldlabs/tonearm/internal/httpx"
)

// Prober fetches and measures audio payloads.
type Prober struct {
	http    *httpx.Client
	tempDir string
	log     zerolog.Logger
}

// NewProber creates a prober writing scratch files under tempDir.
func NewProber(client *httpx.Client, tempDir string, log zerolog.Logger) *Prober {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Prober{
		http:    client,
		tempDir: tempDir,
		log:     log.With().Str("component", "media").Logger(),
	}
}

// Duration downloads the audio at rawURL and returns its playable length.
func (p *Prober) Duration(ctx context.Context, rawURL string) (time.Duration, error) {
	ext := extFromURL(rawURL)
	path := filepath.Join(p.tempDir, "tonearm-probe-"+uuid.NewString()+ext)

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create scratch file: %w", err)
	}
	defer os.Remove(path)
	defer f.Close()

	size, contentType, err := p.http.Download(ctx, rawURL, f)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, errors.New("empty media payload")
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}

	format := detectFormat(path, contentType)
	p.log.Debug().Str("url", rawURL).Str("format", format).Int64("bytes", size).Msg("media fetched")

	duration, err := FileDuration(path, format)
	if err != nil {
		return 0, err
	}
	return duration, nil
}

// FileDuration decodes the duration of a local audio file. format is one of
// mp3, flac, wav, m4a; empty means detect from the file itself.
func FileDuration(path, format string) (time.Duration, error) {
	if format == "" {
		format = detectFormat(path, "")
	}
	switch format {
	case "mp3":
		return durationMP3(path)
	case "flac":
		return durationFLAC(path)
	case "wav":
		return durationWAV(path)
	case "m4a":
		return durationM4A(path)
	default:
		return 0, fmt.Errorf("unsupported media format %q", format)
	}
}

func extFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(filepath.Ext(parsed.Path))
	switch ext {
	case ".mp3", ".flac", ".wav", ".m4a", ".aac", ".ogg":
		return ext
	}
	return ""
}

// detectFormat uses the file extension, then the content type, then the
// payload's own magic bytes.
func detectFormat(path, contentType string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return "mp3"
	case ".flac":
		return "flac"
	case ".wav":
		return "wav"
	case ".m4a":
		return "m4a"
	}

	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "mpeg"):
		return "mp3"
	case strings.Contains(ct, "flac"):
		return "flac"
	case strings.Contains(ct, "wav"):
		return "wav"
	case strings.Contains(ct, "mp4"):
		return "m4a"
	}

	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	_, fileType, err := tag.Identify(f)
	if err != nil {
		return "mp3"
	}
	switch fileType {
	case tag.MP3:
		return "mp3"
	case tag.FLAC:
		return "flac"
	case tag.M4A, tag.M4B, tag.M4P:
		return "m4a"
	default:
		return "mp3"
	}
}

// durationMP3 walks the frame stream; variable bitrate files make header
// math unreliable.
func durationMP3(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := mp3.NewDecoder(f)
	var total time.Duration
	var skipped int
	frames := 0
	for {
		var frame mp3.Frame
		if err := dec.Decode(&frame, &skipped); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if frames == 0 {
				return 0, fmt.Errorf("decode mp3: %w", err)
			}
			break
		}
		total += frame.Duration()
		frames++
	}
	if frames == 0 {
		return 0, errors.New("no mp3 frames decoded")
	}
	return total, nil
}

// durationFLAC reads the STREAMINFO block.
func durationFLAC(path string) (time.Duration, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return 0, err
	}
	info := stream.Info
	if info.NSamples == 0 || info.SampleRate == 0 {
		return 0, errors.New("flac stream missing sample info")
	}
	seconds := float64(info.NSamples) / float64(info.SampleRate)
	return time.Duration(seconds * float64(time.Second)), nil
}

// durationWAV approximates from the header and file size.
func durationWAV(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, errors.New("invalid wav file")
	}
	if dec.SampleRate == 0 || dec.BitDepth == 0 || dec.NumChans == 0 {
		return 0, errors.New("invalid wav header")
	}

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	pcmBytes := st.Size() - 44
	if pcmBytes < 0 {
		pcmBytes = 0
	}
	frameSize := int64(dec.BitDepth/8) * int64(dec.NumChans)
	if frameSize <= 0 {
		return 0, errors.New("invalid sample frame size")
	}
	seconds := float64(pcmBytes/frameSize) / float64(dec.SampleRate)
	return time.Duration(seconds * float64(time.Second)), nil
}

// durationM4A scans mp4 atoms for the mvhd timescale and duration.
func durationM4A(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	for {
		head := make([]byte, 8)
		if _, err := io.ReadFull(f, head); err != nil {
			return 0, err
		}
		size := binary.BigEndian.Uint32(head[0:4])
		atom := string(head[4:8])
		if size < 8 {
			return 0, errors.New("invalid atom size")
		}
		if atom != "moov" {
			if _, err := f.Seek(int64(size)-8, io.SeekCurrent); err != nil {
				return 0, err
			}
			continue
		}

		limit := int64(size) - 8
		for read := int64(0); read < limit; {
			subHead := make([]byte, 8)
			if _, err := io.ReadFull(f, subHead); err != nil {
				return 0, err
			}
			subSize := binary.BigEndian.Uint32(subHead[0:4])
			if subSize < 8 {
				return 0, errors.New("invalid sub-atom size")
			}
			if string(subHead[4:8]) == "mvhd" {
				return readMvhd(f)
			}
			if _, err := f.Seek(int64(subSize)-8, io.SeekCurrent); err != nil {
				return 0, err
			}
			read += int64(subSize)
		}
		return 0, errors.New("mvhd atom not found")
	}
}

func readMvhd(f *os.File) (time.Duration, error) {
	version := make([]byte, 1)
	if _, err := io.ReadFull(f, version); err != nil {
		return 0, err
	}
	var (
		timescale uint32
		units     uint64
	)
	if version[0] == 1 {
		// 3 flag bytes, then 64-bit creation and modification times,
		// 32-bit timescale, 64-bit duration.
		if _, err := f.Seek(3+8+8, io.SeekCurrent); err != nil {
			return 0, err
		}
		buf := make([]byte, 12)
		if _, err := io.ReadFull(f, buf); err != nil {
			return 0, err
		}
		timescale = binary.BigEndian.Uint32(buf[0:4])
		units = binary.BigEndian.Uint64(buf[4:12])
	} else {
		if _, err := f.Seek(3+4+4, io.SeekCurrent); err != nil {
			return 0, err
		}
		buf := make([]byte, 8)
		if _, err := io.ReadFull(f, buf); err != nil {
			return 0, err
		}
		timescale = binary.BigEndian.Uint32(buf[0:4])
		units = uint64(binary.BigEndian.Uint32(buf[4:8]))
	}
	if timescale == 0 {
		return 0, errors.New("invalid timescale")
	}
	seconds := float64(units) / float64(timescale)
	return time.Duration(seconds * float64(time.Second)), nil
}
