// Package audiometa extracts a start instant and duration from field
// recordings. The start instant is embedded in the filename as an
// YYYYMMDD_HHMMSS substring (e.g. recording_20251030_114800_LTU.wav); the
// duration comes from decoding the audio itself.
package audiometa

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

var (
	// ErrNoTimestamp is returned when the base filename contains no
	// parseable date substring.
	ErrNoTimestamp = errors.New("filename does not match required date format")

	// ErrUnsupportedFormat is returned for files whose extension has no
	// registered decoder.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// timestampPattern matches eight digits, an underscore and six digits:
// year/month/day, hour/minute/second. The first match wins.
var timestampPattern = regexp.MustCompile(`(\d{4})(\d{2})(\d{2})_(\d{2})(\d{2})(\d{2})`)

// Metadata describes a decodable recording with a filename-embedded start.
type Metadata struct {
	Filename       string
	Filepath       string  // absolute
	Duration       float64 // seconds
	StartTimestamp int64   // epoch seconds, UTC
	EndTimestamp   int64   // StartTimestamp + int(Duration)
}

// AllowedExtension reports whether the file name carries one of the
// decodable extensions.
func AllowedExtension(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav", ".mp3":
		return true
	default:
		return false
	}
}

// ParseFilenameTimestamp extracts the embedded start instant from a file
// name. The extension is stripped before matching so a date-like extension
// cannot satisfy the pattern. Impossible calendar dates (month 13, Feb 30)
// yield ErrNoTimestamp rather than a normalized date.
func ParseFilenameTimestamp(name string) (int64, error) {
	base := filepath.Base(name)
	cleaned := strings.TrimSuffix(base, filepath.Ext(base))

	m := timestampPattern.FindStringSubmatch(cleaned)
	if m == nil {
		return 0, fmt.Errorf("%w: %s", ErrNoTimestamp, base)
	}

	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	second, _ := strconv.Atoi(m[6])

	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)

	// time.Date normalizes out-of-range components (month 13 becomes
	// January of the next year). Formatting back and comparing against the
	// matched text catches that without a range table.
	if t.Format("20060102_150405") != m[0] {
		return 0, fmt.Errorf("%w: %s", ErrNoTimestamp, base)
	}

	return t.Unix(), nil
}

// Extract reads a recording from disk and returns its metadata. The file
// must exist, be decodable and carry a filename timestamp; each failure is
// distinguishable for the caller.
func Extract(path string) (*Metadata, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audio file not found: %w", err)
	}

	start, err := ParseFilenameTimestamp(path)
	if err != nil {
		return nil, err
	}

	duration, err := probeDuration(path)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	return &Metadata{
		Filename:       filepath.Base(path),
		Filepath:       abs,
		Duration:       duration,
		StartTimestamp: start,
		EndTimestamp:   start + int64(duration),
	}, nil
}

// probeDuration decodes just enough of the file to compute its length in
// seconds.
func probeDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		dec := wav.NewDecoder(f)
		dur, err := dec.Duration()
		if err != nil {
			return 0, fmt.Errorf("failed to decode wav: %w", err)
		}
		return dur.Seconds(), nil

	case ".mp3":
		dec, err := mp3.NewDecoder(f)
		if err != nil {
			return 0, fmt.Errorf("failed to decode mp3: %w", err)
		}
		// Length is decoded PCM bytes: 2 channels x 2 bytes per sample.
		samples := dec.Length() / 4
		return float64(samples) / float64(dec.SampleRate()), nil

	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}
