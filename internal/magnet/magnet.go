package magnet

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
)

var (
	// ErrEmpty is returned for blank input.
	ErrEmpty = errors.New("magnet link is empty")
	// ErrInvalidMagnet is returned when the link is not a magnet URI with a btih info hash.
	ErrInvalidMagnet = errors.New("invalid magnet link")
	// ErrNoSelection is returned when no file index was chosen.
	ErrNoSelection = errors.New("no file selected")
	// ErrInvalidSelection is returned for negative or duplicated file indices.
	ErrInvalidSelection = errors.New("invalid file selection")
)

const prefix = "magnet:?"

// Parse validates link and returns its lower-case hex info hash.
func Parse(link string) (string, error) {
	trimmed := strings.TrimSpace(link)
	if trimmed == "" {
		return "", ErrEmpty
	}
	if !strings.HasPrefix(strings.ToLower(trimmed), prefix) {
		return "", fmt.Errorf("%w: must start with %q", ErrInvalidMagnet, prefix)
	}
	m, err := metainfo.ParseMagnetUri(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMagnet, err)
	}
	if m.InfoHash == (metainfo.Hash{}) {
		return "", fmt.Errorf("%w: btih info hash not found", ErrInvalidMagnet)
	}
	return strings.ToLower(m.InfoHash.HexString()), nil
}

// Validate reports whether link is a usable magnet URI.
func Validate(link string) error {
	_, err := Parse(link)
	return err
}

// TemporaryID derives the client-side id used before the backend assigns one: the info hash
// when the link carries one, otherwise a time based fallback.
func TemporaryID(link string, now time.Time) string {
	if hash, err := Parse(link); err == nil {
		return hash
	}
	return fmt.Sprintf("temp-%d", now.UnixMilli())
}

// NormalizeSelection checks that indices is non-empty, non-negative and free of duplicates, and
// returns a sorted copy.
func NormalizeSelection(indices []int) ([]int, error) {
	if len(indices) == 0 {
		return nil, ErrNoSelection
	}
	seen := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		if idx < 0 {
			return nil, fmt.Errorf("%w: negative index %d", ErrInvalidSelection, idx)
		}
		if _, dup := seen[idx]; dup {
			return nil, fmt.Errorf("%w: duplicate index %d", ErrInvalidSelection, idx)
		}
		seen[idx] = struct{}{}
	}
	out := slices.Clone(indices)
	slices.Sort(out)
	return out, nil
}
