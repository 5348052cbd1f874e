package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/h2non/filetype"
	"github.com/spf13/afero"
)

// SummaryFile is the per-target summary document written by the worker.
const SummaryFile = "metadata.json"

var (
	// ErrInvalidPath rejects paths that are empty, absolute or escape the root.
	ErrInvalidPath = errors.New("invalid path")
	// ErrFileNotFound is returned when no regular file exists at a path.
	ErrFileNotFound = errors.New("file not found")
)

// MediaCounts classifies files by extension.
type MediaCounts struct {
	Images int `json:"images"`
	Videos int `json:"videos"`
	Audio  int `json:"audio"`
	Other  int `json:"other"`
	Total  int `json:"total"`
}

// TargetListing describes one target directory under the root.
type TargetListing struct {
	Name    string          `json:"name"`
	Dir     string          `json:"dir"`
	Bytes   int64           `json:"bytes"`
	Media   MediaCounts     `json:"media"`
	Summary json.RawMessage `json:"summary,omitempty"`
}

// ListTargets reports every target directory with its media counts and the
// stored summary, if any. Hidden directories are skipped.
func (s *Store) ListTargets() ([]TargetListing, error) {
	entries, err := afero.ReadDir(s.fs, s.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []TargetListing{}, nil
		}
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	targets := make([]TargetListing, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		listing, err := s.describeTarget(entry.Name())
		if err != nil {
			return nil, err
		}
		targets = append(targets, listing)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
	return targets, nil
}

func (s *Store) describeTarget(name string) (TargetListing, error) {
	dir := filepath.Join(s.baseDir, name)
	listing := TargetListing{Name: name, Dir: dir}

	err := afero.Walk(s.fs, dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			// Files may vanish under cleanup while we walk.
			return nil
		}
		if !info.Mode().IsRegular() || !isContent(path, dir) {
			return nil
		}
		listing.Bytes += info.Size()
		listing.Media.add(filepath.Ext(path))
		return nil
	})
	if err != nil {
		return listing, fmt.Errorf("failed to scan %s: %w", name, err)
	}

	if data, err := afero.ReadFile(s.fs, filepath.Join(dir, SummaryFile)); err == nil && json.Valid(data) {
		listing.Summary = json.RawMessage(data)
	}
	return listing, nil
}

// isContent excludes the summary document and in-flight temporary files.
func isContent(path, targetDir string) bool {
	base := filepath.Base(path)
	switch {
	case filepath.Dir(path) == targetDir && base == SummaryFile:
		return false
	case strings.HasPrefix(base, ".part-"), strings.HasSuffix(base, ".tmp"):
		return false
	}
	return true
}

func (m *MediaCounts) add(ext string) {
	m.Total++
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "jpeg" {
		ext = "jpg"
	}
	kind := filetype.GetType(ext)
	switch kind.MIME.Type {
	case "image":
		m.Images++
	case "video":
		m.Videos++
	case "audio":
		m.Audio++
	default:
		m.Other++
	}
}

// Open returns the regular file at rel, a slash-separated path relative to the
// root. Directories and paths leaving the root are refused.
func (s *Store) Open(rel string) (afero.File, fs.FileInfo, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" || strings.HasPrefix(rel, "/") || strings.Contains(rel, "\\") {
		return nil, nil, ErrInvalidPath
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return nil, nil, ErrInvalidPath
		}
	}
	fullPath, err := s.within(filepath.FromSlash(rel))
	if err != nil {
		return nil, nil, ErrInvalidPath
	}

	info, err := s.fs.Stat(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrFileNotFound
		}
		return nil, nil, fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil, nil, ErrFileNotFound
	}
	f, err := s.fs.Open(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrFileNotFound
		}
		return nil, nil, fmt.Errorf("failed to open %s: %w", rel, err)
	}
	return f, info, nil
}
