// Package local manages the download root on the local filesystem.
package local

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Config captures the parameters for the local download root.
type Config struct {
	// BaseDir is the root directory where target directories are created.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store hands out per-target directories under the base dir and writes small
// JSON documents into them.
type Store struct {
	fs      afero.Fs
	baseDir string
}

// New creates a Store, creating the base directory if needed. A nil fsys uses
// the OS filesystem.
func New(cfg Config, fsys afero.Fs) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	info, err := fsys.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := fsys.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := afero.WriteFile(fsys, testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := fsys.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{fs: fsys, baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// BaseDir returns the cleaned root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// TargetDir returns, creating if necessary, the directory for one target.
// The name is reduced to a single safe path segment.
func (s *Store) TargetDir(name string) (string, error) {
	segment := SafeSegment(name)
	if segment == "" {
		return "", fmt.Errorf("target name %q has no usable characters", name)
	}
	dir, err := s.within(segment)
	if err != nil {
		return "", err
	}
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create target directory: %w", err)
	}
	return dir, nil
}

// WriteJSON writes v as indented JSON to dir/name, replacing any previous
// file atomically.
func (s *Store) WriteJSON(dir, name string, v any) (string, error) {
	rel, err := filepath.Rel(s.baseDir, filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("path traversal detected")
	}
	fullPath, err := s.within(rel)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	tmp := fullPath + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := s.fs.Rename(tmp, fullPath); err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("failed to rename file: %w", err)
	}
	return fullPath, nil
}

// within joins rel to the base dir and rejects anything that escapes it.
func (s *Store) within(rel string) (string, error) {
	fullPath := filepath.Clean(filepath.Join(s.baseDir, rel))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

// SafeSegment maps an identifier (possibly a URL) to one directory name.
func SafeSegment(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.Index(name, "://"); i >= 0 {
		name = name[i+3:]
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == '@':
			return r
		default:
			return '_'
		}
	}, name)
	return strings.Trim(name, "._")
}
