package gallery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"github.com/spf13/afero"

	"github.com/JakeFAU/media-fetcher/internal/fetch"
)

// sniffLen covers the longest magic number filetype inspects.
const sniffLen = 262

// FetchItem streams one media item into destDir. The file lands under a
// temporary name and is renamed once complete, with the extension taken from
// the sniffed content type. Transient failures are retried within timeout.
// Every failure is returned in the Outcome.
func (p *Provider) FetchItem(ctx context.Context, item fetch.ItemRef, destDir string, timeout time.Duration) fetch.Outcome {
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	source := item.URL
	if source == "" {
		resolved, err := p.resolveURL(item.ID)
		if err != nil {
			return fetch.Outcome{Err: err}
		}
		source = resolved
	}

	var out fetch.Outcome
	err := p.retry.do(ctx, func() error {
		out = p.fetchOnce(ctx, source, item, destDir)
		return out.Err
	})
	if err != nil {
		return fetch.Outcome{Err: err}
	}
	return out
}

func (p *Provider) fetchOnce(ctx context.Context, source string, item fetch.ItemRef, destDir string) fetch.Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return fetch.Outcome{Err: fmt.Errorf("build request: %w", err)}
	}
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fetch.Outcome{Err: fmt.Errorf("%w: %v", fetch.ErrTransientFetch, err)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fetch.Outcome{Err: statusError(resp.StatusCode)}
	}

	if err := p.fs.MkdirAll(destDir, 0o750); err != nil {
		return fetch.Outcome{Err: fmt.Errorf("create destination: %w", err)}
	}
	tmp, err := afero.TempFile(p.fs, destDir, ".part-*")
	if err != nil {
		return fetch.Outcome{Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = p.fs.Remove(tmpName)
	}

	body := bufio.NewReaderSize(resp.Body, sniffLen)
	head, err := body.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		cleanup()
		return fetch.Outcome{Err: fmt.Errorf("%w: read body: %v", fetch.ErrTransientFetch, err)}
	}
	written, err := io.Copy(tmp, body)
	if err != nil {
		cleanup()
		return fetch.Outcome{Err: fmt.Errorf("%w: stream body: %v", fetch.ErrTransientFetch, err)}
	}
	if err := tmp.Close(); err != nil {
		_ = p.fs.Remove(tmpName)
		return fetch.Outcome{Err: fmt.Errorf("close temp file: %w", err)}
	}

	finalPath := filepath.Join(destDir, fileName(item, head))
	if err := p.fs.Rename(tmpName, finalPath); err != nil {
		_ = p.fs.Remove(tmpName)
		return fetch.Outcome{Err: fmt.Errorf("finalize %s: %w", finalPath, err)}
	}
	return fetch.Outcome{Success: true, BytesWritten: written, Path: finalPath}
}

func statusError(code int) error {
	switch {
	case code == http.StatusNotFound, code == http.StatusGone:
		return fmt.Errorf("item %w", fetch.ErrTargetNotFound)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return fmt.Errorf("item %w", fetch.ErrAccessDenied)
	case transientStatus(code):
		return fmt.Errorf("%w: status %d", fetch.ErrTransientFetch, code)
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}

// fileName keeps the item's base name and replaces its extension with the
// sniffed one when the content type is recognized.
func fileName(item fetch.ItemRef, head []byte) string {
	name := sanitizeName(item.Name)
	if name == "" {
		name = sanitizeName(item.ID)
	}
	if name == "" {
		name = "item"
	}
	ext := strings.TrimPrefix(path.Ext(name), ".")
	stem := strings.TrimSuffix(name, path.Ext(name))
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		ext = kind.Extension
	}
	if ext == "" {
		ext = "bin"
	}
	return stem + "." + ext
}

func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r == os.PathSeparator, r == '/', r == '\\', r == ':', r < 0x20:
			return '_'
		default:
			return r
		}
	}, strings.TrimSpace(name))
	return strings.Trim(name, ".")
}
