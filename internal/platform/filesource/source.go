// Package filesource discovers, downloads and archives extract files from a
// drop location. SFTPSource talks to the vendor's SFTP server; LocalSource
// reads a local download directory and backs the offline "local" command.
package filesource

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
)

// IngestExtension is the only file extension picked up from the drop.
const IngestExtension = ".csv"

// SourceFile is one eligible file discovered by a listing.
type SourceFile struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mod_time"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Source is a drop location the batch orchestrator reads from. Implementations
// are used by one goroutine at a time.
type Source interface {
	Connect(ctx context.Context) error
	ListEligible(ctx context.Context, dir string) ([]SourceFile, error)
	Fetch(ctx context.Context, filePath string) (string, error)
	Archive(ctx context.Context, filePath string) (string, error)
	Close() error
}

// ConnectionError is fatal for a batch: nothing can be listed or fetched.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FetchError is scoped to a single file.
type FetchError struct {
	Path string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Path, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ArchiveError means the file was ingested but could not be moved out of the
// drop, so it will be seen again by the next listing.
type ArchiveError struct {
	Path string
	Dest string
	Err  error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive %s -> %s: %v", e.Path, e.Dest, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// Eligible reports whether a file name should be ingested: it must carry the
// ingest extension and must not be marked as already archived or be a hidden
// partial upload.
func Eligible(name string) bool {
	lower := strings.ToLower(path.Base(name))
	if !strings.HasSuffix(lower, IngestExtension) {
		return false
	}
	if strings.HasPrefix(lower, ".") || strings.HasPrefix(lower, "archived_") {
		return false
	}
	if strings.Contains(lower, "_processed") || strings.Contains(lower, ".archived") {
		return false
	}
	return true
}

// archiveName returns the name used when the plain archive destination is
// already taken.
func archiveName(base string, now time.Time) string {
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s_%s%s", stem, now.UTC().Format("20060102T150405"), ext)
}

// runWithContext runs fn and returns early with ctx.Err() when ctx is done
// first. fn keeps running in the background; callers must make it safe to
// abandon.
func runWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
