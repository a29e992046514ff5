package filesource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// LocalConfig configures a LocalSource.
type LocalConfig struct {
	// Files restricts the listing to these names. Empty means every eligible
	// file in the directory.
	Files []string
	// ArchiveDir is relative to the listed directory. Empty disables archiving.
	ArchiveDir   string
	MaxFileBytes int64
}

// LocalSource reads extracts from a local download directory.
type LocalSource struct {
	root   string
	cfg    LocalConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewLocalSource(root string, cfg LocalConfig, logger zerolog.Logger) *LocalSource {
	return &LocalSource{
		root:   root,
		cfg:    cfg,
		logger: logger.With().Str("component", "local_source").Str("dir", root).Logger(),
		now:    time.Now,
	}
}

func (s *LocalSource) Connect(_ context.Context) error {
	fi, err := os.Stat(s.root)
	if err != nil {
		return &ConnectionError{Host: s.root, Err: err}
	}
	if !fi.IsDir() {
		return &ConnectionError{Host: s.root, Err: fmt.Errorf("%s is not a directory", s.root)}
	}
	return nil
}

func (s *LocalSource) ListEligible(ctx context.Context, dir string) ([]SourceFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dir == "" {
		dir = s.root
	}
	now := s.now().UTC()

	if len(s.cfg.Files) > 0 {
		var files []SourceFile
		for _, name := range s.cfg.Files {
			if !Eligible(name) {
				s.logger.Warn().Str("file", name).Msg("listed file is not eligible, skipping")
				continue
			}
			sf := SourceFile{Name: name, Path: filepath.Join(dir, name), DiscoveredAt: now}
			// Missing files stay in the listing so Fetch reports them.
			if fi, err := os.Stat(sf.Path); err == nil {
				sf.Size = fi.Size()
				sf.ModTime = fi.ModTime()
			}
			files = append(files, sf)
		}
		return files, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var files []SourceFile
	for _, e := range entries {
		if !e.Type().IsRegular() || !Eligible(e.Name()) {
			continue
		}
		sf := SourceFile{Name: e.Name(), Path: filepath.Join(dir, e.Name()), DiscoveredAt: now}
		if fi, err := e.Info(); err == nil {
			sf.Size = fi.Size()
			sf.ModTime = fi.ModTime()
		}
		files = append(files, sf)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (s *LocalSource) Fetch(ctx context.Context, filePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &FetchError{Path: filePath, Err: err}
	}
	f, err := os.Open(filePath)
	if err != nil {
		return "", &FetchError{Path: filePath, Err: err}
	}
	defer f.Close()
	text, err := readLimited(f, s.cfg.MaxFileBytes)
	if err != nil {
		return "", &FetchError{Path: filePath, Err: err}
	}
	return text, nil
}

// Archive moves the file under ArchiveDir. With no ArchiveDir configured the
// file is left where it is and its path is returned unchanged.
func (s *LocalSource) Archive(_ context.Context, filePath string) (string, error) {
	if s.cfg.ArchiveDir == "" {
		return filePath, nil
	}
	destDir := filepath.Join(filepath.Dir(filePath), s.cfg.ArchiveDir)
	dest := filepath.Join(destDir, filepath.Base(filePath))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", &ArchiveError{Path: filePath, Dest: dest, Err: err}
	}
	if _, err := os.Stat(dest); err == nil {
		dest = filepath.Join(destDir, archiveName(filepath.Base(filePath), s.now()))
	}
	if err := os.Rename(filePath, dest); err != nil {
		return "", &ArchiveError{Path: filePath, Dest: dest, Err: err}
	}
	return dest, nil
}

func (s *LocalSource) Close() error { return nil }

// Watch calls fn whenever an eligible file is created or rewritten in the
// root directory. Bursts of events are collapsed into one call after debounce.
// It returns when ctx is cancelled.
func (s *LocalSource) Watch(ctx context.Context, debounce time.Duration, fn func(context.Context) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.root); err != nil {
		return fmt.Errorf("watch %s: %w", s.root, err)
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !Eligible(event.Name) {
				continue
			}
			s.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("drop directory changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("watch-triggered batch failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Msg("fsnotify error")
		}
	}
}
