// Package capture provides the audio segment source for the monitoring loop.
// The recorder process drops completed segment files into a spool directory;
// DirSource watches that directory and hands finished files to the loop.
package capture

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tphakala/birdsense-go/internal/conf"
	"github.com/tphakala/birdsense-go/internal/errors"
	"github.com/tphakala/birdsense-go/internal/logging"
)

// Segment is one completed audio segment ready for classification.
type Segment struct {
	Path       string
	CapturedAt time.Time
}

// Source produces audio segments for the monitoring loop.
type Source interface {
	// Segments returns the channel segments are delivered on. The channel
	// is closed when the source stops.
	Segments() <-chan Segment
	// Start performs the setup that can fail, before any segment is
	// delivered. Run must not be called when Start returned an error.
	Start() error
	// Run watches for segments until the context is cancelled.
	Run(ctx context.Context) error
}

// DirSource watches a spool directory for completed segment files. Events
// come from fsnotify with a periodic directory scan as fallback, so segments
// are picked up even when an event is missed or the watcher cannot start.
type DirSource struct {
	dir       string
	extension string
	logger    *slog.Logger
	segments  chan Segment

	// settleDelay is how long a file must sit unchanged before it is
	// considered fully written.
	settleDelay  time.Duration
	pollInterval time.Duration

	seen    map[string]struct{}
	pending map[string]time.Time

	watcher *fsnotify.Watcher
}

// NewDirSource creates a source watching the configured capture directory.
func NewDirSource(settings *conf.Settings) *DirSource {
	logger := logging.ForService("capture")
	if logger == nil {
		logger = slog.Default().With("service", "capture")
	}

	return &DirSource{
		dir:          settings.Capture.Path,
		extension:    settings.Capture.Extension,
		logger:       logger,
		segments:     make(chan Segment, 16),
		settleDelay:  500 * time.Millisecond,
		pollInterval: time.Second,
		seen:         make(map[string]struct{}),
		pending:      make(map[string]time.Time),
	}
}

// Segments returns the delivery channel.
func (s *DirSource) Segments() <-chan Segment {
	return s.segments
}

// Start prepares the spool directory and the filesystem watcher. A spool
// directory that cannot be created is a hard failure; a watcher failure is
// not, since the periodic scan delivers segments on its own.
func (s *DirSource) Start() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.New(err).
			Component("capture").
			Category(errors.CategoryFileIO).
			Context("operation", "create-spool-directory").
			Context("path", s.dir).
			Build()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("Filesystem watcher unavailable, relying on polling", "error", err)
		return nil
	}
	if err := watcher.Add(s.dir); err != nil {
		s.logger.Warn("Failed to watch spool directory, relying on polling",
			"path", s.dir, "error", err)
		watcher.Close()
		return nil
	}
	s.watcher = watcher
	return nil
}

// Run watches the spool directory until the context is cancelled. The
// segments channel is closed on return. Start must have succeeded first.
func (s *DirSource) Run(ctx context.Context) error {
	defer close(s.segments)

	var events chan fsnotify.Event
	var watchErrs chan error
	if s.watcher != nil {
		defer s.watcher.Close()
		events = s.watcher.Events
		watchErrs = s.watcher.Errors
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.logger.Info("Watching spool directory", "path", s.dir, "extension", s.extension)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-events:
			if !ok {
				s.logger.Warn("Filesystem watcher closed, relying on polling")
				events = nil
				watchErrs = nil
				continue
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
				s.noteFile(event.Name)
			}

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			s.logger.Error("Filesystem watcher error", "error", err)

		case <-ticker.C:
			s.scanDirectory()
			if err := s.flushSettled(ctx); err != nil {
				return err
			}
		}
	}
}

// noteFile marks a file as pending, restarting its settle window.
func (s *DirSource) noteFile(path string) {
	if !s.matches(path) {
		return
	}
	if _, done := s.seen[path]; done {
		return
	}
	s.pending[path] = time.Now()
}

// scanDirectory picks up files the watcher missed, including files already
// present when the source started.
func (s *DirSource) scanDirectory() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("Failed to scan spool directory", "path", s.dir, "error", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if !s.matches(path) {
			continue
		}
		if _, done := s.seen[path]; done {
			continue
		}
		if _, queued := s.pending[path]; queued {
			continue
		}
		s.pending[path] = time.Now().Add(-s.settleDelay)
	}
}

// flushSettled delivers pending files whose settle window has elapsed.
func (s *DirSource) flushSettled(ctx context.Context) error {
	now := time.Now()
	for path, noted := range s.pending {
		if now.Sub(noted) < s.settleDelay {
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			// Removed before it settled
			delete(s.pending, path)
			continue
		}

		delete(s.pending, path)
		s.seen[path] = struct{}{}

		segment := Segment{Path: path, CapturedAt: info.ModTime()}
		select {
		case s.segments <- segment:
			s.logger.Debug("Segment ready", "path", path)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// matches reports whether the path looks like a completed segment file.
func (s *DirSource) matches(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.TrimPrefix(filepath.Ext(base), ".")
	want := strings.TrimPrefix(s.extension, ".")
	return strings.EqualFold(ext, want)
}
