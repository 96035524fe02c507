// Package artifact keeps clipboard payloads on disk as temporary files,
// holding at most one live file per category.
//
// A store writes the new payload to a hidden partial file, renames it into
// place, points the category's slot at it and only then deletes the file it
// superseded. The slot therefore always resolves to a file that exists.
// Every file name carries the store prefix so leftovers from a crashed run
// can be recognised and swept at startup.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"go.klb.dev/clipstage/internal/logging"
)

const (
	// DefaultPrefix tags every file the store creates.
	DefaultPrefix = "clipstage"

	// CategoryClipboardImage is the slot used for clipboard images.
	CategoryClipboardImage = "clipboard-image"

	dirMode  = 0o700
	fileMode = 0o600

	partialSuffix = ".partial"
)

var (
	// ErrWrite is returned when the new payload cannot be written. The
	// previous slot for the category is left intact.
	ErrWrite = errors.New("artifact write failed")

	// ErrDelete marks a superseded file that could not be removed. It is
	// logged, never returned from Store.
	ErrDelete = errors.New("artifact delete failed")

	ErrClosed          = errors.New("artifact store closed")
	ErrInvalidCategory = errors.New("invalid artifact category")
)

var categoryRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Slot is the record of the single live file for a category.
type Slot struct {
	Category  string    `json:"category"`
	Path      string    `json:"path"`
	MIME      string    `json:"mime"`
	Size      int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Config tunes a Store.
type Config struct {
	// Dir is the designated temp directory. Empty means os.TempDir().
	Dir string
	// Prefix tags file names. Empty means DefaultPrefix.
	Prefix string
	Logger *slog.Logger
}

// Store owns the slot records and their backing files.
type Store struct {
	dir    string
	prefix string
	log    *slog.Logger

	// remove deletes a superseded file; replaced in tests to inject failures.
	remove func(string) error

	mu     sync.Mutex
	slots  map[string]Slot
	stale  map[string]string // path -> category
	seq    uint64
	closed bool
}

// New creates a store rooted at cfg.Dir, creating the directory if needed.
func New(cfg Config) (*Store, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if strings.ContainsAny(prefix, `/\_`) {
		return nil, fmt.Errorf("artifact prefix %q must not contain path separators or '_'", prefix)
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &Store{
		dir:    filepath.Clean(dir),
		prefix: prefix,
		log:    logging.Component(cfg.Logger, "artifact"),
		remove: os.Remove,
		slots:  make(map[string]Slot),
		stale:  make(map[string]string),
	}, nil
}

// Dir returns the directory the store writes into.
func (s *Store) Dir() string { return s.dir }

// Store writes data as the new live file for category and retires the
// previous one. Deletion failure of the previous file is logged and leaves
// at most that one stale file behind; it is retried on the next Store and on
// Close. While a category still has a stale file pending, its live file is
// replaced in place instead of superseded, so the category never holds more
// than the live file plus one stale file.
func (s *Store) Store(category string, data []byte) (Slot, error) {
	if !categoryRE.MatchString(category) {
		return Slot{}, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Slot{}, ErrClosed
	}

	s.retryStaleLocked()

	mt := mimetype.Detect(data)
	prev, had := s.slots[category]
	inPlace := had && s.stalePendingLocked(category)

	path := prev.Path
	if !inPlace {
		s.seq++
		path = filepath.Join(s.dir, fmt.Sprintf("%s-%s_%d-%d%s",
			s.prefix, category, time.Now().UnixNano(), s.seq, mt.Extension()))
	}

	if err := s.writeFile(path, category, data); err != nil {
		return Slot{}, err
	}

	slot := Slot{
		Category:  category,
		Path:      path,
		MIME:      mt.String(),
		Size:      int64(len(data)),
		CreatedAt: time.Now(),
	}
	s.slots[category] = slot

	s.log.Debug("artifact stored",
		"category", category,
		"path", path,
		"mime", slot.MIME,
		"size_bytes", slot.Size,
	)

	if inPlace {
		s.log.Debug("stale artifact pending, live artifact replaced in place", "category", category, "path", path)
	} else if had {
		if err := s.delete(prev.Path); err != nil {
			s.stale[prev.Path] = category
			s.log.Warn("superseded artifact not deleted",
				"category", category,
				"path", prev.Path,
				"err", err,
			)
		}
	}
	return slot, nil
}

// Current returns the live slot for category.
func (s *Store) Current(category string) (Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[category]
	return slot, ok
}

// Slots returns every live slot ordered by category.
func (s *Store) Slots() []Slot {
	s.mu.Lock()
	out := make([]Slot, 0, len(s.slots))
	for _, slot := range s.slots {
		out = append(out, slot)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// Stale returns files whose deletion failed and is still pending.
func (s *Store) Stale() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.stale))
	for p := range s.stale {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Sweep deletes files carrying the store prefix that no live slot points
// at, typically left by a previous run that crashed. It is best-effort and
// returns the number of files removed.
func (s *Store) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read artifact directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	live := make(map[string]struct{}, len(s.slots))
	for _, slot := range s.slots {
		live[slot.Path] = struct{}{}
	}

	var (
		removed int
		errs    []error
	)
	for _, e := range entries {
		if e.IsDir() || !s.owns(e.Name()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if _, ok := live[path]; ok {
			continue
		}
		if err := s.delete(path); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(s.stale, path)
		removed++
	}
	if removed > 0 {
		s.log.Info("swept stale artifacts", "dir", s.dir, "removed", removed)
	}
	return removed, errors.Join(errs...)
}

// Close deletes every tracked file, best-effort, and rejects further
// stores. Calling Close twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for category, slot := range s.slots {
		if err := s.delete(slot.Path); err != nil {
			errs = append(errs, err)
		}
		delete(s.slots, category)
	}
	for path := range s.stale {
		if err := s.delete(path); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(s.stale, path)
	}
	s.log.Debug("artifact store closed", "errors", len(errs))
	return errors.Join(errs...)
}

// writeFile writes data to a hidden partial file and renames it to path,
// so no reader ever observes a half-written artifact.
func (s *Store) writeFile(path, category string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+s.prefix+"-"+category+"_*"+partialSuffix)
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrWrite, err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: write temp file: %v", ErrWrite, err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: chmod temp file: %v", ErrWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file: %v", ErrWrite, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: rename into place: %v", ErrWrite, err)
	}
	cleanup = false
	return nil
}

// delete removes path, treating an already-missing file as success.
func (s *Store) delete(path string) error {
	if err := s.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s: %v", ErrDelete, path, err)
	}
	return nil
}

func (s *Store) retryStaleLocked() {
	for path := range s.stale {
		if err := s.delete(path); err != nil {
			continue
		}
		delete(s.stale, path)
		s.log.Debug("stale artifact removed on retry", "path", path)
	}
}

func (s *Store) stalePendingLocked(category string) bool {
	for _, c := range s.stale {
		if c == category {
			return true
		}
	}
	return false
}

func (s *Store) owns(name string) bool {
	if strings.HasPrefix(name, s.prefix+"-") {
		return true
	}
	return strings.HasPrefix(name, "."+s.prefix+"-") && strings.HasSuffix(name, partialSuffix)
}
