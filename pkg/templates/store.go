// Package templates manages the on-disk catalog of deployment script templates.
//
// Templates are plain files whose names are their identity. A fresh store is
// seeded with the bundled defaults; existing files are never overwritten.
package templates

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cursiveterminal/deployctl/pkg/engine"
)

//go:embed defaults/*
var defaultTemplates embed.FS

// Store is a directory of script templates.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu      sync.RWMutex
	catalog []string
}

// NewStore returns a store rooted at dir. Call Init before use.
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "templates").Logger(),
	}
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// Init creates the directory and writes any missing default template.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create template directory: %w", err)
	}

	entries, err := defaultTemplates.ReadDir("defaults")
	if err != nil {
		return fmt.Errorf("failed to read bundled templates: %w", err)
	}

	seeded := 0
	for _, entry := range entries {
		dst := filepath.Join(s.dir, entry.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		data, err := defaultTemplates.ReadFile("defaults/" + entry.Name())
		if err != nil {
			return err
		}
		if err := writeFileAtomic(dst, data); err != nil {
			return fmt.Errorf("failed to seed template %s: %w", entry.Name(), err)
		}
		seeded++
	}

	if seeded > 0 {
		s.logger.Debug().Int("count", seeded).Str("dir", s.dir).Msg("Seeded default templates")
	}

	_, err = s.refresh()
	return err
}

// Defaults returns the names of the bundled templates.
func Defaults() []string {
	entries, _ := defaultTemplates.ReadDir("defaults")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// List returns the sorted template names.
func (s *Store) List() ([]string, error) {
	return s.refresh()
}

// Catalog returns the names seen at the last refresh without touching disk.
func (s *Store) Catalog() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.catalog...)
}

// Get returns the content of the named template.
func (s *Store) Get(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", engine.NewNotFoundError("template", name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read template %s: %w", name, err)
	}
	return string(data), nil
}

// Put creates or replaces the named template.
func (s *Store) Put(name, content string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(s.dir, name), []byte(content)); err != nil {
		return fmt.Errorf("failed to write template %s: %w", name, err)
	}
	_, err := s.refresh()
	return err
}

// Remove deletes the named template.
func (s *Store) Remove(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return engine.NewNotFoundError("template", name)
	}
	if err != nil {
		return err
	}
	_, err = s.refresh()
	return err
}

// Watch refreshes the catalog when files in the directory change and calls
// onChange with the new names. Bursts of events are coalesced. Watch returns
// once the watcher is running; it stops when ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(names []string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	go s.processEvents(ctx, watcher, onChange)

	s.logger.Debug().Str("dir", s.dir).Msg("Watching template directory")
	return nil
}

const reloadDelay = 200 * time.Millisecond

func (s *Store) processEvents(ctx context.Context, watcher *fsnotify.Watcher, onChange func([]string)) {
	defer watcher.Close()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if isHidden(filepath.Base(event.Name)) {
				continue
			}
			s.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Template changed")

			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			names, err := s.refresh()
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to refresh template catalog")
				continue
			}
			if onChange != nil {
				onChange(names)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (s *Store) refresh() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || isHidden(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	s.mu.Lock()
	s.catalog = names
	s.mu.Unlock()

	return append([]string(nil), names...), nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || isHidden(name) ||
		strings.ContainsAny(name, `/\`) {
		return engine.NewPermanentError(fmt.Sprintf("invalid template name %q", name), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// Hidden files include the temporaries written by writeFileAtomic.
func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmpl-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
