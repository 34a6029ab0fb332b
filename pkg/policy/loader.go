package policy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// reloadDelay coalesces the bursts of events an editor save produces.
const reloadDelay = 500 * time.Millisecond

// Loader reads custom policies from .rego and .json files.
type Loader struct {
	logger zerolog.Logger
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads every policy file under paths. A path may be a file or
// a directory, searched recursively. Missing paths are skipped. A broken file
// found in a directory is logged and skipped; a broken file named directly is
// an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root && errors.Is(err, fs.ErrNotExist) {
					l.logger.Debug().Str("path", root).Msg("Policy path does not exist")
					return nil
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || (path != root && !isPolicyFile(path)) {
				return nil
			}

			p, err := l.loadFromFile(path)
			switch {
			case err == nil:
				all = append(all, *p)
			case path == root:
				return err
			default:
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable policy file")
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("policies", len(all)).Strs("paths", paths).Msg("Policies loaded")
	return all, nil
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}

	switch filepath.Ext(path) {
	case ".rego":
		return regoPolicy(path, string(data)), nil
	case ".json":
		return jsonPolicy(path, data)
	default:
		return nil, fmt.Errorf("unsupported policy file %s: want .rego or .json", path)
	}
}

// regoPolicy names the policy after its file. The leading comment block is
// the description, except a "# severity: <level>" line which sets the
// severity of violations that do not carry their own.
func regoPolicy(path, source string) *Policy {
	description, severity := parseHeader(source)
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        source,
		Severity:    severity,
		Enabled:     true,
		Source:      path,
	}
}

// jsonPolicy reads a Policy document with inline Rego.
func jsonPolicy(path string, data []byte) (*Policy, error) {
	p := Policy{Enabled: true, Severity: SeverityWarning}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Rego == "" {
		return nil, fmt.Errorf("policy %s has no rego source", p.Name)
	}
	p.Source = path
	return &p, nil
}

func parseHeader(source string) (string, Severity) {
	var words []string
	severity := SeverityWarning

	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)
		if level, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = Severity(strings.TrimSpace(level))
		} else if comment != "" {
			words = append(words, comment)
		}
	}
	return strings.Join(words, " "), severity
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

// Watch reloads the policies under paths after each burst of changes and
// passes the result to apply. Directories created later are watched too.
// It returns once watching has started and stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	watched := 0
	for _, root := range paths {
		if err := addTree(watcher, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Cannot watch policy path")
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = watcher.Close()
		return fmt.Errorf("none of %d policy paths can be watched", len(paths))
	}

	go l.watchLoop(ctx, watcher, paths, apply)
	l.logger.Debug().Int("paths", watched).Msg("Watching policy paths")
	return nil
}

// addTree watches root and, when it is a directory, every directory below it.
func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root || d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer watcher.Close()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Cannot watch new policy directory")
					}
					continue
				}
			}
			if !isPolicyFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Stringer("op", event.Op).Msg("Policy file changed")

			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = apply(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}
