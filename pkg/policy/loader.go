package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego and .json files.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Debug().Int("total", len(all)).Int("sources", len(paths)).Msg("policies loaded from paths")
	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		p, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(file string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !isPolicyFile(file) {
			return nil
		}

		p, err := l.loadFromFile(file)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", file).Msg("skipping unreadable policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".rego":
		return &Policy{
			Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
			Description: leadingComment(string(data)),
			Rego:        string(data),
			Enabled:     true,
			Source:      path,
			LoadedAt:    time.Now(),
		}, nil
	case ".json":
		p := Policy{Enabled: true}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		p.Source = path
		p.LoadedAt = time.Now()
		return &p, nil
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
}

// leadingComment returns the comment block at the top of a Rego file.
func leadingComment(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed == "" && len(parts) == 0 {
				continue
			}
			break
		}
		if comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#")); comment != "" {
			parts = append(parts, comment)
		}
	}
	return strings.Join(parts, " ")
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

// Watch reloads policies from paths whenever a policy file under them is
// written or created, debouncing bursts of events. It blocks until ctx is
// done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("cannot watch policy path")
			continue
		}
		// Watch the directory so editors that replace files are noticed.
		dir := path
		if !info.IsDir() {
			dir = filepath.Dir(path)
		}
		if err := watcher.Add(dir); err != nil {
			l.logger.Warn().Err(err).Str("path", dir).Msg("cannot watch policy path")
		}
	}

	var timer *time.Timer
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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("policy file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				policies, err := l.LoadFromPaths(ctx, paths)
				if err == nil {
					err = reloadFn(policies)
				}
				if err != nil {
					l.logger.Error().Err(err).Msg("policy reload failed")
					return
				}
				l.logger.Info().Int("count", len(policies)).Msg("policies reloaded")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error().Err(err).Msg("policy watcher error")
		}
	}
}
