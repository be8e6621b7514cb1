// Package access decides which user identities may talk to the assistant.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RejectionMessage is sent to users who are not allowed to converse.
const RejectionMessage = "Unfortunately this bot is no longer available."

// ErrUnauthorized is returned for identities outside the allow-list.
var ErrUnauthorized = errors.New("user not authorized")

// Config configures a Guard.
type Config struct {
	// Users is the static allow-list.
	Users []string
	// File optionally names a YAML file with a "users" list merged into
	// the static list.
	File string
	// AllowAll admits everyone. Without it an empty list denies everyone.
	AllowAll bool
}

type fileList struct {
	Users []string `yaml:"users"`
}

// Guard is the allow-list check run before any session or collaborator is
// touched.
type Guard struct {
	static   map[string]struct{}
	allowAll bool
	file     string
	logger   *slog.Logger

	mu      sync.RWMutex
	fromDoc map[string]struct{}
}

// New creates a Guard and loads the allow-list file if configured.
func New(cfg Config, logger *slog.Logger) (*Guard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		static:   toSet(cfg.Users),
		allowAll: cfg.AllowAll,
		file:     cfg.File,
		logger:   logger,
		fromDoc:  map[string]struct{}{},
	}
	if g.file != "" {
		if err := g.Reload(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

// Allowed reports whether userID may converse.
func (g *Guard) Allowed(userID string) bool {
	if g.allowAll {
		return true
	}
	if _, ok := g.static[userID]; ok {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.fromDoc[userID]
	return ok
}

// Check returns ErrUnauthorized for identities outside the allow-list.
func (g *Guard) Check(userID string) error {
	if !g.Allowed(userID) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, userID)
	}
	return nil
}

// Size returns the number of distinct allowed identities.
func (g *Guard) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := len(g.static)
	for id := range g.fromDoc {
		if _, dup := g.static[id]; !dup {
			n++
		}
	}
	return n
}

// Reload re-reads the allow-list file. On error the previous list stays.
func (g *Guard) Reload() error {
	if g.file == "" {
		return nil
	}
	data, err := os.ReadFile(g.file)
	if err != nil {
		return fmt.Errorf("read access list %s: %w", g.file, err)
	}
	var doc fileList
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse access list %s: %w", g.file, err)
	}

	set := toSet(doc.Users)
	g.mu.Lock()
	g.fromDoc = set
	g.mu.Unlock()
	g.logger.Info("access list loaded", "file", g.file, "users", len(set))
	return nil
}

// Watch reloads the allow-list file whenever it changes until ctx is done.
// The parent directory is watched so atomic renames by editors are seen.
func (g *Guard) Watch(ctx context.Context) error {
	if g.file == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(g.file)); err != nil {
		return fmt.Errorf("watch %s: %w", g.file, err)
	}
	target := filepath.Clean(g.file)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				if err := g.Reload(); err != nil {
					g.logger.Warn("access list reload failed", "error", err)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			g.logger.Warn("access list watcher error", "error", err)
		}
	}
}
