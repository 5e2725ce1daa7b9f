// Package routing resolves paths between coordinates. Successful lookups
// are memoised in a route cache that persists across runs in
// route_cache.json; misses go to an OSRM server.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/joelkehle/simfleet/internal/geo"
)

// DefaultCacheFile is the file name used when no path is configured.
const DefaultCacheFile = "route_cache.json"

// ErrPathRequest means no path could be obtained for a pair of points.
var ErrPathRequest = errors.New("path request failed")

// Entry is a resolved route. Path always ends at the destination.
type Entry struct {
	Path     []geo.Coordinate `json:"path"`
	Distance float64          `json:"distance"`
	Duration float64          `json:"duration"`
}

func (e Entry) clone() Entry {
	e.Path = append([]geo.Coordinate{}, e.Path...)
	return e
}

// Fetcher asks a remote service for a route.
type Fetcher interface {
	Route(ctx context.Context, origin, destination geo.Coordinate) (Entry, error)
}

// Key spells an (origin, destination) pair the way route_cache.json does.
func Key(origin, destination geo.Coordinate) string {
	return geo.FormatList(origin) + "," + geo.FormatList(destination)
}

type Cache struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
	remote  Fetcher
	logger  *log.Logger

	hits           int64
	misses         int64
	failures       int64
	lastPersistErr string
}

func NewCache(path string, remote Fetcher) *Cache {
	if path == "" {
		path = DefaultCacheFile
	}
	return &Cache{
		path:    path,
		entries: map[string]Entry{},
		remote:  remote,
		logger:  log.New(os.Stdout, "simfleet ", log.LstdFlags),
	}
}

// GetRoute returns the cached route or fetches and caches it. Failed
// lookups are never cached.
func (c *Cache) GetRoute(ctx context.Context, origin, destination geo.Coordinate) (Entry, error) {
	key := Key(origin, destination)
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.hits++
		c.mu.Unlock()
		return e.clone(), nil
	}
	c.misses++
	c.mu.Unlock()

	if c.remote == nil {
		c.recordFailure()
		return Entry{}, fmt.Errorf("%w: no route server configured", ErrPathRequest)
	}
	e, err := c.remote.Route(ctx, origin, destination)
	if err != nil {
		c.recordFailure()
		return Entry{}, fmt.Errorf("%w: %v", ErrPathRequest, err)
	}
	if len(e.Path) == 0 || e.Path[len(e.Path)-1] != destination {
		e.Path = append(e.Path, destination)
	}

	c.mu.Lock()
	c.entries[key] = e.clone()
	c.mu.Unlock()
	return e, nil
}

func (c *Cache) recordFailure() {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
}

// Load replaces the in-memory cache with the file contents. A missing
// file leaves the cache empty; any other failure resets it to empty, logs
// a warning and is returned.
func (c *Cache) Load() error {
	blob, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		c.reset(err)
		return err
	}
	entries := map[string]Entry{}
	if err := json.Unmarshal(blob, &entries); err != nil {
		c.reset(err)
		return err
	}
	if entries == nil {
		entries = map[string]Entry{}
	}
	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	c.logger.Printf("route cache loaded path=%s entries=%d", c.path, len(entries))
	return nil
}

func (c *Cache) reset(err error) {
	c.mu.Lock()
	c.entries = map[string]Entry{}
	c.mu.Unlock()
	c.logger.Printf("warning: route cache reset path=%s err=%v", c.path, err)
}

// Persist writes the cache atomically (temp file + rename).
func (c *Cache) Persist() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	blob, err := json.Marshal(c.entries)
	if err != nil {
		c.lastPersistErr = err.Error()
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		c.lastPersistErr = err.Error()
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		c.lastPersistErr = err.Error()
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		c.lastPersistErr = err.Error()
		return err
	}
	c.lastPersistErr = ""
	c.logger.Printf("route cache persisted path=%s entries=%d", c.path, len(c.entries))
	return nil
}

// Entries returns a copy of the cache contents.
func (c *Cache) Entries() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v.clone()
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"path":             c.path,
		"entries":          len(c.entries),
		"hits":             c.hits,
		"misses":           c.misses,
		"failures":         c.failures,
		"last_persist_err": c.lastPersistErr,
	}
}
