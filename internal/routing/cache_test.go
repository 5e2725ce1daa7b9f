package routing

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/joelkehle/simfleet/internal/geo"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fail  bool
	short bool
}

func (f *fakeFetcher) Route(_ context.Context, origin, destination geo.Coordinate) (Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return Entry{}, errors.New("connection refused")
	}
	mid := geo.New((origin[0]+destination[0])/2, (origin[1]+destination[1])/2)
	path := []geo.Coordinate{origin, mid}
	if !f.short {
		path = append(path, destination)
	}
	return Entry{Path: path, Distance: 1500, Duration: 120}, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var (
	valenciaA = geo.New(39.46, -0.36)
	valenciaB = geo.New(39.47, -0.37)
)

func TestKeyMatchesCacheFileFormat(t *testing.T) {
	if got := Key(valenciaA, valenciaB); got != "[39.46, -0.36],[39.47, -0.37]" {
		t.Fatalf("unexpected key: %q", got)
	}
}

func TestGetRouteCachesHitsAndKeepsDestinationLast(t *testing.T) {
	f := &fakeFetcher{short: true}
	c := NewCache(filepath.Join(t.TempDir(), "route_cache.json"), f)

	v1, err := c.GetRoute(context.Background(), valenciaA, valenciaB)
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	if v1.Path[len(v1.Path)-1] != valenciaB {
		t.Fatalf("path must end at destination: %v", v1.Path)
	}
	v2, err := c.GetRoute(context.Background(), valenciaA, valenciaB)
	if err != nil {
		t.Fatalf("get route again: %v", err)
	}
	if f.Calls() != 1 {
		t.Fatalf("expected one remote call, got %d", f.Calls())
	}
	b1, _ := json.Marshal(v1)
	b2, _ := json.Marshal(v2)
	if string(b1) != string(b2) {
		t.Fatalf("hits must be byte-equal: %s vs %s", b1, b2)
	}

	// Mutating a returned entry does not reach the cache.
	v2.Path[0] = geo.New(0, 0)
	v3, _ := c.GetRoute(context.Background(), valenciaA, valenciaB)
	if v3.Path[0] != valenciaA {
		t.Fatalf("cache entry was mutated through a returned copy")
	}
}

func TestFailedLookupIsNotCached(t *testing.T) {
	f := &fakeFetcher{fail: true}
	c := NewCache(filepath.Join(t.TempDir(), "route_cache.json"), f)

	_, err := c.GetRoute(context.Background(), valenciaA, valenciaB)
	if !errors.Is(err, ErrPathRequest) {
		t.Fatalf("expected path request error, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("failure poisoned the cache: %d entries", c.Len())
	}
	f.fail = false
	if _, err := c.GetRoute(context.Background(), valenciaA, valenciaB); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if f.Calls() != 2 {
		t.Fatalf("expected the retry to hit the remote, calls=%d", f.Calls())
	}
}

func TestPersistLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "route_cache.json")
	f := &fakeFetcher{}
	c := NewCache(path, f)
	v, err := c.GetRoute(context.Background(), valenciaA, valenciaB)
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	if _, err := c.GetRoute(context.Background(), valenciaB, valenciaA); err != nil {
		t.Fatalf("get reverse route: %v", err)
	}
	if err := c.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	// Restart: new cache over the same file, no working remote.
	offline := &fakeFetcher{fail: true}
	reloaded := NewCache(path, offline)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	before, _ := json.Marshal(c.Entries())
	after, _ := json.Marshal(reloaded.Entries())
	if string(before) != string(after) {
		t.Fatalf("round trip changed the mapping:\n%s\n%s", before, after)
	}
	got, err := reloaded.GetRoute(context.Background(), valenciaA, valenciaB)
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if offline.Calls() != 0 {
		t.Fatalf("reloaded hit must not call the remote")
	}
	b1, _ := json.Marshal(v)
	b2, _ := json.Marshal(got)
	if string(b1) != string(b2) {
		t.Fatalf("reloaded entry differs: %s vs %s", b1, b2)
	}
	for k, e := range reloaded.Entries() {
		if len(e.Path) == 0 {
			t.Fatalf("entry %s has empty path", k)
		}
	}
}

func TestLoadCorruptFileResetsCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "route_cache.json")
	c := NewCache(path, &fakeFetcher{})
	if _, err := c.GetRoute(context.Background(), valenciaA, valenciaB); err != nil {
		t.Fatalf("get route: %v", err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.Load(); err == nil {
		t.Fatalf("expected load error for corrupt file")
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after failed load, got %d", c.Len())
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "absent.json"), nil)
	if err := c.Load(); err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache")
	}
}

func TestLoadNullFileLeavesUsableCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "route_cache.json")
	if err := os.WriteFile(path, []byte("null"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := &fakeFetcher{}
	c := NewCache(path, f)
	if err := c.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
	if _, err := c.GetRoute(context.Background(), valenciaA, valenciaB); err != nil {
		t.Fatalf("get after null load: %v", err)
	}
	if c.Len() != 1 || f.Calls() != 1 {
		t.Fatalf("miss must be stored: len=%d calls=%d", c.Len(), f.Calls())
	}
}

func TestLoadToleratesUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "route_cache.json")
	blob := `{"[39.46, -0.36],[39.47, -0.37]": {"path": [[39.46, -0.36], [39.47, -0.37]], "distance": 10, "duration": 2, "type": "success"}}`
	if err := os.WriteFile(path, []byte(blob), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c := NewCache(path, nil)
	if err := c.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	e, err := c.GetRoute(context.Background(), valenciaA, valenciaB)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Distance != 10 || e.Duration != 2 {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestReplyWireShapes(t *testing.T) {
	ok, _ := json.Marshal(NewReply(Entry{Path: []geo.Coordinate{valenciaB}, Distance: 1, Duration: 2}, nil))
	if string(ok) != `{"path":[[39.47,-0.37]],"distance":1,"duration":2,"type":"success"}` {
		t.Fatalf("unexpected success reply: %s", ok)
	}
	bad, _ := json.Marshal(NewReply(Entry{}, errors.New("boom")))
	if string(bad) != `{"type":"error","body":"boom"}` {
		t.Fatalf("unexpected error reply: %s", bad)
	}
}
