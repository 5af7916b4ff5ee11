// Package cache persists registered attribute-table profiles to disk,
// keyed by adapter address, so tooling can diff a live registration
// against the last known layout.
package cache

import (
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/corvidae-io/blehost"
)

type profileCache struct {
	filename string
	mu       sync.RWMutex
}

// New returns a file-backed blehost.ProfileCache.
func New(filename string) blehost.ProfileCache {
	return &profileCache{filename: filename}
}

func (pc *profileCache) Store(addr blehost.Addr, p blehost.Profile, replace bool) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	cache, err := pc.load()
	if err != nil {
		return err
	}

	if _, ok := cache[addr.String()]; ok && !replace {
		return errors.Errorf("cache already holds a profile for %s", addr)
	}
	cache[addr.String()] = p

	return pc.store(cache)
}

func (pc *profileCache) Load(addr blehost.Addr) (blehost.Profile, error) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	cache, err := pc.load()
	if err != nil {
		return blehost.Profile{}, err
	}

	p, ok := cache[addr.String()]
	if !ok {
		return blehost.Profile{}, errors.Errorf("no profile for %s in cache", addr)
	}
	return p, nil
}

func (pc *profileCache) Clear() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return os.Remove(pc.filename)
}

func (pc *profileCache) load() (map[string]blehost.Profile, error) {
	in, err := os.ReadFile(pc.filename)
	if os.IsNotExist(err) {
		return map[string]blehost.Profile{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read cache")
	}

	var cache map[string]blehost.Profile
	if err := jsoniter.Unmarshal(in, &cache); err != nil {
		return nil, errors.Wrap(err, "parse cache")
	}
	return cache, nil
}

func (pc *profileCache) store(cache map[string]blehost.Profile) error {
	out, err := jsoniter.Marshal(cache)
	if err != nil {
		return errors.Wrap(err, "encode cache")
	}
	return os.WriteFile(pc.filename, out, 0644)
}
