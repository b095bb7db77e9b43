// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/mcpany/gateway/pkg/registry"
)

// CacheAware biases selection toward the worker most likely to already
// hold the request's KV-cache prefix (spec.md §4.4, glossary
// "Cache-aware routing"). Each worker gets its own radix-tree sketch of
// prompt prefixes it has previously served; selection walks every
// candidate's tree for the longest matching prefix of the request's
// prompt and picks the worker with the longest match, breaking ties by
// least-loaded. The sketch is updated on every selection and periodically
// evicted so it does not grow without bound.
type CacheAware struct {
	prefixLen int

	mu      sync.Mutex
	sketch  map[string]*iradix.Tree // worker URL -> prefix sketch
	lastSeen map[string]time.Time
	fallback LeastLoaded
}

// NewCacheAware builds a cache-aware policy that hashes/stores at most
// prefixLen bytes of the prompt per selection.
func NewCacheAware(prefixLen int) *CacheAware {
	if prefixLen <= 0 {
		prefixLen = 256
	}
	return &CacheAware{
		prefixLen: prefixLen,
		sketch:    make(map[string]*iradix.Tree),
		lastSeen:  make(map[string]time.Time),
		fallback:  NewLeastLoaded(),
	}
}

func (p *CacheAware) prefix(hint Hint) []byte {
	s := hint.PromptPrefix
	if len(s) > p.prefixLen {
		s = s[:p.prefixLen]
	}
	return []byte(s)
}

// Select returns the candidate with the longest matching prefix in its
// sketch, ties broken by least-loaded; with no prompt prefix it falls
// straight back to least-loaded.
func (p *CacheAware) Select(candidates []*registry.Worker, hint Hint) (*registry.Worker, error) {
	if len(candidates) == 0 {
		return nil, ErrNoHealthyWorkers
	}
	key := p.prefix(hint)
	if len(key) == 0 {
		return p.pickAndRecord(candidates, hint, p.fallback)
	}

	p.mu.Lock()
	var best *registry.Worker
	bestLen := -1
	for _, c := range candidates {
		tree, ok := p.sketch[c.URL()]
		if !ok {
			continue
		}
		matchLen := 0
		if matched, _, found := tree.Root().LongestPrefix(key); found {
			matchLen = len(matched)
		}
		if matchLen > bestLen {
			bestLen = matchLen
			best = c
		} else if matchLen == bestLen && best != nil && less(c, best) {
			best = c
		}
	}
	p.mu.Unlock()

	if best == nil || bestLen <= 0 {
		return p.pickAndRecord(candidates, hint, p.fallback)
	}
	p.record(best.URL(), key)
	recordDecision("cache_aware", best)
	return best, nil
}

func (p *CacheAware) pickAndRecord(candidates []*registry.Worker, hint Hint, fallback Policy) (*registry.Worker, error) {
	w, err := fallback.Select(candidates, hint)
	if err != nil {
		return nil, err
	}
	if key := p.prefix(hint); len(key) > 0 {
		p.record(w.URL(), key)
	}
	return w, nil
}

func (p *CacheAware) record(url string, key []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tree, ok := p.sketch[url]
	if !ok {
		tree = iradix.New()
	}
	tree, _, _ = tree.Insert(key, time.Now())
	p.sketch[url] = tree
	p.lastSeen[url] = time.Now()
}

// Evict drops sketches for workers whose URL is not present in
// liveURLs, and — within each surviving worker's tree — entries older
// than maxAge. It is intended to be called by a periodic task every
// eviction_interval_secs (spec.md §4.4).
func (p *CacheAware) Evict(liveURLs map[string]bool, maxAge time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for url, tree := range p.sketch {
		if !liveURLs[url] {
			delete(p.sketch, url)
			delete(p.lastSeen, url)
			continue
		}
		pruned := tree
		tree.Walk(func(k []byte, v interface{}) bool {
			if t, ok := v.(time.Time); ok && t.Before(cutoff) {
				pruned, _, _ = pruned.Delete(k)
			}
			return false
		})
		p.sketch[url] = pruned
	}
}
