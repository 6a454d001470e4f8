package domain

import (
	"slices"
	"strings"

	"go.trai.ch/zerr"
)

// CachedExecution is the cached outcome of one member of a group.
type CachedExecution struct {
	Result  ExecutionResult     `json:"result"`
	Outputs map[string]StoreKey `json:"outputs"`
}

// CacheEntry is the cached outcome of a whole group, in member order.
type CacheEntry struct {
	Fingerprint Fingerprint       `json:"fingerprint"`
	Items       []CachedExecution `json:"items"`
}

// CacheMode selects which executions may be served from the cache.
type CacheMode struct {
	Disabled bool  `json:"disabled,omitempty"`
	Excluded []Tag `json:"excluded,omitempty"`
}

// CacheEverything caches every execution.
func CacheEverything() CacheMode {
	return CacheMode{}
}

// CacheNothing disables the cache.
func CacheNothing() CacheMode {
	return CacheMode{Disabled: true}
}

// CacheExcept caches everything but executions carrying one of tags.
func CacheExcept(tags ...Tag) CacheMode {
	return CacheMode{Excluded: tags}
}

// ParseCacheMode parses "all", "nothing" or a comma separated list of tags
// to exclude from caching.
func ParseCacheMode(s string) (CacheMode, error) {
	switch strings.TrimSpace(s) {
	case "", "all", "everything":
		return CacheEverything(), nil
	case "nothing", "none", "off":
		return CacheNothing(), nil
	}
	var tags []Tag
	for _, part := range strings.Split(s, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			return CacheMode{}, zerr.With(ErrInvalidCacheMode, "mode", s)
		}
		tags = append(tags, NewTag(name))
	}
	return CacheExcept(tags...), nil
}

// Caches reports whether executions tagged with tag are cached.
func (m CacheMode) Caches(tag Tag) bool {
	if m.Disabled {
		return false
	}
	return !slices.Contains(m.Excluded, tag)
}

// CachesGroup reports whether every member of g is cached.
func (m CacheMode) CachesGroup(g *ExecutionGroup) bool {
	for _, e := range g.Executions {
		if !m.Caches(e.Tag) {
			return false
		}
	}
	return true
}

func (m CacheMode) String() string {
	if m.Disabled {
		return "nothing"
	}
	if len(m.Excluded) == 0 {
		return "all"
	}
	names := make([]string, len(m.Excluded))
	for i, t := range m.Excluded {
		names[i] = t.String()
	}
	return strings.Join(names, ",")
}
