package bus

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// ProcessedSet remembers recently handled envelope ids so duplicates arriving
// on another channel are suppressed. The working set is bounded; once full,
// the oldest ids fall out.
type ProcessedSet struct {
	cache *lru.Cache[string, struct{}]
}

// NewProcessedSet creates a set holding up to capacity ids.
func NewProcessedSet(capacity int) (*ProcessedSet, error) {
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &ProcessedSet{cache: cache}, nil
}

// Seen marks the id as processed and reports whether it was already present.
func (p *ProcessedSet) Seen(id string) bool {
	present, _ := p.cache.ContainsOrAdd(id, struct{}{})
	return present
}
