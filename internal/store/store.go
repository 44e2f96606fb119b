// Package store holds blueprints by content identity and caches compiled
// plans. Both stores are in-memory; persistence lives behind the host.
package store

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"maestro/internal/errors"
	"maestro/internal/schema"
)

// BlueprintStore keys blueprints by their truncated content hash.
// Putting the same content twice yields the same id, so the store is
// naturally deduplicating.
type BlueprintStore struct {
	mu   sync.RWMutex
	byID map[string]schema.Blueprint
}

// NewBlueprintStore returns an empty store.
func NewBlueprintStore() *BlueprintStore {
	return &BlueprintStore{byID: make(map[string]schema.Blueprint)}
}

// Put stores the blueprint and returns its identity.
func (s *BlueprintStore) Put(bp schema.Blueprint) (string, error) {
	id, err := schema.Identity(bp)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.byID[id] = bp
	s.mu.Unlock()
	return id, nil
}

// Get returns the blueprint for id, or NotFound.
func (s *BlueprintStore) Get(id string) (schema.Blueprint, error) {
	s.mu.RLock()
	bp, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return schema.Blueprint{}, errors.New(errors.KindNotFound, "no blueprint with id %q", id)
	}
	return bp, nil
}

// List returns all stored ids, sorted.
func (s *BlueprintStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PlanKey identifies a compiled plan: a plan is valid only for the
// registry state it was compiled against.
type PlanKey struct {
	BlueprintID     string
	RegistryVersion uint64
}

// PlanCache is an LRU of compiled plans. P is the plan type; keeping it
// a parameter avoids a dependency on the compiler here.
type PlanCache[P any] struct {
	lru *lru.Cache[PlanKey, P]
}

// NewPlanCache returns a cache holding up to size plans.
func NewPlanCache[P any](size int) (*PlanCache[P], error) {
	if size <= 0 {
		size = 64
	}
	cache, err := lru.New[PlanKey, P](size)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "plan cache")
	}
	return &PlanCache[P]{lru: cache}, nil
}

// Get returns the cached plan for key.
func (c *PlanCache[P]) Get(key PlanKey) (P, bool) {
	return c.lru.Get(key)
}

// Put stores a plan under key.
func (c *PlanCache[P]) Put(key PlanKey, plan P) {
	c.lru.Add(key, plan)
}

// Len reports the number of cached plans.
func (c *PlanCache[P]) Len() int {
	return c.lru.Len()
}
