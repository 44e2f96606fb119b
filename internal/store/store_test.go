package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"maestro/internal/errors"
	"maestro/internal/schema"
)

func blueprintWithMeta(t *testing.T, note string) schema.Blueprint {
	t.Helper()
	doc := fmt.Sprintf(`{
		"schema_version": "1.0",
		"nodes": [
			{"id": "n1", "kind": "tool", "tool_name": "echo", "tool_args": {"say": "hi"}}
		],
		"metadata": {"note": %q}
	}`, note)
	bp, err := schema.ParseBlueprint([]byte(doc))
	require.NoError(t, err)
	return bp
}

func TestBlueprintStoreDeduplicatesByContent(t *testing.T) {
	s := NewBlueprintStore()

	id1, err := s.Put(blueprintWithMeta(t, "same"))
	require.NoError(t, err)
	id2, err := s.Put(blueprintWithMeta(t, "same"))
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Len(t, id1, schema.IdentityLen)

	id3, err := s.Put(blueprintWithMeta(t, "different"))
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)

	require.Len(t, s.List(), 2)
}

func TestBlueprintStoreGet(t *testing.T) {
	s := NewBlueprintStore()
	id, err := s.Put(blueprintWithMeta(t, "x"))
	require.NoError(t, err)

	bp, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, "x", bp.Metadata["note"])

	_, err = s.Get("0000000000000000")
	require.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestPlanCacheKeysOnRegistryVersion(t *testing.T) {
	cache, err := NewPlanCache[string](4)
	require.NoError(t, err)

	k1 := PlanKey{BlueprintID: "abc", RegistryVersion: 1}
	k2 := PlanKey{BlueprintID: "abc", RegistryVersion: 2}

	cache.Put(k1, "plan-v1")
	if _, ok := cache.Get(k2); ok {
		t.Fatalf("registry version change must miss the cache")
	}
	got, ok := cache.Get(k1)
	require.True(t, ok)
	require.Equal(t, "plan-v1", got)
}

func TestPlanCacheEvictsLRU(t *testing.T) {
	cache, err := NewPlanCache[int](2)
	require.NoError(t, err)

	cache.Put(PlanKey{BlueprintID: "a"}, 1)
	cache.Put(PlanKey{BlueprintID: "b"}, 2)
	cache.Get(PlanKey{BlueprintID: "a"})
	cache.Put(PlanKey{BlueprintID: "c"}, 3)

	if _, ok := cache.Get(PlanKey{BlueprintID: "b"}); ok {
		t.Fatalf("expected b to be evicted")
	}
	require.Equal(t, 2, cache.Len())
}
