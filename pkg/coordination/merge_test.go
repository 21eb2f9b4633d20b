package coordination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/agentfleet/fleetd/pkg/models"
)

func TestMergeCombine(t *testing.T) {
	got, err := Merge(models.MergeCombine, []map[string]any{
		{"a": 1, "b": "x"},
		{"b": "y", "c": true},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": "y", "c": true}, got)
}

func TestMergeIntersection(t *testing.T) {
	got, err := Merge(models.MergeIntersection, []map[string]any{
		{"a": 1, "b": 2, "c": 3},
		{"b": 20, "c": 30},
		{"c": 300, "d": 4},
	})
	require.NoError(t, err)

	// Keys present in every source; value from the first.
	assert.Equal(t, map[string]any{"c": 3}, got)
}

func TestMergeMajority(t *testing.T) {
	got, err := Merge(models.MergeMajority, []map[string]any{
		{"verdict": "pass", "score": 1},
		{"verdict": "pass", "score": 2},
		{"verdict": "fail", "score": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, "pass", got["verdict"])
	assert.Equal(t, 2, got["score"])

	// A clean tie goes to the earliest source.
	got, err = Merge(models.MergeMajority, []map[string]any{
		{"verdict": "pass"},
		{"verdict": "fail"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pass", got["verdict"])
}

func TestMergeUnknownStrategy(t *testing.T) {
	_, err := Merge("average", nil)
	assert.ErrorIs(t, err, ErrInvalidStrategy)
}

func TestMergeEmptySources(t *testing.T) {
	for _, s := range []models.MergeStrategy{models.MergeCombine, models.MergeIntersection, models.MergeMajority} {
		got, err := Merge(s, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
}

// Structural laws that hold for any input: combine covers the key
// union, intersection is contained in every source, majority keys equal
// combine keys.
func TestMergeProperties(t *testing.T) {
	keyGen := rapid.StringMatching(`[a-e]`)
	valGen := rapid.IntRange(0, 3)
	sourceGen := rapid.MapOfN(keyGen, valGen, 0, 5)

	rapid.Check(t, func(rt *rapid.T) {
		raw := rapid.SliceOfN(sourceGen, 1, 6).Draw(rt, "sources")
		sources := make([]map[string]any, len(raw))
		for i, m := range raw {
			sources[i] = make(map[string]any, len(m))
			for k, v := range m {
				sources[i][k] = v
			}
		}

		combined, err := Merge(models.MergeCombine, sources)
		if err != nil {
			rt.Fatalf("combine: %v", err)
		}
		for _, src := range sources {
			for k := range src {
				if _, ok := combined[k]; !ok {
					rt.Fatalf("combine dropped key %q", k)
				}
			}
		}

		intersected, err := Merge(models.MergeIntersection, sources)
		if err != nil {
			rt.Fatalf("intersection: %v", err)
		}
		for k := range intersected {
			for i, src := range sources {
				if _, ok := src[k]; !ok {
					rt.Fatalf("intersection key %q missing from source %d", k, i)
				}
			}
		}

		majority, err := Merge(models.MergeMajority, sources)
		if err != nil {
			rt.Fatalf("majority: %v", err)
		}
		if len(majority) != len(combined) {
			rt.Fatalf("majority keys %d != union keys %d", len(majority), len(combined))
		}
	})
}
