// Package coordination implements multi-task control flow over the task
// DAG: m-of-n sync barriers, split/join fan-out and fan-in, and result
// merging.
package coordination

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/agentfleet/fleetd/pkg/models"
)

// Merge combines source result maps per the strategy. Source order
// matters for combine (last writer wins) and breaks ties for majority.
func Merge(strategy models.MergeStrategy, sources []map[string]any) (map[string]any, error) {
	switch strategy {
	case models.MergeCombine:
		return mergeCombine(sources), nil
	case models.MergeIntersection:
		return mergeIntersection(sources), nil
	case models.MergeMajority:
		return mergeMajority(sources), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
}

func mergeCombine(sources []map[string]any) map[string]any {
	out := make(map[string]any)
	for _, src := range sources {
		for k, v := range src {
			out[k] = v
		}
	}
	return out
}

func mergeIntersection(sources []map[string]any) map[string]any {
	out := make(map[string]any)
	if len(sources) == 0 {
		return out
	}
	for k, v := range sources[0] {
		present := true
		for _, src := range sources[1:] {
			if _, ok := src[k]; !ok {
				present = false
				break
			}
		}
		if present {
			out[k] = v
		}
	}
	return out
}

// mergeMajority picks, per key, the value the most sources agree on.
// Ties go to the value seen earliest in source order.
func mergeMajority(sources []map[string]any) map[string]any {
	type candidate struct {
		value any
		count int
		first int
	}
	votes := make(map[string][]*candidate)
	var keys []string

	for i, src := range sources {
		for k, v := range src {
			if _, seen := votes[k]; !seen {
				keys = append(keys, k)
			}
			matched := false
			for _, c := range votes[k] {
				if reflect.DeepEqual(c.value, v) {
					c.count++
					matched = true
					break
				}
			}
			if !matched {
				votes[k] = append(votes[k], &candidate{value: v, count: 1, first: i})
			}
		}
	}

	sort.Strings(keys)
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		best := votes[k][0]
		for _, c := range votes[k][1:] {
			if c.count > best.count || (c.count == best.count && c.first < best.first) {
				best = c
			}
		}
		out[k] = best.value
	}
	return out
}
