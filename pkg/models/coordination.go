package models

import "time"

// CoordinationType marks the control-flow role of a coordination point
// over the task DAG.
type CoordinationType string

// Coordination point types.
const (
	CoordinationSync  CoordinationType = "sync"
	CoordinationSplit CoordinationType = "split"
	CoordinationJoin  CoordinationType = "join"
	CoordinationMerge CoordinationType = "merge"
)

// MergeStrategy selects how MergeResults combines source result maps.
type MergeStrategy string

// Merge strategies.
const (
	// MergeCombine unions all result maps, last writer wins per key.
	MergeCombine MergeStrategy = "combine"
	// MergeIntersection keeps only keys present in every result map.
	MergeIntersection MergeStrategy = "intersection"
	// MergeMajority picks, per key, the value held by the majority of maps.
	MergeMajority MergeStrategy = "majority"
)

// IsValid checks if the merge strategy is a known value.
func (s MergeStrategy) IsValid() bool {
	return s == MergeCombine || s == MergeIntersection || s == MergeMajority
}

// CoordinationPoint records a sync/split/join/merge over the task DAG.
// The record exists for observability; readiness is always recomputed
// from the task rows.
type CoordinationPoint struct {
	ID                 string           `json:"id"`
	Type               CoordinationType `json:"type"`
	TaskIDs            []string         `json:"task_ids"`
	RequiredCount      int              `json:"required_count,omitempty"`
	ContinuationTaskID string           `json:"continuation_task_id,omitempty"`
	Strategy           MergeStrategy    `json:"strategy,omitempty"`
	TimeoutSeconds     int              `json:"timeout_seconds,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}
