package models

import (
	"fmt"
	"strings"
	"time"
)

// TicketStatus is a ticket's coarse workflow state. The core only moves
// tickets between the supervision-relevant states; everything else belongs
// to the planner.
type TicketStatus string

// Ticket states the core reads or writes.
const (
	TicketStatusOpen          TicketStatus = "open"
	TicketStatusInProgress    TicketStatus = "in_progress"
	TicketStatusPendingReview TicketStatus = "pending_review"
	TicketStatusBlocked       TicketStatus = "blocked"
	TicketStatusTimedOut      TicketStatus = "timed_out"
	TicketStatusCompleted     TicketStatus = "completed"
	TicketStatusCancelled     TicketStatus = "cancelled"
)

// Ticket is a coarse unit of user intent. The core holds it by id and
// reads only the supervision-relevant columns.
type Ticket struct {
	ID             string       `json:"id"`
	ProjectID      string       `json:"project_id"`
	Title          string       `json:"title,omitempty"`
	Description    string       `json:"description,omitempty"`
	Priority       TaskPriority `json:"priority,omitempty"`
	Status         TicketStatus `json:"status"`
	Phase          string       `json:"phase,omitempty"`
	BlockerType    string       `json:"blocker_type,omitempty"`
	ReviewDeadline *time.Time   `json:"review_deadline,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// IsValid checks if the status is a known value.
func (s TicketStatus) IsValid() bool {
	switch s {
	case TicketStatusOpen, TicketStatusInProgress, TicketStatusPendingReview,
		TicketStatusBlocked, TicketStatusTimedOut, TicketStatusCompleted,
		TicketStatusCancelled:
		return true
	}
	return false
}

// ParseTicketStatus normalizes a stored status string.
func ParseTicketStatus(raw string) (TicketStatus, error) {
	s := TicketStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("unknown ticket status %q", raw)
	}
	return s, nil
}
