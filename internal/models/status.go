package models

import (
	"fmt"
)

// ExecutionStatus is the booking flow state. The zero value is Initialized.
type ExecutionStatus uint8

const (
	StatusInitialized ExecutionStatus = iota
	StatusBriefReceived
	StatusAudiencePlanned
	StatusBudgetAllocated
	StatusResearching
	StatusAwaitingApproval
	StatusExecutingBookings
	StatusCompleted
	StatusValidationFailed
	StatusFailed
)

var statusNames = [...]string{
	StatusInitialized:       "initialized",
	StatusBriefReceived:     "brief_received",
	StatusAudiencePlanned:   "audience_planned",
	StatusBudgetAllocated:   "budget_allocated",
	StatusResearching:       "researching",
	StatusAwaitingApproval:  "awaiting_approval",
	StatusExecutingBookings: "executing_bookings",
	StatusCompleted:         "completed",
	StatusValidationFailed:  "validation_failed",
	StatusFailed:            "failed",
}

// transitions lists the statuses reachable from each status. Failed is added
// separately for every non-terminal status.
var transitions = map[ExecutionStatus][]ExecutionStatus{
	StatusInitialized:       {StatusBriefReceived, StatusValidationFailed},
	StatusBriefReceived:     {StatusAudiencePlanned, StatusBudgetAllocated},
	StatusAudiencePlanned:   {StatusBudgetAllocated},
	StatusBudgetAllocated:   {StatusResearching},
	StatusResearching:       {StatusAwaitingApproval},
	StatusAwaitingApproval:  {StatusExecutingBookings},
	StatusExecutingBookings: {StatusCompleted},
}

func (s ExecutionStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseExecutionStatus maps the snake_case text form back to the enum.
func ParseExecutionStatus(s string) (ExecutionStatus, error) {
	for i, name := range statusNames {
		if name == s {
			return ExecutionStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown execution status %q", s)
}

func (s ExecutionStatus) MarshalText() ([]byte, error) {
	if int(s) >= len(statusNames) {
		return nil, fmt.Errorf("unknown execution status %d", uint8(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *ExecutionStatus) UnmarshalText(b []byte) error {
	v, err := ParseExecutionStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusValidationFailed || s == StatusFailed
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// RecommendationStatus tracks a product recommendation through approval.
type RecommendationStatus string

const (
	RecommendationPending         RecommendationStatus = "pending"
	RecommendationPendingApproval RecommendationStatus = "pending_approval"
	RecommendationApproved        RecommendationStatus = "approved"
	RecommendationRejected        RecommendationStatus = "rejected"
)

// ChannelStatus is the outcome a research unit reports for its channel.
type ChannelStatus string

const (
	ChannelSuccess  ChannelStatus = "success"
	ChannelNoBudget ChannelStatus = "no_budget"
	ChannelFailed   ChannelStatus = "failed"
	ChannelSkipped  ChannelStatus = "skipped"
)

// Reported reports whether the status satisfies the consolidation barrier.
func (c ChannelStatus) Reported() bool {
	return c == ChannelSuccess || c == ChannelNoBudget || c == ChannelFailed
}

// Booked line statuses.
const (
	BookingPendingExecution = "pending_execution"
	BookingBooked           = "booked"
	BookingFailed           = "failed"
)

// PendingOrderID is the placeholder order for lines not yet submitted.
const PendingOrderID = "order_pending"
