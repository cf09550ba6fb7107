package models

import (
	"fmt"
	"strings"
)

// Status is the application status of a job.
type Status string

const (
	StatusWaiting      Status = "Waiting"
	StatusReviewing    Status = "Reviewing"
	StatusClosed       Status = "Closed"
	StatusInterviewing Status = "Interviewing"
	StatusOffer        Status = "Offer"
	StatusHired        Status = "Hired"
	StatusRefused      Status = "Refused"
	StatusRejected     Status = "Rejected"
)

var allStatuses = []Status{
	StatusWaiting, StatusReviewing, StatusClosed, StatusInterviewing,
	StatusOffer, StatusHired, StatusRefused, StatusRejected,
}

// terminalSet lists the statuses automation never rewrites.
var terminalSet = map[Status]bool{
	StatusRefused:      true,
	StatusRejected:     true,
	StatusOffer:        true,
	StatusHired:        true,
	StatusInterviewing: true,
}

// validTransitions maps each status to the statuses it may move to.
var validTransitions = map[Status][]Status{
	StatusWaiting:      {StatusReviewing, StatusClosed, StatusRefused, StatusRejected},
	StatusReviewing:    {StatusRefused, StatusInterviewing, StatusRejected},
	StatusClosed:       {StatusRejected},
	StatusInterviewing: {StatusOffer, StatusRefused},
	StatusOffer:        {StatusHired},
}

// ParseStatus validates s against the known statuses. Matching is exact.
func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown application status %q", s)
}

// IsTerminal reports whether s is in the terminal set.
func (s Status) IsTerminal() bool { return terminalSet[s] }

// TerminalStatuses returns the terminal set in a stable order.
func TerminalStatuses() []Status {
	out := make([]Status, 0, len(terminalSet))
	for _, st := range allStatuses {
		if terminalSet[st] {
			out = append(out, st)
		}
	}
	return out
}

// IsTransitionAllowed reports whether from -> to is a legal move.
func IsTransitionAllowed(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StatusFromInsights maps upstream insight strings to the status they
// imply. It returns "" when no insight carries a status signal.
func StatusFromInsights(insights []string) Status {
	var status Status
	for _, raw := range insights {
		s := strings.ToLower(raw)
		switch {
		case strings.Contains(s, "no longer accepting applications"):
			return StatusClosed
		case strings.Contains(s, "actively reviewing"), strings.Contains(s, "application viewed"),
			strings.Contains(s, "resume downloaded"), strings.Contains(s, "viewed"):
			status = StatusReviewing
		}
	}
	return status
}
