package domain

import (
	"errors"
	"fmt"
	"time"
)

// SubmitCode classifies a failed vote submission.
type SubmitCode int

const (
	SubmitUnknown SubmitCode = iota
	SubmitDuplicate
	SubmitRateExceeded
	SubmitCapacityTooSmall
	SubmitWindowClosed
	SubmitNonCanonical
)

func (c SubmitCode) String() string {
	switch c {
	case SubmitDuplicate:
		return "duplicate"
	case SubmitRateExceeded:
		return "rate_exceeded"
	case SubmitCapacityTooSmall:
		return "capacity_too_small"
	case SubmitWindowClosed:
		return "window_closed"
	case SubmitNonCanonical:
		return "non_canonical"
	default:
		return "unknown"
	}
}

// SubmitError is returned by the broadcaster for a rejected vote.
type SubmitError struct {
	Code    SubmitCode
	Message string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit vote (%s): %s", e.Code, e.Message)
}

// SubmitCodeOf extracts the code of a submission error. Errors that are not
// SubmitErrors are SubmitUnknown.
func SubmitCodeOf(err error) SubmitCode {
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Code
	}
	return SubmitUnknown
}

// Tier is the relation between a voter and an author that selects a weight.
type Tier string

const (
	TierDefault   Tier = "default"
	TierFavorite  Tier = "favorite"
	TierFollowing Tier = "following"
	TierFollower  Tier = "follower"
)

// OutcomeStatus is the result of one submission attempt.
type OutcomeStatus string

const (
	OutcomeVoted  OutcomeStatus = "voted"
	OutcomeFailed OutcomeStatus = "failed"
)

// VoteOutcome records one submission attempt.
type VoteOutcome struct {
	RunID  string
	Voter  string
	Target TargetKey
	Weight int
	Tier   Tier
	Status OutcomeStatus
	Code   SubmitCode
	Error  string
	At     time.Time
}
