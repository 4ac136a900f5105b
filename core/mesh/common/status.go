package common

import (
	"fmt"
	"strings"
)

// Role is the part a node plays in the swarm.
type Role int

const (
	RoleDrone Role = iota
	RoleQueen
)

func (r Role) String() string {
	switch r {
	case RoleQueen:
		return "queen"
	case RoleDrone:
		return "drone"
	default:
		return "unknown"
	}
}

func (r Role) MarshalText() ([]byte, error) {
	if r != RoleQueen && r != RoleDrone {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "queen":
		*r = RoleQueen
	case "drone":
		*r = RoleDrone
	default:
		return fmt.Errorf("invalid role %q", string(b))
	}
	return nil
}

// PeerStatus is the membership state of a peer as seen by the Queen.
//
//	Discovered -> Syncing -> Active <-> Computing
//	Syncing|Active|Computing -> Unreachable -> Evicted
//	Unreachable -> Active (heartbeat resumed)
type PeerStatus int

const (
	StatusDiscovered PeerStatus = iota
	StatusSyncing
	StatusActive
	StatusComputing
	StatusUnreachable
	StatusEvicted
)

var peerStatusNames = [...]string{
	StatusDiscovered:  "discovered",
	StatusSyncing:     "syncing",
	StatusActive:      "active",
	StatusComputing:   "computing",
	StatusUnreachable: "unreachable",
	StatusEvicted:     "evicted",
}

func (s PeerStatus) String() string {
	if s < 0 || int(s) >= len(peerStatusNames) {
		return "unknown"
	}
	return peerStatusNames[s]
}

func (s PeerStatus) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(peerStatusNames) {
		return nil, fmt.Errorf("invalid peer status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *PeerStatus) UnmarshalText(b []byte) error {
	for i, name := range peerStatusNames {
		if name == string(b) {
			*s = PeerStatus(i)
			return nil
		}
	}
	return fmt.Errorf("invalid peer status %q", string(b))
}

var peerTransitions = map[PeerStatus][]PeerStatus{
	StatusDiscovered:  {StatusSyncing, StatusUnreachable},
	StatusSyncing:     {StatusActive, StatusUnreachable},
	StatusActive:      {StatusComputing, StatusUnreachable},
	StatusComputing:   {StatusActive, StatusUnreachable},
	StatusUnreachable: {StatusActive, StatusEvicted},
}

// CanTransition reports whether moving from s to next is a legal peer transition.
func (s PeerStatus) CanTransition(next PeerStatus) bool {
	for _, allowed := range peerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobState tracks a Job through dispatch.
type JobState int

const (
	JobQueued JobState = iota
	JobDispatched
	JobRunning
	JobSucceeded
	JobFailed
)

var jobStateNames = [...]string{
	JobQueued:     "queued",
	JobDispatched: "dispatched",
	JobRunning:    "running",
	JobSucceeded:  "succeeded",
	JobFailed:     "failed",
}

func (s JobState) String() string {
	if s < 0 || int(s) >= len(jobStateNames) {
		return "unknown"
	}
	return jobStateNames[s]
}

func (s JobState) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(jobStateNames) {
		return nil, fmt.Errorf("invalid job state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *JobState) UnmarshalText(b []byte) error {
	for i, name := range jobStateNames {
		if name == string(b) {
			*s = JobState(i)
			return nil
		}
	}
	return fmt.Errorf("invalid job state %q", string(b))
}

// IsTerminal reports whether no further transitions are possible.
func (s JobState) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}

var jobTransitions = map[JobState][]JobState{
	JobQueued:     {JobDispatched, JobFailed},
	JobDispatched: {JobRunning, JobFailed},
	JobRunning:    {JobSucceeded, JobFailed},
}

// CanTransition reports whether moving from s to next is a legal job transition.
// Failed -> Queued is not in the table; see CanRetry.
func (s JobState) CanTransition(next JobState) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanRetry reports whether a failed job may re-enter Queued: only while its retry budget
// lasts. A failed job with the budget spent, or one failed by content, stays failed.
func (s JobState) CanRetry(cause FailureCause, retryCount, maxRetries int) bool {
	return s == JobFailed && cause.Retryable() && retryCount < maxRetries
}

// FailureCause classifies why an attempt ended without success.
type FailureCause string

const (
	CauseNone      FailureCause = ""
	CausePeerLoss  FailureCause = "peer_loss"
	CauseTransport FailureCause = "transport"
	CauseTimeout   FailureCause = "timeout"
	CauseContent   FailureCause = "content"
	CauseCapacity  FailureCause = "capacity"
	CauseCancelled FailureCause = "cancelled"
)

// Retryable reports whether an attempt failing for this cause may be retried.
func (c FailureCause) Retryable() bool {
	switch c {
	case CausePeerLoss, CauseTransport, CauseTimeout:
		return true
	default:
		return false
	}
}
