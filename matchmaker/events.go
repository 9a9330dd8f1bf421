// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package matchmaker

import (
	"fmt"

	"github.com/cloakmatch/cloakmatch/ledger"
)

// Event is the non-blocking event sink interface.  The sink never carries
// decision plaintext beyond what the local party already knows.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// SessionOpenedEvent is the event signaling that a match session with a
// peer is available, either freshly created or found already open.
type SessionOpenedEvent struct {
	SessionID uint64
	Peer      ledger.Identity
	Reused    bool
}

// String returns a string representation of the SessionOpenedEvent.
func (e *SessionOpenedEvent) String() string {
	return fmt.Sprintf("SessionOpened[%d]: peer %s reused %v", e.SessionID, e.Peer, e.Reused)
}

// LikeQueuedEvent is the event signaling that an encrypted decision was
// accepted by the network and awaits settlement.
type LikeQueuedEvent struct {
	SessionID uint64
	Target    ledger.Identity
}

// String returns a string representation of the LikeQueuedEvent.
func (e *LikeQueuedEvent) String() string {
	return fmt.Sprintf("LikeQueued[%d]: target %s", e.SessionID, e.Target)
}

// LikeNotSentEvent is the event signaling that a decision submission
// failed after all retries.
type LikeNotSentEvent struct {
	SessionID uint64
	Err       error
}

// String returns a string representation of the LikeNotSentEvent.
func (e *LikeNotSentEvent) String() string {
	return fmt.Sprintf("LikeNotSent[%d]: %v", e.SessionID, e.Err)
}

// LikeRecordedEvent is the event signaling that the network folded a
// decision into a session's encrypted state.
type LikeRecordedEvent struct {
	SessionID  uint64
	LikeStatus uint8
}

// String returns a string representation of the LikeRecordedEvent.
func (e *LikeRecordedEvent) String() string {
	return fmt.Sprintf("LikeRecorded[%d]: status %d", e.SessionID, e.LikeStatus)
}

// MutualInterestEvent is the event signaling that both parties of a
// session have registered positive decisions.  It may be raised
// optimistically before the session is evaluated; Authoritative
// distinguishes the network's own signal.
type MutualInterestEvent struct {
	SessionID     uint64
	Authoritative bool
}

// String returns a string representation of the MutualInterestEvent.
func (e *MutualInterestEvent) String() string {
	return fmt.Sprintf("MutualInterest[%d]: authoritative %v", e.SessionID, e.Authoritative)
}

// MatchFoundEvent is the event signaling a session's mutual-match verdict.
type MatchFoundEvent struct {
	SessionID            uint64
	Peer                 ledger.Identity
	CanStartConversation bool
}

// String returns a string representation of the MatchFoundEvent.
func (e *MatchFoundEvent) String() string {
	return fmt.Sprintf("MatchFound[%d]: peer %s conversation %v", e.SessionID, e.Peer, e.CanStartConversation)
}

// NoMatchEvent is the event signaling a session's negative verdict.
type NoMatchEvent struct {
	SessionID     uint64
	SessionStatus uint8
}

// String returns a string representation of the NoMatchEvent.
func (e *NoMatchEvent) String() string {
	return fmt.Sprintf("NoMatch[%d]: status %d", e.SessionID, e.SessionStatus)
}

// CompatibilityScoredEvent is the event carrying a revealed compatibility
// score.
type CompatibilityScoredEvent struct {
	ComputationRef ledger.ComputationRef
	Score          uint8
}

// String returns a string representation of the CompatibilityScoredEvent.
func (e *CompatibilityScoredEvent) String() string {
	return fmt.Sprintf("CompatibilityScored: %d", e.Score)
}
