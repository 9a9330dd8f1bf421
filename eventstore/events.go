// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package eventstore

import (
	"fmt"
	"time"

	"github.com/cloakmatch/cloakmatch/ledger"
)

// Kind discriminates DatingEvent variants.
type Kind uint8

const (
	// KindSessionCreated records a session-open submission.
	KindSessionCreated Kind = iota

	// KindLikeSubmitted records one party's decision submission.
	// Negative decisions are recorded locally and never leave the
	// client.
	KindLikeSubmitted

	// KindMutualInterest records that both sides appear to hold
	// positive decisions.  A client-local event is non-authoritative
	// and only drives UI responsiveness.
	KindMutualInterest

	// KindMatchFound is the terminal mutual-match outcome.
	KindMatchFound

	// KindNoMatch is the terminal no-match outcome.
	KindNoMatch

	// KindCompatibilityScored records a finalized compatibility score.
	KindCompatibilityScored
)

// String returns a string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindSessionCreated:
		return "SessionCreated"
	case KindLikeSubmitted:
		return "LikeSubmitted"
	case KindMutualInterest:
		return "MutualInterest"
	case KindMatchFound:
		return "MatchFound"
	case KindNoMatch:
		return "NoMatch"
	case KindCompatibilityScored:
		return "CompatibilityScored"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// IsTerminal returns true for the kinds that finalize a session.
func (k Kind) IsTerminal() bool {
	return k == KindMatchFound || k == KindNoMatch
}

// Status is the lifecycle state of an event's underlying network operation.
type Status uint8

const (
	// StatusPending means the submission was made and no confirmation
	// has arrived.
	StatusPending Status = iota

	// StatusProcessing means the network acknowledged the submission
	// and the computation is in flight.
	StatusProcessing

	// StatusCompleted means the operation finalized.
	StatusCompleted

	// StatusFailed means the operation failed or timed out locally.
	// A failed await does not imply the network-side operation did not
	// happen.
	StatusFailed
)

// String returns a string representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Payload carries the kind-specific portion of an event.
type Payload struct {
	// Actor and Target are set for LikeSubmitted events.
	Actor  ledger.Identity `cbor:"actor,omitempty"`
	Target ledger.Identity `cbor:"target,omitempty"`

	// IsLike is the locally known decision for LikeSubmitted events.
	IsLike bool `cbor:"is_like,omitempty"`

	// Authoritative is false for the client-local MutualInterest
	// optimism event, true when the network announced it.
	Authoritative bool `cbor:"authoritative,omitempty"`

	// CanStartConversation is set on MatchFound events.
	CanStartConversation bool `cbor:"can_start_conversation,omitempty"`

	// SessionStatus is the revealed status of a finalized evaluation.
	SessionStatus uint8 `cbor:"session_status,omitempty"`

	// Score is set on CompatibilityScored events.
	Score uint8 `cbor:"score,omitempty"`

	// DisplayName optionally enriches the event for display; it is
	// never a protocol input.
	DisplayName string `cbor:"display_name,omitempty"`
}

// Event is one entry of the local dating event log.  Events are owned by
// the Store; other components append or patch through its API and never
// hold mutable copies.
type Event struct {
	ID          uint64          `cbor:"id"`
	Kind        Kind            `cbor:"kind"`
	Timestamp   time.Time       `cbor:"timestamp"`
	SessionID   uint64          `cbor:"session_id"`
	PartyA      ledger.Identity `cbor:"party_a"`
	PartyB      ledger.Identity `cbor:"party_b"`
	Status      Status          `cbor:"status"`
	ExternalRef string          `cbor:"external_ref,omitempty"`
	Payload     Payload         `cbor:"payload"`
}

// String returns a short representation for logging.
func (e *Event) String() string {
	return fmt.Sprintf("%v[%d] session %d %v", e.Kind, e.ID, e.SessionID, e.Status)
}
