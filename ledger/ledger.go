// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ledger defines the client's view of the external ledger and the
// confidential-computation network that evaluates encrypted match sessions.
// Implementations submit requests, return transaction references
// synchronously, and deliver finalization notifications asynchronously over
// the Notifications channel.
package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const (
	// IdentitySize is the size of a serialized Identity in bytes.
	IdentitySize = 32

	// RefSize is the size of transaction and computation references in
	// bytes.
	RefSize = 32

	// CiphertextFieldSize is the size of one encrypted tuple field in
	// bytes.
	CiphertextFieldSize = 32

	// NonceSize is the size of an envelope nonce in bytes, a u128.
	NonceSize = 16

	// SessionCiphertextFields is the number of ciphertext blocks in the
	// network-held encrypted session state.
	SessionCiphertextFields = 6
)

var (
	// ErrNoSession is returned by FindSession when no active session
	// exists for the unordered pair.
	ErrNoSession = errors.New("ledger: no active session for pair")

	// ErrSessionNotFound is returned when a referenced session does not
	// exist on the ledger.
	ErrSessionNotFound = errors.New("ledger: session not found")

	// ErrNoProfile is returned when an identity has no registered
	// profile.
	ErrNoProfile = errors.New("ledger: no profile for identity")

	// ErrInsufficientFunds is returned when the payer cannot cover a
	// submission fee.  Callers must not retry automatically.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrSessionExists is returned by OpenSession when another client
	// won the race to create a session for the same unordered pair.
	// Callers should look the existing session up and adopt it.
	ErrSessionExists = errors.New("ledger: active session already exists for pair")

	errInvalidIdentity = errors.New("ledger: invalid identity")
)

// Identity is a ledger account identity.
type Identity [IdentitySize]byte

// Bytes returns the raw identity.
func (id Identity) Bytes() []byte {
	return id[:]
}

// String returns the identity as a hex encoded string.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// NumericID derives the 64 bit identifier the confidential computation
// operates on, the first 8 bytes of the identity in little endian order.
func (id Identity) NumericID() uint64 {
	return binary.LittleEndian.Uint64(id[:8])
}

// IdentityFromBytes deserializes the byte slice b into an Identity.
func IdentityFromBytes(b []byte) (Identity, error) {
	var id Identity
	if len(b) != IdentitySize {
		return id, errInvalidIdentity
	}
	copy(id[:], b)
	return id, nil
}

// TransactionRef references a submitted ledger transaction.
type TransactionRef [RefSize]byte

// String returns the transaction reference as a hex encoded string.
func (r TransactionRef) String() string {
	return hex.EncodeToString(r[:])
}

// ComputationRef identifies a queued confidential computation.  It is
// distinct from the transaction reference that queued it; finalization
// notifications carry the computation reference.
type ComputationRef [RefSize]byte

// String returns the computation reference as a hex encoded string.
func (r ComputationRef) String() string {
	return hex.EncodeToString(r[:])
}

// MatchSession mirrors the on-ledger session account for a candidate
// pairing.  The decision state lives only inside EncryptedState; the ledger
// never observes either party's plaintext decision.
type MatchSession struct {
	SessionID      uint64
	PartyA         Identity
	PartyB         Identity
	EncryptedState [SessionCiphertextFields][CiphertextFieldSize]byte
	Nonce          [NonceSize]byte
	CreatedAt      time.Time
	LastUpdated    time.Time
	IsFinalized    bool
	MatchFound     bool
}

// Contains returns true if id is one of the session's parties.
func (s *MatchSession) Contains(id Identity) bool {
	return s.PartyA == id || s.PartyB == id
}

// IsBetween returns true if the session pairs a and b, in either order.
func (s *MatchSession) IsBetween(a, b Identity) bool {
	return (s.PartyA == a && s.PartyB == b) || (s.PartyA == b && s.PartyB == a)
}

// Peer returns the counterpart of id within the session.
func (s *MatchSession) Peer(id Identity) Identity {
	if s.PartyA == id {
		return s.PartyB
	}
	return s.PartyA
}

// SessionOpenRequest asks the network to initialize an encrypted session
// account between two parties.
type SessionOpenRequest struct {
	SessionID uint64
	PartyA    Identity
	PartyB    Identity
	Nonce     [NonceSize]byte
	Payer     Identity
}

// DecisionRequest submits one party's encrypted decision into an existing
// session.  The four ciphertext fields carry the (actor, target, decision,
// timestamp) tuple, each sealed independently; SenderPublic is the actor's
// ephemeral public key for the network's shared-secret derivation.
type DecisionRequest struct {
	SessionID    uint64
	Fields       [4][CiphertextFieldSize]byte
	SenderPublic [IdentitySize]byte
	Nonce        [NonceSize]byte
	Payer        Identity
}

// EvaluationRequest asks the network to evaluate the stored encrypted
// decisions of a session and finalize it with a revealed boolean outcome.
type EvaluationRequest struct {
	SessionID uint64
	OwnerKey  [IdentitySize]byte
	Payer     Identity
}

// CompatibilityRequest submits both parties' encrypted preferences and
// profile attributes for a revealed 0..100 score.  Field layout follows the
// network's compatibility circuit: for each party, the preference block
// (age min, age max, interests count, location preference, relationship
// type) then the profile block (age, interests count, location score,
// relationship type).
type CompatibilityRequest struct {
	FieldsA      [9][CiphertextFieldSize]byte
	FieldsB      [9][CiphertextFieldSize]byte
	SenderPublic [IdentitySize]byte
	Nonce        [NonceSize]byte
	Payer        Identity
}

// ProfileRecord mirrors the on-ledger user profile account.  The private
// data and preference blobs are sealed client side before registration.
type ProfileRecord struct {
	Owner                Identity
	Username             string
	AvatarURL            string
	Age                  uint8
	LocationCity         string
	IsActive             bool
	EncryptionPublicKey  [IdentitySize]byte
	EncryptedPrivateData []byte
	EncryptedPreferences []byte
	ProfileVersion       uint8
	CreatedAt            time.Time
	LastUpdated          time.Time
}

// Like submission status flags revealed by the network's like callback.
const (
	// LikeStatusRejected means the decision did not apply: a duplicate
	// from the same side or an identity that is not a session party.
	LikeStatusRejected uint8 = 0

	// LikeStatusRecorded means the decision was folded into the
	// encrypted session state.
	LikeStatusRecorded uint8 = 1

	// LikeStatusMutual means the decision was recorded and both sides of
	// the session now hold positive decisions.
	LikeStatusMutual uint8 = 2
)

// Session status values revealed by a finalized evaluation.
const (
	// SessionStatusOneSided means exactly one party has a recorded
	// positive decision.
	SessionStatusOneSided uint8 = 0

	// SessionStatusMutual means both parties liked each other.
	SessionStatusMutual uint8 = 1

	// SessionStatusNone means neither party holds a positive decision.
	SessionStatusNone uint8 = 2
)

// NotificationKind discriminates finalization notifications.
type NotificationKind uint8

const (
	// NotificationSessionOpened signals that a session-open computation
	// finalized and the encrypted session account is live.
	NotificationSessionOpened NotificationKind = iota

	// NotificationLikeRecorded signals that a submitted decision was
	// folded into the session state.
	NotificationLikeRecorded

	// NotificationMutualInterest signals the network observed positive
	// decisions on both sides while recording a like.
	NotificationMutualInterest

	// NotificationMatchFound signals a finalized evaluation with a
	// mutual match.
	NotificationMatchFound

	// NotificationNoMatch signals a finalized evaluation without a
	// mutual match.
	NotificationNoMatch

	// NotificationCompatibilityScored signals a finalized compatibility
	// computation.
	NotificationCompatibilityScored

	// NotificationAborted signals that the computation was aborted by
	// the network.
	NotificationAborted
)

// String returns a string representation of the NotificationKind.
func (k NotificationKind) String() string {
	switch k {
	case NotificationSessionOpened:
		return "SessionOpened"
	case NotificationLikeRecorded:
		return "LikeRecorded"
	case NotificationMutualInterest:
		return "MutualInterest"
	case NotificationMatchFound:
		return "MatchFound"
	case NotificationNoMatch:
		return "NoMatch"
	case NotificationCompatibilityScored:
		return "CompatibilityScored"
	case NotificationAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("NotificationKind(%d)", uint8(k))
	}
}

// Notification is an asynchronous finalization notification.  Delivery is
// at least once; consumers deduplicate on (Kind, SessionID).
type Notification struct {
	Kind                 NotificationKind
	SessionID            uint64
	ComputationRef       ComputationRef
	PartyA               Identity
	PartyB               Identity
	LikeStatus           uint8
	SessionStatus        uint8
	CanStartConversation bool
	Score                uint8
	Timestamp            time.Time
}

// MatchResult is the revealed outcome of a finalized evaluation.
type MatchResult struct {
	IsMatch              bool
	CanStartConversation bool
	SessionStatus        uint8
	MatchedAt            time.Time
}

// Ledger is the submission interface the match client drives.  All blocking
// calls honor ctx.  Submissions return the transaction reference and the
// computation reference whose finalization will be announced on the
// Notifications channel.
type Ledger interface {
	// NetworkKey returns the confidential-computation network's
	// published public key used for shared-secret derivation.
	NetworkKey(ctx context.Context) ([]byte, error)

	// OpenSession submits a session-open request.
	OpenSession(ctx context.Context, req *SessionOpenRequest) (TransactionRef, ComputationRef, error)

	// SubmitDecision submits an encrypted decision.
	SubmitDecision(ctx context.Context, req *DecisionRequest) (TransactionRef, ComputationRef, error)

	// SubmitEvaluation submits a mutual-match evaluation request.
	SubmitEvaluation(ctx context.Context, req *EvaluationRequest) (TransactionRef, ComputationRef, error)

	// SubmitCompatibility submits a compatibility scoring request.
	SubmitCompatibility(ctx context.Context, req *CompatibilityRequest) (TransactionRef, ComputationRef, error)

	// FindSession returns the active (unfinalized) session between the
	// unordered pair (a, b), or ErrNoSession.
	FindSession(ctx context.Context, a, b Identity) (*MatchSession, error)

	// Session returns the session account by identifier, or
	// ErrSessionNotFound.
	Session(ctx context.Context, sessionID uint64) (*MatchSession, error)

	// RegisterProfile stores a profile record.
	RegisterProfile(ctx context.Context, rec *ProfileRecord) (TransactionRef, error)

	// LookupProfile returns the profile registered for id, or
	// ErrNoProfile.
	LookupProfile(ctx context.Context, id Identity) (*ProfileRecord, error)

	// Notifications returns the finalization notification stream.  The
	// channel is closed when the ledger connection shuts down.
	Notifications() <-chan Notification
}
