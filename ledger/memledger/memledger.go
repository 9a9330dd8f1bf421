// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package memledger is an in-process emulation of the confidential match
// network: the on-chain session accounts plus the MPC cluster that opens
// decision envelopes and evaluates sessions.  It exists for local mode and
// for tests that need both halves of the protocol; nothing in it is
// reachable from the client packages except through the ledger.Ledger
// interface.
package memledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	"github.com/cloakmatch/cloakmatch/crypto/envelope"
	"github.com/cloakmatch/cloakmatch/ledger"
)

const (
	// DefaultInitialBalance is credited to an identity on first use.
	DefaultInitialBalance = 1000

	// DefaultFee is charged per submitted transaction.
	DefaultFee = 1

	notifyChSize = 128
)

var (
	// ErrSessionFinalized is returned for submissions against a session
	// that has already been evaluated.
	ErrSessionFinalized = errors.New("memledger: session is finalized")

	// ErrReplayedEnvelope is returned when a decision envelope's
	// (sender, nonce) pair has been seen before.
	ErrReplayedEnvelope = errors.New("memledger: replayed envelope")

	// ErrNotParticipant is returned when the submitting identity is not a
	// party to the session.
	ErrNotParticipant = errors.New("memledger: identity is not a session party")

	errHalted = errors.New("memledger: halted")
)

// sessionState is the plaintext shadow of a session's encrypted state,
// visible only inside the emulated network.
type sessionState struct {
	likedA, likedB bool
	seenA, seenB   bool
	result         *ledger.MatchResult
}

var _ ledger.Ledger = (*Ledger)(nil)

// Ledger implements ledger.Ledger entirely in memory.
type Ledger struct {
	sync.Mutex

	log *logging.Logger

	netPub  []byte
	netPriv nike.PrivateKey

	sessions map[uint64]*ledger.MatchSession
	states   map[uint64]*sessionState
	profiles map[ledger.Identity]*ledger.ProfileRecord
	balances map[ledger.Identity]uint64
	replay   *bloom.Filter

	notifyCh chan ledger.Notification
	halted   bool

	settleDelay   time.Duration
	fee           uint64
	initialFunds  uint64
	duplicateNext bool
	holding       bool
	held          []ledger.Notification
	pending       sync.WaitGroup
}

// Config tunes the emulation.
type Config struct {
	// SettleDelay is the artificial latency between a submission's
	// acceptance and its notification, emulating computation settling.
	SettleDelay time.Duration

	// InitialBalance overrides DefaultInitialBalance when nonzero.
	InitialBalance uint64

	// Fee overrides DefaultFee.  A zero fee is respected.
	Fee *uint64

	Log *logging.Logger
}

// New creates an emulated network with a fresh X25519 network key pair.
func New(cfg *Config) (*Ledger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Log == nil {
		cfg.Log = logging.MustGetLogger("memledger")
	}

	pub, priv, err := envelope.Scheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	// ~1 MiB, plenty for an emulation's lifetime of envelopes.
	f, err := bloom.New(rand.Reader, 23, 0.001)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		log:          cfg.Log,
		netPub:       pub.Bytes(),
		netPriv:      priv,
		sessions:     make(map[uint64]*ledger.MatchSession),
		states:       make(map[uint64]*sessionState),
		profiles:     make(map[ledger.Identity]*ledger.ProfileRecord),
		balances:     make(map[ledger.Identity]uint64),
		replay:       f,
		notifyCh:     make(chan ledger.Notification, notifyChSize),
		settleDelay:  cfg.SettleDelay,
		fee:          DefaultFee,
		initialFunds: DefaultInitialBalance,
	}
	if cfg.Fee != nil {
		l.fee = *cfg.Fee
	}
	if cfg.InitialBalance != 0 {
		l.initialFunds = cfg.InitialBalance
	}
	return l, nil
}

// Halt stops notification delivery and zeroizes the network private key.
func (l *Ledger) Halt() {
	l.Lock()
	if l.halted {
		l.Unlock()
		return
	}
	l.halted = true
	l.Unlock()

	l.pending.Wait()
	l.netPriv.Reset()
	close(l.notifyCh)
}

// NetworkKey returns the network's published encryption public key.
func (l *Ledger) NetworkKey(ctx context.Context) ([]byte, error) {
	out := make([]byte, len(l.netPub))
	copy(out, l.netPub)
	return out, nil
}

// Notifications returns the at-least-once event stream.
func (l *Ledger) Notifications() <-chan ledger.Notification {
	return l.notifyCh
}

// Balance returns the identity's balance, funding it on first sight.
func (l *Ledger) Balance(ctx context.Context, id ledger.Identity) (uint64, error) {
	l.Lock()
	defer l.Unlock()
	return l.balanceLocked(id), nil
}

func (l *Ledger) balanceLocked(id ledger.Identity) uint64 {
	if _, ok := l.balances[id]; !ok {
		l.balances[id] = l.initialFunds
	}
	return l.balances[id]
}

func (l *Ledger) chargeLocked(payer ledger.Identity) error {
	if l.balanceLocked(payer) < l.fee {
		return ledger.ErrInsufficientFunds
	}
	l.balances[payer] -= l.fee
	return nil
}

// Credit adds funds to an identity.
func (l *Ledger) Credit(id ledger.Identity, amount uint64) {
	l.Lock()
	defer l.Unlock()
	l.balances[id] = l.balanceLocked(id) + amount
}

func newRef() [32]byte {
	var r [32]byte
	rand.Reader.Read(r[:])
	return r
}

// OpenSession creates a session account for a pair of identities.
func (l *Ledger) OpenSession(ctx context.Context, req *ledger.SessionOpenRequest) (ledger.TransactionRef, ledger.ComputationRef, error) {
	var txRef ledger.TransactionRef
	var compRef ledger.ComputationRef

	l.Lock()
	defer l.Unlock()
	if l.halted {
		return txRef, compRef, errHalted
	}
	if req.PartyA == req.PartyB {
		return txRef, compRef, ErrNotParticipant
	}
	for _, sess := range l.sessions {
		if sess.IsBetween(req.PartyA, req.PartyB) && !sess.IsFinalized {
			return txRef, compRef, ledger.ErrSessionExists
		}
	}
	if err := l.chargeLocked(req.Payer); err != nil {
		return txRef, compRef, err
	}

	now := time.Now()
	sess := &ledger.MatchSession{
		SessionID:   req.SessionID,
		PartyA:      req.PartyA,
		PartyB:      req.PartyB,
		Nonce:       req.Nonce,
		CreatedAt:   now,
		LastUpdated: now,
	}
	l.sessions[req.SessionID] = sess
	l.states[req.SessionID] = &sessionState{}

	txRef, compRef = newRef(), newRef()
	l.emitLocked(ledger.Notification{
		Kind:           ledger.NotificationSessionOpened,
		SessionID:      req.SessionID,
		ComputationRef: compRef,
		PartyA:         req.PartyA,
		PartyB:         req.PartyB,
	})
	return txRef, compRef, nil
}

// SubmitDecision opens a decision envelope inside the emulated MPC and
// folds it into the session state.  The decision plaintext never leaves
// this method.
func (l *Ledger) SubmitDecision(ctx context.Context, req *ledger.DecisionRequest) (ledger.TransactionRef, ledger.ComputationRef, error) {
	var txRef ledger.TransactionRef
	var compRef ledger.ComputationRef

	l.Lock()
	defer l.Unlock()
	if l.halted {
		return txRef, compRef, errHalted
	}
	sess, ok := l.sessions[req.SessionID]
	if !ok {
		return txRef, compRef, ledger.ErrSessionNotFound
	}
	replayKey := append(append([]byte{}, req.SenderPublic[:]...), req.Nonce[:]...)
	if l.replay.TestAndSet(replayKey) {
		l.log.Warningf("rejecting replayed decision envelope for session %d", req.SessionID)
		return txRef, compRef, ErrReplayedEnvelope
	}
	if err := l.chargeLocked(req.Payer); err != nil {
		return txRef, compRef, err
	}

	fields := make([][envelope.FieldSize]byte, len(req.Fields))
	copy(fields, req.Fields[:])
	opened, err := envelope.OpenFields(l.netPriv, req.SenderPublic, req.Nonce, fields)
	if err != nil {
		return txRef, compRef, err
	}
	decision, err := envelope.DecodeDecision(opened)
	if err != nil {
		return txRef, compRef, err
	}

	txRef, compRef = newRef(), newRef()
	status := l.foldDecisionLocked(sess, decision)

	copy(sess.EncryptedState[:len(req.Fields)], req.Fields[:])
	sess.Nonce = req.Nonce
	sess.LastUpdated = time.Now()

	l.emitLocked(ledger.Notification{
		Kind:           ledger.NotificationLikeRecorded,
		SessionID:      sess.SessionID,
		ComputationRef: compRef,
		PartyA:         sess.PartyA,
		PartyB:         sess.PartyB,
		LikeStatus:     status,
	})
	if status == ledger.LikeStatusMutual {
		l.emitLocked(ledger.Notification{
			Kind:           ledger.NotificationMutualInterest,
			SessionID:      sess.SessionID,
			ComputationRef: compRef,
			PartyA:         sess.PartyA,
			PartyB:         sess.PartyB,
			LikeStatus:     status,
		})
	}
	return txRef, compRef, nil
}

func (l *Ledger) foldDecisionLocked(sess *ledger.MatchSession, d *envelope.Decision) uint8 {
	state := l.states[sess.SessionID]
	if sess.IsFinalized {
		return ledger.LikeStatusRejected
	}

	isA := d.ActorID == sess.PartyA.NumericID() && d.TargetID == sess.PartyB.NumericID()
	isB := d.ActorID == sess.PartyB.NumericID() && d.TargetID == sess.PartyA.NumericID()
	switch {
	case isA:
		state.seenA = true
		state.likedA = d.Like
	case isB:
		state.seenB = true
		state.likedB = d.Like
	default:
		return ledger.LikeStatusRejected
	}

	if state.likedA && state.likedB {
		return ledger.LikeStatusMutual
	}
	return ledger.LikeStatusRecorded
}

// SubmitEvaluation finalizes a session and reveals only the match verdict.
// Re-evaluating a finalized session re-emits the recorded result.
func (l *Ledger) SubmitEvaluation(ctx context.Context, req *ledger.EvaluationRequest) (ledger.TransactionRef, ledger.ComputationRef, error) {
	var txRef ledger.TransactionRef
	var compRef ledger.ComputationRef

	l.Lock()
	defer l.Unlock()
	if l.halted {
		return txRef, compRef, errHalted
	}
	sess, ok := l.sessions[req.SessionID]
	if !ok {
		return txRef, compRef, ledger.ErrSessionNotFound
	}
	if err := l.chargeLocked(req.Payer); err != nil {
		return txRef, compRef, err
	}

	state := l.states[req.SessionID]
	if state.result == nil {
		result := &ledger.MatchResult{
			IsMatch:       state.likedA && state.likedB,
			SessionStatus: ledger.SessionStatusNone,
		}
		switch {
		case result.IsMatch:
			result.SessionStatus = ledger.SessionStatusMutual
			result.CanStartConversation = true
			result.MatchedAt = time.Now()
		case state.likedA || state.likedB:
			result.SessionStatus = ledger.SessionStatusOneSided
		}
		state.result = result
		sess.IsFinalized = true
		sess.MatchFound = result.IsMatch
		sess.LastUpdated = time.Now()
	}

	txRef, compRef = newRef(), newRef()
	n := ledger.Notification{
		SessionID:      sess.SessionID,
		ComputationRef: compRef,
		PartyA:         sess.PartyA,
		PartyB:         sess.PartyB,
		SessionStatus:  state.result.SessionStatus,
	}
	if state.result.IsMatch {
		n.Kind = ledger.NotificationMatchFound
		n.CanStartConversation = state.result.CanStartConversation
	} else {
		n.Kind = ledger.NotificationNoMatch
	}
	l.emitLocked(n)
	return txRef, compRef, nil
}

// SubmitCompatibility opens both parties' preference and profile tuples
// and reveals only the aggregate score.
func (l *Ledger) SubmitCompatibility(ctx context.Context, req *ledger.CompatibilityRequest) (ledger.TransactionRef, ledger.ComputationRef, error) {
	var txRef ledger.TransactionRef
	var compRef ledger.ComputationRef

	l.Lock()
	defer l.Unlock()
	if l.halted {
		return txRef, compRef, errHalted
	}
	if err := l.chargeLocked(req.Payer); err != nil {
		return txRef, compRef, err
	}

	sealed := make([][envelope.FieldSize]byte, 0, len(req.FieldsA)+len(req.FieldsB))
	sealed = append(sealed, req.FieldsA[:]...)
	sealed = append(sealed, req.FieldsB[:]...)
	opened, err := envelope.OpenFields(l.netPriv, req.SenderPublic, req.Nonce, sealed)
	if err != nil {
		return txRef, compRef, err
	}

	score := scoreCompatibility(decodeParty(opened[:len(req.FieldsA)]), decodeParty(opened[len(req.FieldsA):]))

	txRef, compRef = newRef(), newRef()
	l.emitLocked(ledger.Notification{
		Kind:           ledger.NotificationCompatibilityScored,
		ComputationRef: compRef,
		Score:          score,
	})
	return txRef, compRef, nil
}

// FindSession returns the unfinalized session between a pair, if any.
func (l *Ledger) FindSession(ctx context.Context, a, b ledger.Identity) (*ledger.MatchSession, error) {
	l.Lock()
	defer l.Unlock()
	for _, sess := range l.sessions {
		if sess.IsBetween(a, b) && !sess.IsFinalized {
			out := *sess
			return &out, nil
		}
	}
	return nil, ledger.ErrNoSession
}

// Session returns a session account by identifier.
func (l *Ledger) Session(ctx context.Context, sessionID uint64) (*ledger.MatchSession, error) {
	l.Lock()
	defer l.Unlock()
	sess, ok := l.sessions[sessionID]
	if !ok {
		return nil, ledger.ErrSessionNotFound
	}
	out := *sess
	return &out, nil
}

// RegisterProfile stores or replaces an identity's profile record.
func (l *Ledger) RegisterProfile(ctx context.Context, rec *ledger.ProfileRecord) (ledger.TransactionRef, error) {
	var txRef ledger.TransactionRef

	l.Lock()
	defer l.Unlock()
	if l.halted {
		return txRef, errHalted
	}
	if err := l.chargeLocked(rec.Owner); err != nil {
		return txRef, err
	}
	stored := *rec
	stored.LastUpdated = time.Now()
	if existing, ok := l.profiles[rec.Owner]; ok {
		stored.CreatedAt = existing.CreatedAt
		stored.ProfileVersion = existing.ProfileVersion + 1
	} else {
		stored.CreatedAt = stored.LastUpdated
		stored.ProfileVersion = 1
	}
	l.profiles[rec.Owner] = &stored
	return newRef(), nil
}

// LookupProfile returns an identity's profile record.
func (l *Ledger) LookupProfile(ctx context.Context, id ledger.Identity) (*ledger.ProfileRecord, error) {
	l.Lock()
	defer l.Unlock()
	rec, ok := l.profiles[id]
	if !ok {
		return nil, ledger.ErrNoProfile
	}
	out := *rec
	return &out, nil
}

// DuplicateNextNotification makes the next emitted notification arrive
// twice, for exercising at-least-once consumers.
func (l *Ledger) DuplicateNextNotification() {
	l.Lock()
	defer l.Unlock()
	l.duplicateNext = true
}

// HoldNotifications queues emitted notifications instead of delivering
// them until ReleaseNotifications is called.
func (l *Ledger) HoldNotifications() {
	l.Lock()
	defer l.Unlock()
	l.holding = true
}

// ReleaseNotifications delivers all held notifications in order.
func (l *Ledger) ReleaseNotifications() {
	l.Lock()
	held := l.held
	l.held = nil
	l.holding = false
	l.Unlock()
	for _, n := range held {
		l.deliver(n, 0)
	}
}

func (l *Ledger) emitLocked(n ledger.Notification) {
	n.Timestamp = time.Now()
	if l.holding {
		l.held = append(l.held, n)
		return
	}
	dup := l.duplicateNext
	l.duplicateNext = false
	l.deliver(n, l.settleDelay)
	if dup {
		l.deliver(n, l.settleDelay)
	}
}

// trySend delivers without blocking, keeping emission order when there is
// no settle delay and the channel has room.  At-least-once consumers
// tolerate reordering, but tests are easier to read without it.
func (l *Ledger) trySend(n ledger.Notification) (sent bool) {
	defer func() {
		// A send racing a Halt loses the notification, the consumer is
		// gone anyway.
		if recover() != nil {
			sent = true
		}
	}()
	select {
	case l.notifyCh <- n:
		return true
	default:
		return false
	}
}

func (l *Ledger) deliver(n ledger.Notification, delay time.Duration) {
	if delay == 0 && l.trySend(n) {
		return
	}
	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		defer func() {
			// Losing a notification to a racing Halt is fine, the
			// channel consumer is gone.
			recover()
		}()
		l.notifyCh <- n
	}()
}

// partyAttributes is the opened form of one party's compatibility tuple:
// five preference fields followed by four profile fields.
type partyAttributes struct {
	prefAgeMin, prefAgeMax uint8
	prefInterests          uint8
	prefLocation           uint8
	prefRelationship       uint8
	age                    uint8
	interestsCount         uint8
	locationScore          uint8
	relationshipType       uint8
}

func decodeParty(fields [][envelope.PlaintextFieldSize]byte) partyAttributes {
	at := func(i int) uint8 { return fields[i][0] }
	return partyAttributes{
		prefAgeMin:       at(0),
		prefAgeMax:       at(1),
		prefInterests:    at(2),
		prefLocation:     at(3),
		prefRelationship: at(4),
		age:              at(5),
		interestsCount:   at(6),
		locationScore:    at(7),
		relationshipType: at(8),
	}
}

// scoreCompatibility mirrors the confidential scoring circuit: age window
// 30 points, shared interests up to 25, location up to 25, matching
// relationship type 20, capped at 100.
func scoreCompatibility(a, b partyAttributes) uint8 {
	score := 0

	if b.age >= a.prefAgeMin && b.age <= a.prefAgeMax &&
		a.age >= b.prefAgeMin && a.age <= b.prefAgeMax {
		score += 30
	}

	if a.interestsCount > 0 && b.interestsCount > 0 {
		min := int(a.interestsCount)
		if int(b.interestsCount) < min {
			min = int(b.interestsCount)
		}
		interests := min * 25 / 10
		if interests > 25 {
			interests = 25
		}
		score += interests
	}

	location := (int(a.locationScore) + int(b.locationScore)) / 2
	if location > 25 {
		location = 25
	}
	score += location

	if a.relationshipType == b.relationshipType {
		score += 20
	}

	if score > 100 {
		score = 100
	}
	return uint8(score)
}
