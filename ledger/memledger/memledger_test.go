// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package memledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloakmatch/cloakmatch/crypto/envelope"
	"github.com/cloakmatch/cloakmatch/ledger"
)

func testIdentity(b byte) ledger.Identity {
	var id ledger.Identity
	id[0] = b
	for i := 8; i < len(id); i++ {
		id[i] = b
	}
	return id
}

func testLedger(t *testing.T) *Ledger {
	l, err := New(nil)
	require.NoError(t, err)
	t.Cleanup(l.Halt)
	return l
}

func testCipher(t *testing.T, l *Ledger) *envelope.Cipher {
	key, err := l.NetworkKey(context.Background())
	require.NoError(t, err)
	c, err := envelope.New(key)
	require.NoError(t, err)
	return c
}

func openSession(t *testing.T, l *Ledger, id uint64, a, b ledger.Identity) {
	_, _, err := l.OpenSession(context.Background(), &ledger.SessionOpenRequest{
		SessionID: id,
		PartyA:    a,
		PartyB:    b,
		Payer:     a,
	})
	require.NoError(t, err)
}

func submitLike(t *testing.T, l *Ledger, c *envelope.Cipher, sessionID uint64, actor, target ledger.Identity, like bool) {
	env, err := c.EncryptDecision(&envelope.Decision{
		ActorID:   actor.NumericID(),
		TargetID:  target.NumericID(),
		Like:      like,
		Timestamp: uint64(time.Now().Unix()),
	})
	require.NoError(t, err)

	_, _, err = l.SubmitDecision(context.Background(), &ledger.DecisionRequest{
		SessionID:    sessionID,
		Fields:       env.Fields,
		SenderPublic: env.SenderPublic,
		Nonce:        env.Nonce,
		Payer:        actor,
	})
	require.NoError(t, err)
}

func nextNotification(t *testing.T, l *Ledger, kind ledger.NotificationKind) ledger.Notification {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n, ok := <-l.Notifications():
			require.True(t, ok)
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", kind)
		}
	}
}

func TestMutualMatchFlow(t *testing.T) {
	require := require.New(t)
	l := testLedger(t)
	c := testCipher(t, l)
	alice, bob := testIdentity(1), testIdentity(2)

	openSession(t, l, 42, alice, bob)
	nextNotification(t, l, ledger.NotificationSessionOpened)

	submitLike(t, l, c, 42, alice, bob, true)
	n := nextNotification(t, l, ledger.NotificationLikeRecorded)
	require.Equal(ledger.LikeStatusRecorded, n.LikeStatus)

	submitLike(t, l, c, 42, bob, alice, true)
	n = nextNotification(t, l, ledger.NotificationLikeRecorded)
	require.Equal(ledger.LikeStatusMutual, n.LikeStatus)
	nextNotification(t, l, ledger.NotificationMutualInterest)

	_, _, err := l.SubmitEvaluation(context.Background(), &ledger.EvaluationRequest{
		SessionID: 42,
		Payer:     alice,
	})
	require.NoError(err)

	n = nextNotification(t, l, ledger.NotificationMatchFound)
	require.True(n.CanStartConversation)
	require.Equal(ledger.SessionStatusMutual, n.SessionStatus)

	sess, err := l.Session(context.Background(), 42)
	require.NoError(err)
	require.True(sess.IsFinalized)
	require.True(sess.MatchFound)
}

func TestOneSidedSessionIsNoMatch(t *testing.T) {
	require := require.New(t)
	l := testLedger(t)
	c := testCipher(t, l)
	alice, bob := testIdentity(1), testIdentity(2)

	openSession(t, l, 7, alice, bob)
	submitLike(t, l, c, 7, alice, bob, true)
	submitLike(t, l, c, 7, bob, alice, false)

	_, _, err := l.SubmitEvaluation(context.Background(), &ledger.EvaluationRequest{
		SessionID: 7,
		Payer:     bob,
	})
	require.NoError(err)

	n := nextNotification(t, l, ledger.NotificationNoMatch)
	require.Equal(ledger.SessionStatusOneSided, n.SessionStatus)
	require.False(n.CanStartConversation)
}

func TestDecisionAgainstFinalizedSessionIsRejected(t *testing.T) {
	require := require.New(t)
	l := testLedger(t)
	c := testCipher(t, l)
	alice, bob := testIdentity(1), testIdentity(2)

	openSession(t, l, 9, alice, bob)
	_, _, err := l.SubmitEvaluation(context.Background(), &ledger.EvaluationRequest{
		SessionID: 9,
		Payer:     alice,
	})
	require.NoError(err)
	nextNotification(t, l, ledger.NotificationNoMatch)

	submitLike(t, l, c, 9, alice, bob, true)
	n := nextNotification(t, l, ledger.NotificationLikeRecorded)
	require.Equal(ledger.LikeStatusRejected, n.LikeStatus)
}

func TestReplayedEnvelopeRejected(t *testing.T) {
	require := require.New(t)
	l := testLedger(t)
	c := testCipher(t, l)
	alice, bob := testIdentity(1), testIdentity(2)

	openSession(t, l, 11, alice, bob)
	env, err := c.EncryptDecision(&envelope.Decision{
		ActorID:  alice.NumericID(),
		TargetID: bob.NumericID(),
		Like:     true,
	})
	require.NoError(err)

	req := &ledger.DecisionRequest{
		SessionID:    11,
		Fields:       env.Fields,
		SenderPublic: env.SenderPublic,
		Nonce:        env.Nonce,
		Payer:        alice,
	}
	_, _, err = l.SubmitDecision(context.Background(), req)
	require.NoError(err)
	_, _, err = l.SubmitDecision(context.Background(), req)
	require.ErrorIs(err, ErrReplayedEnvelope)
}

func TestDuplicateSessionRejected(t *testing.T) {
	require := require.New(t)
	l := testLedger(t)
	alice, bob := testIdentity(1), testIdentity(2)

	openSession(t, l, 1, alice, bob)
	_, _, err := l.OpenSession(context.Background(), &ledger.SessionOpenRequest{
		SessionID: 2,
		PartyA:    bob,
		PartyB:    alice,
		Payer:     bob,
	})
	require.ErrorIs(err, ledger.ErrSessionExists)
}

func TestDuplicateNotificationHook(t *testing.T) {
	require := require.New(t)
	l := testLedger(t)
	alice, bob := testIdentity(1), testIdentity(2)

	l.DuplicateNextNotification()
	openSession(t, l, 3, alice, bob)

	first := nextNotification(t, l, ledger.NotificationSessionOpened)
	second := nextNotification(t, l, ledger.NotificationSessionOpened)
	require.Equal(first.SessionID, second.SessionID)
}

func TestHoldAndReleaseNotifications(t *testing.T) {
	require := require.New(t)
	l := testLedger(t)
	alice, bob := testIdentity(1), testIdentity(2)

	l.HoldNotifications()
	openSession(t, l, 4, alice, bob)

	select {
	case n := <-l.Notifications():
		t.Fatalf("unexpected notification %v", n.Kind)
	case <-time.After(50 * time.Millisecond):
	}

	l.ReleaseNotifications()
	n := nextNotification(t, l, ledger.NotificationSessionOpened)
	require.Equal(uint64(4), n.SessionID)
}

func TestInsufficientFunds(t *testing.T) {
	require := require.New(t)
	fee := uint64(1)
	l, err := New(&Config{InitialBalance: 1, Fee: &fee})
	require.NoError(err)
	t.Cleanup(l.Halt)

	alice, bob := testIdentity(1), testIdentity(2)
	openSession(t, l, 5, alice, bob)

	_, _, err = l.OpenSession(context.Background(), &ledger.SessionOpenRequest{
		SessionID: 6,
		PartyA:    alice,
		PartyB:    testIdentity(3),
		Payer:     alice,
	})
	require.ErrorIs(err, ledger.ErrInsufficientFunds)

	l.Credit(alice, 10)
	balance, err := l.Balance(context.Background(), alice)
	require.NoError(err)
	require.Equal(uint64(10), balance)
}

func TestProfileRegistrationAndVersioning(t *testing.T) {
	require := require.New(t)
	l := testLedger(t)
	alice := testIdentity(1)

	rec := &ledger.ProfileRecord{
		Owner:    alice,
		Username: "alice_01",
		Age:      29,
		IsActive: true,
	}
	_, err := l.RegisterProfile(context.Background(), rec)
	require.NoError(err)

	got, err := l.LookupProfile(context.Background(), alice)
	require.NoError(err)
	require.Equal(uint8(1), got.ProfileVersion)

	rec.Age = 30
	_, err = l.RegisterProfile(context.Background(), rec)
	require.NoError(err)
	got, err = l.LookupProfile(context.Background(), alice)
	require.NoError(err)
	require.Equal(uint8(2), got.ProfileVersion)
	require.Equal(uint8(30), got.Age)

	_, err = l.LookupProfile(context.Background(), testIdentity(9))
	require.ErrorIs(err, ledger.ErrNoProfile)
}

func TestCompatibilityScoring(t *testing.T) {
	require := require.New(t)

	a := partyAttributes{
		prefAgeMin: 25, prefAgeMax: 35,
		age: 30, interestsCount: 5, locationScore: 20, relationshipType: 1,
	}
	b := partyAttributes{
		prefAgeMin: 28, prefAgeMax: 40,
		age: 33, interestsCount: 7, locationScore: 20, relationshipType: 1,
	}
	// Age window 30 + interests min(5,7)*25/10=12 + location 20 + type 20.
	require.Equal(uint8(82), scoreCompatibility(a, b))

	b.relationshipType = 2
	require.Equal(uint8(62), scoreCompatibility(a, b))

	a.interestsCount = 0
	require.Equal(uint8(50), scoreCompatibility(a, b))

	b.age = 99
	require.Equal(uint8(20), scoreCompatibility(a, b))
}

func TestCompatibilitySubmission(t *testing.T) {
	require := require.New(t)
	l := testLedger(t)
	c := testCipher(t, l)
	alice := testIdentity(1)

	plain := make([][envelope.PlaintextFieldSize]byte, 18)
	vals := []uint8{
		25, 35, 5, 0, 1, 30, 5, 20, 1, // alice prefs + profile
		28, 40, 7, 0, 1, 33, 7, 20, 1, // bob prefs + profile
	}
	for i, v := range vals {
		plain[i][0] = v
	}
	sealed, senderPublic, nonce, err := c.SealFields(plain)
	require.NoError(err)

	req := &ledger.CompatibilityRequest{
		SenderPublic: senderPublic,
		Nonce:        nonce,
		Payer:        alice,
	}
	copy(req.FieldsA[:], sealed[:9])
	copy(req.FieldsB[:], sealed[9:])

	_, _, err = l.SubmitCompatibility(context.Background(), req)
	require.NoError(err)

	n := nextNotification(t, l, ledger.NotificationCompatibilityScored)
	require.Equal(uint8(82), n.Score)
}