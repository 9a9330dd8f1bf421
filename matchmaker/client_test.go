// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package matchmaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloakmatch/cloakmatch/crypto/envelope"
	"github.com/cloakmatch/cloakmatch/eventstore"
	"github.com/cloakmatch/cloakmatch/ledger"
	"github.com/cloakmatch/cloakmatch/ledger/memledger"
	"github.com/cloakmatch/cloakmatch/matchmaker/config"
)

func testIdentity(b byte) ledger.Identity {
	var id ledger.Identity
	id[0] = b
	return id
}

type testHarness struct {
	client *Client
	net    *memledger.Ledger
	alice  ledger.Identity
	bob    ledger.Identity
}

func newHarness(t *testing.T, resultTimeoutMs int) *testHarness {
	return newHarnessWithLedger(t, resultTimeoutMs, func(l ledger.Ledger) ledger.Ledger { return l })
}

// newHarnessWithLedger lets a test interpose on the client's view of the
// ledger while the harness keeps direct access to the emulation.
func newHarnessWithLedger(t *testing.T, resultTimeoutMs int, wrap func(ledger.Ledger) ledger.Ledger) *testHarness {
	require := require.New(t)

	net, err := memledger.New(nil)
	require.NoError(err)

	cfg := &config.Config{
		DataDir: t.TempDir(),
		Logging: &config.Logging{Disable: true},
		Debug: &config.Debug{
			SettleDelayMilliseconds:   25,
			ResultTimeoutMilliseconds: resultTimeoutMs,
			RetryAttempts:             2,
			RetryDelayMilliseconds:    5,
		},
	}
	require.NoError(cfg.FixupAndValidate())
	logBackend, err := cfg.InitLogBackend()
	require.NoError(err)

	store, err := eventstore.New(cfg.DataDir, logBackend.GetLogger("eventstore"))
	require.NoError(err)

	alice, bob := testIdentity(1), testIdentity(2)
	c, err := New(context.Background(), cfg, logBackend, alice, wrap(net), store)
	require.NoError(err)
	c.Start()

	t.Cleanup(func() {
		c.Shutdown()
		store.Close()
		net.Halt()
	})
	return &testHarness{client: c, net: net, alice: alice, bob: bob}
}

// peerLike submits bob's sealed decision directly to the network,
// emulating the remote party's own client.
func (h *testHarness) peerLike(t *testing.T, sessionID uint64, like bool) {
	require := require.New(t)

	key, err := h.net.NetworkKey(context.Background())
	require.NoError(err)
	cipher, err := envelope.New(key)
	require.NoError(err)

	env, err := cipher.EncryptDecision(&envelope.Decision{
		ActorID:   h.bob.NumericID(),
		TargetID:  h.alice.NumericID(),
		Like:      like,
		Timestamp: uint64(time.Now().Unix()),
	})
	require.NoError(err)

	_, _, err = h.net.SubmitDecision(context.Background(), &ledger.DecisionRequest{
		SessionID:    sessionID,
		Fields:       env.Fields,
		SenderPublic: env.SenderPublic,
		Nonce:        env.Nonce,
		Payer:        h.bob,
	})
	require.NoError(err)
}

func awaitSink(t *testing.T, c *Client, match func(interface{}) bool) interface{} {
	deadline := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-c.EventSink:
			require.True(t, ok, "event sink closed")
			if match(e) {
				return e
			}
		case <-deadline:
			t.Fatal("timed out waiting for sink event")
		}
	}
}

func TestOpenSessionIdempotent(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, 2000)
	ctx := context.Background()

	first, err := h.client.OpenSession(ctx, h.bob)
	require.NoError(err)

	second, err := h.client.OpenSession(ctx, h.bob)
	require.NoError(err)
	require.Equal(first, second)

	e := awaitSink(t, h.client, func(e interface{}) bool {
		ev, ok := e.(*SessionOpenedEvent)
		return ok && ev.Reused
	})
	require.Equal(first, e.(*SessionOpenedEvent).SessionID)

	// Exactly one SessionCreated event in the log.
	events, err := h.client.Store().SessionEvents(first)
	require.NoError(err)
	created := 0
	for _, ev := range events {
		if ev.Kind == eventstore.KindSessionCreated {
			created++
		}
	}
	require.Equal(1, created)
}

func TestSelfSessionRejected(t *testing.T) {
	h := newHarness(t, 2000)
	_, err := h.client.OpenSession(context.Background(), h.alice)
	require.ErrorIs(t, err, ErrSelfSession)
}

// blindLedger hides existing sessions from the first lookup, modeling a
// peer whose open lands between our lookup and our submission.
type blindLedger struct {
	ledger.Ledger

	sync.Mutex
	looked bool
}

func (b *blindLedger) FindSession(ctx context.Context, x, y ledger.Identity) (*ledger.MatchSession, error) {
	b.Lock()
	first := !b.looked
	b.looked = true
	b.Unlock()
	if first {
		return nil, ledger.ErrNoSession
	}
	return b.Ledger.FindSession(ctx, x, y)
}

func TestOpenSessionRaceAdoptsExisting(t *testing.T) {
	require := require.New(t)
	h := newHarnessWithLedger(t, 2000, func(l ledger.Ledger) ledger.Ledger {
		return &blindLedger{Ledger: l}
	})
	ctx := context.Background()

	// The peer wins the race before our client's lookup lands.
	_, _, err := h.net.OpenSession(ctx, &ledger.SessionOpenRequest{
		SessionID: 4242,
		PartyA:    h.bob,
		PartyB:    h.alice,
		Payer:     h.bob,
	})
	require.NoError(err)

	sid, err := h.client.OpenSession(ctx, h.bob)
	require.NoError(err)
	require.Equal(uint64(4242), sid)

	e := awaitSink(t, h.client, func(e interface{}) bool {
		ev, ok := e.(*SessionOpenedEvent)
		return ok && ev.Reused
	})
	require.Equal(uint64(4242), e.(*SessionOpenedEvent).SessionID)
}

// keylessLedger never publishes a network key.
type keylessLedger struct {
	ledger.Ledger
}

func (keylessLedger) NetworkKey(context.Context) ([]byte, error) {
	return nil, errors.New("no cluster key published")
}

func TestNewFailsClosed(t *testing.T) {
	require := require.New(t)

	cfg := &config.Config{
		DataDir: t.TempDir(),
		Logging: &config.Logging{Disable: true},
		Debug: &config.Debug{
			RetryAttempts:          2,
			RetryDelayMilliseconds: 1,
		},
	}
	require.NoError(cfg.FixupAndValidate())
	logBackend, err := cfg.InitLogBackend()
	require.NoError(err)
	store, err := eventstore.New(cfg.DataDir, logBackend.GetLogger("eventstore"))
	require.NoError(err)
	t.Cleanup(func() { store.Close() })

	_, err = New(context.Background(), cfg, logBackend, ledger.Identity{}, keylessLedger{}, store)
	require.ErrorIs(err, ErrNotConnected)

	_, err = New(context.Background(), cfg, logBackend, testIdentity(1), keylessLedger{}, store)
	require.ErrorIs(err, ErrEnvironmentNotInitialized)
}

func TestSessionIDIsTimeDerived(t *testing.T) {
	require := require.New(t)

	before := uint64(time.Now().UnixNano())
	id := newSessionID()
	after := uint64(time.Now().UnixNano()) + sessionIDJitter
	require.GreaterOrEqual(id, before)
	require.LessOrEqual(id, after)
}

func TestMutualMatchEndToEnd(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, 5000)
	ctx := context.Background()

	sid, err := h.client.OpenSession(ctx, h.bob)
	require.NoError(err)

	require.NoError(h.client.SubmitLike(ctx, sid, true))
	awaitSink(t, h.client, func(e interface{}) bool {
		_, ok := e.(*LikeRecordedEvent)
		return ok
	})

	h.peerLike(t, sid, true)
	awaitSink(t, h.client, func(e interface{}) bool {
		ev, ok := e.(*LikeRecordedEvent)
		return ok && ev.LikeStatus == ledger.LikeStatusMutual
	})

	result, err := h.client.CheckMutualMatch(ctx, sid)
	require.NoError(err)
	require.True(result.IsMatch)
	require.True(result.CanStartConversation)
	require.Equal(ledger.SessionStatusMutual, result.SessionStatus)

	// Mutual interest surfaces exactly once, no matter how many signals
	// implied it.
	mutualSeen := 0
	for {
		e := awaitSink(t, h.client, func(e interface{}) bool {
			switch e.(type) {
			case *MutualInterestEvent, *MatchFoundEvent:
				return true
			}
			return false
		})
		if _, done := e.(*MatchFoundEvent); done {
			break
		}
		mutualSeen++
	}
	require.Equal(1, mutualSeen)

	// The session's story is exactly four durable events.
	events, err := h.client.Store().SessionEvents(sid)
	require.NoError(err)
	require.Len(events, 4)
	require.Equal(eventstore.KindSessionCreated, events[0].Kind)
	require.Equal(eventstore.KindLikeSubmitted, events[1].Kind)
	require.Equal(eventstore.KindLikeSubmitted, events[2].Kind)
	require.Equal(eventstore.KindMatchFound, events[3].Kind)
	require.Equal(h.alice, events[1].Payload.Actor)
	require.Equal(h.bob, events[2].Payload.Actor)

	for _, id := range []ledger.Identity{h.alice, h.bob} {
		matches, err := h.client.Store().MatchesFor(id)
		require.NoError(err)
		require.Equal([]uint64{sid}, matches)
	}
}

func TestNegativeDecisionStaysLocal(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, 5000)
	ctx := context.Background()

	sid, err := h.client.OpenSession(ctx, h.bob)
	require.NoError(err)
	require.NoError(h.client.SubmitLike(ctx, sid, false))

	// The pass is durable locally...
	events, err := h.client.Store().SessionEvents(sid)
	require.NoError(err)
	var decision *eventstore.Event
	for _, e := range events {
		if e.Kind == eventstore.KindLikeSubmitted {
			decision = e
		}
	}
	require.NotNil(decision)
	require.False(decision.Payload.IsLike)

	// ...but never reached the network: the session account's encrypted
	// state is untouched.
	sess, err := h.net.Session(ctx, sid)
	require.NoError(err)
	var zero [32]byte
	for _, field := range sess.EncryptedState {
		require.Equal(zero, field)
	}

	h.peerLike(t, sid, true)
	result, err := h.client.CheckMutualMatch(ctx, sid)
	require.NoError(err)
	require.False(result.IsMatch)
	require.Equal(ledger.SessionStatusOneSided, result.SessionStatus)
}

func TestLikeAfterVerdictRejected(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, 5000)
	ctx := context.Background()

	sid, err := h.client.OpenSession(ctx, h.bob)
	require.NoError(err)
	_, err = h.client.CheckMutualMatch(ctx, sid)
	require.NoError(err)

	err = h.client.SubmitLike(ctx, sid, true)
	require.ErrorIs(err, ErrSessionFinalized)
}

func TestDuplicateVerdictSuppressed(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, 5000)
	ctx := context.Background()

	sid, err := h.client.OpenSession(ctx, h.bob)
	require.NoError(err)
	require.NoError(h.client.SubmitLike(ctx, sid, true))
	h.peerLike(t, sid, true)
	awaitSink(t, h.client, func(e interface{}) bool {
		ev, ok := e.(*LikeRecordedEvent)
		return ok && ev.LikeStatus == ledger.LikeStatusMutual
	})

	h.net.DuplicateNextNotification()
	result, err := h.client.CheckMutualMatch(ctx, sid)
	require.NoError(err)
	require.True(result.IsMatch)

	awaitSink(t, h.client, func(e interface{}) bool {
		_, ok := e.(*MatchFoundEvent)
		return ok
	})

	// Both deliveries were observed but only one verdict was appended.
	require.Eventually(func() bool {
		events, err := h.client.Store().SessionEvents(sid)
		if err != nil {
			return false
		}
		terminal := 0
		for _, e := range events {
			if e.Kind.IsTerminal() {
				terminal++
			}
		}
		return terminal == 1
	}, 5*time.Second, 20*time.Millisecond)

	// And the sink saw exactly one MatchFoundEvent; give the duplicate a
	// moment to surface if it incorrectly would.
	select {
	case e := <-h.client.EventSink:
		_, isMatch := e.(*MatchFoundEvent)
		require.False(isMatch, "duplicate verdict reached the sink")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEvaluationTimeoutDoesNotFabricateResult(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, 100)
	ctx := context.Background()

	sid, err := h.client.OpenSession(ctx, h.bob)
	require.NoError(err)
	require.NoError(h.client.SubmitLike(ctx, sid, true))

	h.net.HoldNotifications()
	_, err = h.client.CheckMutualMatch(ctx, sid)
	require.ErrorIs(err, ErrTimeout)

	// No verdict was invented locally.
	final, err := h.client.Store().HasTerminalEvent(sid)
	require.NoError(err)
	require.False(final)

	// The late delivery is applied exactly once.
	h.net.ReleaseNotifications()
	awaitSink(t, h.client, func(e interface{}) bool {
		_, ok := e.(*NoMatchEvent)
		return ok
	})
	final, err = h.client.Store().HasTerminalEvent(sid)
	require.NoError(err)
	require.True(final)

	// A second check is answered from the log, no timeout involved.
	result, err := h.client.CheckMutualMatch(ctx, sid)
	require.NoError(err)
	require.False(result.IsMatch)
	require.Equal(ledger.SessionStatusOneSided, result.SessionStatus)
}

func TestScoreCompatibility(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, 5000)

	// Seeking a different relationship type than one's own must be
	// representable; the circuit scores on the profile types.
	mine := &CompatibilityAttributes{
		PreferredAgeMin: 25, PreferredAgeMax: 35, PreferredRelationship: 2,
		Age: 30, InterestsCount: 5, LocationScore: 20, RelationshipType: 1,
	}
	theirs := &CompatibilityAttributes{
		PreferredAgeMin: 28, PreferredAgeMax: 40, PreferredRelationship: 1,
		Age: 33, InterestsCount: 7, LocationScore: 20, RelationshipType: 1,
	}
	score, err := h.client.ScoreCompatibility(context.Background(), mine, theirs)
	require.NoError(err)
	require.Equal(uint8(82), score)
}

func TestNotParticipantRejected(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, 2000)
	ctx := context.Background()

	carol, dave := testIdentity(3), testIdentity(4)
	_, _, err := h.net.OpenSession(ctx, &ledger.SessionOpenRequest{
		SessionID: 77,
		PartyA:    carol,
		PartyB:    dave,
		Payer:     carol,
	})
	require.NoError(err)

	err = h.client.SubmitLike(ctx, 77, true)
	require.ErrorIs(err, ErrNotParticipant)
}
