// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package matchmaker

import (
	"context"
	"errors"
	"time"

	"github.com/cloakmatch/cloakmatch/crypto/envelope"
	"github.com/cloakmatch/cloakmatch/eventstore"
	"github.com/cloakmatch/cloakmatch/ledger"
)

// doSubmitLike runs on the worker goroutine.
func (c *Client) doSubmitLike(op *opSubmitLike) interface{} {
	sess, err := c.lookupSession(op.ctx, op.sessionID)
	if err != nil {
		return err
	}
	if !sess.Contains(c.identity) {
		return ErrNotParticipant
	}
	final, err := c.store.HasTerminalEvent(op.sessionID)
	if err != nil {
		return err
	}
	if sess.IsFinalized || final {
		return ErrSessionFinalized
	}
	target := sess.Peer(c.identity)

	if !op.like {
		// A pass is recorded locally and never submitted: the network
		// cannot distinguish "declined" from "has not decided yet".
		_, err := c.store.HandleLikeSubmitted(sess, c.identity, target, false, "", eventstore.StatusCompleted)
		if err != nil {
			return err
		}
		likesLocalOnly.Inc()
		return nil
	}

	env, err := c.cipher.EncryptDecision(&envelope.Decision{
		ActorID:   c.identity.NumericID(),
		TargetID:  target.NumericID(),
		Like:      true,
		Timestamp: uint64(time.Now().Unix()),
	})
	if err != nil {
		return err
	}

	// The decision is durable before it is on the wire, so a crash
	// between submission and acknowledgement cannot lose it.
	event, err := c.store.HandleLikeSubmitted(sess, c.identity, target, true, "", eventstore.StatusPending)
	if err != nil {
		return err
	}

	req := &ledger.DecisionRequest{
		SessionID:    op.sessionID,
		Fields:       env.Fields,
		SenderPublic: env.SenderPublic,
		Nonce:        env.Nonce,
		Payer:        c.identity,
	}
	// A decision envelope is never resubmitted: sealing again under fresh
	// randomness would produce a second, indistinguishable decision
	// record.  Failures are surfaced instead.
	txRef, _, err := c.ldg.SubmitDecision(op.ctx, req)
	if err != nil {
		if patchErr := c.store.PatchStatus(event.ID, eventstore.StatusFailed, ""); patchErr != nil {
			c.log.Errorf("failed to mark like event failed: %s", patchErr)
		}
		c.emit(&LikeNotSentEvent{SessionID: op.sessionID, Err: err})
		return err
	}

	if err := c.store.PatchStatus(event.ID, eventstore.StatusProcessing, txRef.String()); err != nil {
		c.log.Errorf("failed to patch like event %d: %s", event.ID, err)
	}
	c.pendingLikes[op.sessionID] = event.ID
	likesSubmitted.Inc()
	c.emit(&LikeQueuedEvent{SessionID: op.sessionID, Target: target})

	// Give the network time to settle, then check locally whether both
	// parties have registered interest.
	c.timerQueue.Push(c.settleDeadline(), &opSettleCheck{sessionID: op.sessionID})
	return nil
}

// doSettleCheck runs the optimistic mutual-interest check.  It reads only
// the local log; the authoritative verdict still requires an evaluation.
func (c *Client) doSettleCheck(sessionID uint64) {
	final, err := c.store.HasTerminalEvent(sessionID)
	if err != nil || final {
		return
	}
	events, err := c.store.SessionEvents(sessionID)
	if err != nil {
		c.log.Errorf("settle check failed for session %d: %s", sessionID, err)
		return
	}

	var likers []ledger.Identity
	for _, e := range events {
		if e.Kind != eventstore.KindLikeSubmitted || !e.Payload.IsLike || e.Status == eventstore.StatusFailed {
			continue
		}
		seen := false
		for _, id := range likers {
			if id == e.Payload.Actor {
				seen = true
			}
		}
		if !seen {
			likers = append(likers, e.Payload.Actor)
		}
	}
	if len(likers) >= 2 {
		c.raiseMutualInterest(sessionID, false)
	}
}

// lookupSession resolves a session from the local snapshot, falling back
// to the ledger account and caching it.
func (c *Client) lookupSession(ctx context.Context, sessionID uint64) (*ledger.MatchSession, error) {
	sess, err := c.store.Session(sessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ledger.ErrSessionNotFound) {
		return nil, err
	}
	sess, err = c.ldg.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if putErr := c.store.PutSession(sess); putErr != nil {
		c.log.Errorf("failed to cache session snapshot: %s", putErr)
	}
	return sess, nil
}
