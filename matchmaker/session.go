// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package matchmaker

import (
	"errors"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/cloakmatch/cloakmatch/core/monotime"
	"github.com/cloakmatch/cloakmatch/core/retry"
	"github.com/cloakmatch/cloakmatch/eventstore"
	"github.com/cloakmatch/cloakmatch/ledger"
)

const sessionIDJitter = 4096

// sessionEpoch anchors the monotonic clock to civil time so identifiers
// derived from it are comparable across processes.
var sessionEpoch = time.Now().UnixNano() - int64(monotime.Now())

// newSessionID derives a session identifier from the monotonic clock
// plus a small random jitter so concurrent opens from different clients
// do not collide.  Uniqueness is all that matters, ordering comes from
// the event log.
func newSessionID() uint64 {
	return uint64(sessionEpoch+int64(monotime.Now())) + uint64(rand.NewMath().Intn(sessionIDJitter))
}

// doOpenSession runs on the worker goroutine.  It returns either the
// session identifier as uint64 or an error.
func (c *Client) doOpenSession(op *opOpenSession) interface{} {
	if op.peer == c.identity {
		return ErrSelfSession
	}

	// Find-before-create keeps session opening idempotent: a concurrent
	// or earlier open for the same pair is adopted instead of duplicated.
	existing, err := c.ldg.FindSession(op.ctx, c.identity, op.peer)
	if err == nil {
		return c.adoptSession(existing, op.peer)
	}
	if !errors.Is(err, ledger.ErrNoSession) {
		return err
	}

	req := &ledger.SessionOpenRequest{
		SessionID: newSessionID(),
		PartyA:    c.identity,
		PartyB:    op.peer,
		Payer:     c.identity,
	}
	if _, err := rand.Reader.Read(req.Nonce[:]); err != nil {
		return err
	}

	var txRef ledger.TransactionRef
	err = retry.Do(c.HaltCh(), c.retryConfig(), func() error {
		var submitErr error
		txRef, _, submitErr = c.ldg.OpenSession(op.ctx, req)
		return classifySubmitError(submitErr)
	})
	if errors.Is(err, ledger.ErrSessionExists) {
		// Lost the open race: another client created a session for this
		// pair between our lookup and our submission.  Switch to theirs.
		existing, findErr := c.ldg.FindSession(op.ctx, c.identity, op.peer)
		if findErr != nil {
			return err
		}
		return c.adoptSession(existing, op.peer)
	}
	if err != nil {
		return err
	}

	sess := &ledger.MatchSession{
		SessionID: req.SessionID,
		PartyA:    req.PartyA,
		PartyB:    req.PartyB,
		Nonce:     req.Nonce,
	}
	if err := c.store.PutSession(sess); err != nil {
		return err
	}
	event, err := c.store.HandleSessionCreated(sess, txRef.String(), eventstore.StatusPending)
	if err != nil {
		return err
	}
	c.pendingOpens[req.SessionID] = event.ID
	sessionsOpened.Inc()
	c.log.Noticef("opened session %d with %s", req.SessionID, op.peer)
	return req.SessionID
}

// adoptSession records an already-open session found on the ledger and
// reports it to the caller as this open's result.
func (c *Client) adoptSession(sess *ledger.MatchSession, peer ledger.Identity) interface{} {
	if err := c.store.PutSession(sess); err != nil {
		c.log.Errorf("failed to store session snapshot: %s", err)
	}
	c.emit(&SessionOpenedEvent{
		SessionID: sess.SessionID,
		Peer:      peer,
		Reused:    true,
	})
	return sess.SessionID
}
