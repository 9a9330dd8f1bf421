// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package matchmaker

import (
	"github.com/cloakmatch/cloakmatch/eventstore"
	"github.com/cloakmatch/cloakmatch/ledger"
)

func (c *Client) worker() {
	notifyCh := c.ldg.Notifications()
	for {
		select {
		case <-c.HaltCh():
			c.log.Debug("Terminating gracefully.")
			return
		case qo := <-c.opCh:
			switch op := qo.(type) {
			case *opOpenSession:
				op.responseChan <- c.doOpenSession(op)
			case *opSubmitLike:
				op.responseChan <- c.doSubmitLike(op)
			case *opSubmitEvaluation:
				op.responseChan <- c.doSubmitEvaluation(op)
			case *opSubmitCompatibility:
				op.responseChan <- c.doSubmitCompatibility(op)
			case *opSettleCheck:
				c.doSettleCheck(op.sessionID)
			default:
				c.log.Warningf("Unknown operation type %T", op)
			}
		case n, ok := <-notifyCh:
			if !ok {
				notifyCh = nil
				continue
			}
			c.handleNotification(&n)
		}
	}
}

func (c *Client) handleNotification(n *ledger.Notification) {
	c.log.Debugf("notification: %s for session %d", n.Kind, n.SessionID)
	switch n.Kind {
	case ledger.NotificationSessionOpened:
		c.onSessionOpened(n)
	case ledger.NotificationLikeRecorded:
		c.onLikeRecorded(n)
	case ledger.NotificationMutualInterest:
		c.onMutualInterest(n)
	case ledger.NotificationMatchFound, ledger.NotificationNoMatch:
		c.onVerdict(n)
	case ledger.NotificationCompatibilityScored:
		c.onCompatibilityScored(n)
	default:
		c.log.Warningf("Ignoring notification kind %s", n.Kind)
	}
}

// peerOf returns the other party of a notification's session, or the
// notification's PartyA when this identity is not involved.
func (c *Client) peerOf(n *ledger.Notification) ledger.Identity {
	if n.PartyA == c.identity {
		return n.PartyB
	}
	return n.PartyA
}

func (c *Client) onSessionOpened(n *ledger.Notification) {
	if c.dedup.testAndSet(n.SessionID, "session-opened") {
		duplicateNotifications.Inc()
		return
	}
	if eventID, ok := c.pendingOpens[n.SessionID]; ok {
		delete(c.pendingOpens, n.SessionID)
		if err := c.store.PatchStatus(eventID, eventstore.StatusCompleted, n.ComputationRef.String()); err != nil {
			c.log.Errorf("failed to patch session event %d: %s", eventID, err)
		}
	}
	c.emit(&SessionOpenedEvent{
		SessionID: n.SessionID,
		Peer:      c.peerOf(n),
	})
}

func (c *Client) onLikeRecorded(n *ledger.Notification) {
	if c.dedup.testAndSet(n.SessionID, "like-recorded/"+n.ComputationRef.String()) {
		duplicateNotifications.Inc()
		return
	}

	sess := c.sessionFor(n)
	if eventID, ok := c.pendingLikes[n.SessionID]; ok {
		// Acknowledgement of this identity's own submission.
		delete(c.pendingLikes, n.SessionID)
		status := eventstore.StatusCompleted
		if n.LikeStatus == ledger.LikeStatusRejected {
			status = eventstore.StatusFailed
		}
		if err := c.store.PatchStatus(eventID, status, n.ComputationRef.String()); err != nil {
			c.log.Errorf("failed to patch like event %d: %s", eventID, err)
		}
	} else if n.LikeStatus != ledger.LikeStatusRejected {
		// The peer's decision reached the session.  Only positive
		// decisions are ever submitted, so this records a like.
		peer := c.peerOf(n)
		_, err := c.store.HandleLikeSubmitted(sess, peer, c.identity, true, n.ComputationRef.String(), eventstore.StatusCompleted)
		if err != nil {
			c.log.Errorf("failed to record peer like: %s", err)
		}
	}
	c.emit(&LikeRecordedEvent{SessionID: n.SessionID, LikeStatus: n.LikeStatus})

	if n.LikeStatus == ledger.LikeStatusMutual {
		c.raiseMutualInterest(n.SessionID, true)
	}
}

func (c *Client) onMutualInterest(n *ledger.Notification) {
	c.raiseMutualInterest(n.SessionID, true)
}

// raiseMutualInterest emits the mutual interest event exactly once per
// session, whether triggered optimistically or by the network.
func (c *Client) raiseMutualInterest(sessionID uint64, authoritative bool) {
	if c.dedup.testAndSet(sessionID, "mutual-interest") {
		duplicateNotifications.Inc()
		return
	}
	c.emit(&MutualInterestEvent{SessionID: sessionID, Authoritative: authoritative})
}

func (c *Client) onVerdict(n *ledger.Notification) {
	alreadyFinal, err := c.store.HasTerminalEvent(n.SessionID)
	if err != nil {
		c.log.Errorf("terminal event lookup failed: %s", err)
		return
	}
	if c.dedup.testAndSet(n.SessionID, "verdict") || alreadyFinal {
		duplicateNotifications.Inc()
		if alreadyFinal {
			// The log already holds the verdict, but a blocked
			// checker may still be waiting on this delivery.
			c.awaiter.deliver(sessionKey(n.SessionID), *n)
			return
		}
	}

	sess := c.sessionFor(n)
	if n.Kind == ledger.NotificationMatchFound {
		_, err = c.store.HandleMatchFound(sess, n.CanStartConversation, n.ComputationRef.String())
	} else {
		_, err = c.store.HandleNoMatch(sess, n.SessionStatus, n.ComputationRef.String())
	}
	if err != nil {
		c.log.Errorf("failed to record verdict: %s", err)
		return
	}

	sess.IsFinalized = true
	sess.MatchFound = n.Kind == ledger.NotificationMatchFound
	if err := c.store.PutSession(sess); err != nil {
		c.log.Errorf("failed to update session snapshot: %s", err)
	}
	delete(c.pendingLikes, n.SessionID)
	delete(c.pendingOpens, n.SessionID)
	c.dedup.forget(n.SessionID)

	c.awaiter.deliver(sessionKey(n.SessionID), *n)

	if !alreadyFinal {
		if n.Kind == ledger.NotificationMatchFound {
			matchesFound.Inc()
			c.emit(&MatchFoundEvent{
				SessionID:            n.SessionID,
				Peer:                 c.peerOf(n),
				CanStartConversation: n.CanStartConversation,
			})
		} else {
			c.emit(&NoMatchEvent{
				SessionID:     n.SessionID,
				SessionStatus: n.SessionStatus,
			})
		}
	}
}

func (c *Client) onCompatibilityScored(n *ledger.Notification) {
	if !c.awaiter.deliver(computationKey(n.ComputationRef), *n) {
		duplicateNotifications.Inc()
		return
	}
	c.emit(&CompatibilityScoredEvent{
		ComputationRef: n.ComputationRef,
		Score:          n.Score,
	})
}

// sessionFor resolves a notification's session snapshot, falling back to
// the notification's own fields when the local snapshot is missing.
func (c *Client) sessionFor(n *ledger.Notification) *ledger.MatchSession {
	sess, err := c.store.Session(n.SessionID)
	if err == nil {
		return sess
	}
	return &ledger.MatchSession{
		SessionID: n.SessionID,
		PartyA:    n.PartyA,
		PartyB:    n.PartyB,
	}
}
