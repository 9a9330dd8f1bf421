// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package matchmaker implements the client side of the confidential
// mutual-match protocol: session lifecycle, encrypted decision submission,
// and match evaluation against a ledger-backed computation network.
package matchmaker

import (
	"context"
	"fmt"
	"time"

	"github.com/katzenpost/hpqc/nike"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/cloakmatch/cloakmatch/core/log"
	"github.com/cloakmatch/cloakmatch/core/retry"
	"github.com/cloakmatch/cloakmatch/core/worker"
	"github.com/cloakmatch/cloakmatch/crypto/envelope"
	"github.com/cloakmatch/cloakmatch/eventstore"
	"github.com/cloakmatch/cloakmatch/ledger"
	"github.com/cloakmatch/cloakmatch/matchmaker/config"
)

// Client is the mutual-match protocol client.  All state mutation happens
// on its worker goroutine; the exported methods submit operations to it
// and block for the reply.
type Client struct {
	worker.Worker

	cfg      *config.Config
	identity ledger.Identity
	ldg      ledger.Ledger
	store    *eventstore.Store
	cipher   *envelope.Cipher

	evalPub  nike.PublicKey
	evalPriv nike.PrivateKey

	eventCh   channels.Channel
	EventSink chan interface{}
	opCh      chan interface{}

	awaiter    computationAwaiter
	dedup      *dedup
	timerQueue *TimerQueue

	// pending operation event IDs awaiting their network acknowledgement,
	// touched only from the worker goroutine.
	pendingOpens map[uint64]uint64
	pendingLikes map[uint64]uint64

	logBackend *log.Backend
	log        *logging.Logger
}

type opOpenSession struct {
	ctx          context.Context
	peer         ledger.Identity
	responseChan chan interface{}
}

type opSubmitLike struct {
	ctx          context.Context
	sessionID    uint64
	like         bool
	responseChan chan interface{}
}

type opSubmitEvaluation struct {
	ctx          context.Context
	sessionID    uint64
	responseChan chan interface{}
}

type opSubmitCompatibility struct {
	ctx          context.Context
	mine, theirs *CompatibilityAttributes
	responseChan chan interface{}
}

type opSettleCheck struct {
	sessionID uint64
}

// awaitTicket is the worker's reply to an operation whose result arrives
// asynchronously: the waiter slot is registered on the worker goroutine
// before any notification for it can be dispatched.
type awaitTicket struct {
	key string
	ch  chan ledger.Notification
}

// New constructs a Client.  The network's encryption key is fetched up
// front; without it no decision can be sealed, so construction fails
// rather than leaving a client that could be tempted to send plaintext.
func New(ctx context.Context, cfg *config.Config, logBackend *log.Backend, identity ledger.Identity, ldg ledger.Ledger, store *eventstore.Store) (*Client, error) {
	if identity == (ledger.Identity{}) {
		return nil, ErrNotConnected
	}

	var networkKey []byte
	keyRetry := retry.Config{
		MaxAttempts: cfg.Debug.RetryAttempts,
		Delay:       cfg.Debug.RetryDelay(),
	}
	err := retry.Do(nil, keyRetry, func() error {
		var fetchErr error
		networkKey, fetchErr = ldg.NetworkKey(ctx)
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvironmentNotInitialized, err)
	}
	cipher, err := envelope.New(networkKey)
	if err != nil {
		return nil, err
	}
	evalPub, evalPriv, err := envelope.Scheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:          cfg,
		identity:     identity,
		ldg:          ldg,
		store:        store,
		cipher:       cipher,
		evalPub:      evalPub,
		evalPriv:     evalPriv,
		eventCh:      channels.NewInfiniteChannel(),
		EventSink:    make(chan interface{}),
		opCh:         make(chan interface{}, 8),
		dedup:        newDedup(),
		pendingOpens: make(map[uint64]uint64),
		pendingLikes: make(map[uint64]uint64),
		logBackend:   logBackend,
		log:          logBackend.GetLogger("matchmaker"),
	}
	c.timerQueue = NewTimerQueue(func(v interface{}) {
		select {
		case c.opCh <- v:
		case <-c.HaltCh():
		}
	})
	return c, nil
}

// Identity returns the client's identity.
func (c *Client) Identity() ledger.Identity {
	return c.identity
}

// Store returns the client's event store for read-only queries.
func (c *Client) Store() *eventstore.Store {
	return c.store
}

// Start starts the client's workers.
func (c *Client) Start() {
	c.timerQueue.Start()
	c.Go(c.eventSinkWorker)
	c.Go(c.worker)
}

// Shutdown cleanly stops the client and zeroizes the evaluation key.
func (c *Client) Shutdown() {
	c.Halt()
	c.timerQueue.Halt()
	c.evalPriv.Reset()
}

func (c *Client) eventSinkWorker() {
	defer close(c.EventSink)
	for {
		var event interface{}
		select {
		case <-c.HaltCh():
			return
		case event = <-c.eventCh.Out():
		}
		select {
		case <-c.HaltCh():
			return
		case c.EventSink <- event:
		}
	}
}

func (c *Client) emit(event Event) {
	c.eventCh.In() <- event
}

func (c *Client) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: c.cfg.Debug.RetryAttempts,
		Delay:       c.cfg.Debug.RetryDelay(),
	}
}

// sendOp submits an operation to the worker and returns its reply.
func (c *Client) sendOp(ctx context.Context, op interface{}, responseChan chan interface{}) (interface{}, error) {
	select {
	case c.opCh <- op:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.HaltCh():
		return nil, ErrHalted
	}
	select {
	case resp := <-responseChan:
		return resp, nil
	case <-c.HaltCh():
		return nil, ErrHalted
	}
}

// OpenSession finds or creates the match session between this client's
// identity and peer.  Calling it twice for the same peer while the first
// session is unfinalized yields the same session, not a second one.
func (c *Client) OpenSession(ctx context.Context, peer ledger.Identity) (uint64, error) {
	op := &opOpenSession{
		ctx:          ctx,
		peer:         peer,
		responseChan: make(chan interface{}, 1),
	}
	resp, err := c.sendOp(ctx, op, op.responseChan)
	if err != nil {
		return 0, err
	}
	switch v := resp.(type) {
	case error:
		return 0, v
	case uint64:
		return v, nil
	}
	return 0, ErrHalted
}

// SubmitLike records this identity's decision for a session.  A positive
// decision is sealed and submitted to the network; a negative one is
// recorded locally and never leaves the device.
func (c *Client) SubmitLike(ctx context.Context, sessionID uint64, like bool) error {
	op := &opSubmitLike{
		ctx:          ctx,
		sessionID:    sessionID,
		like:         like,
		responseChan: make(chan interface{}, 1),
	}
	resp, err := c.sendOp(ctx, op, op.responseChan)
	if err != nil {
		return err
	}
	if e, ok := resp.(error); ok {
		return e
	}
	return nil
}

// CheckMutualMatch requests the session's confidential evaluation and
// blocks until the revealed verdict arrives, the configured timeout
// passes, or ctx is done.  A session that already has its durable verdict
// is answered from the event log without touching the network.
func (c *Client) CheckMutualMatch(ctx context.Context, sessionID uint64) (*ledger.MatchResult, error) {
	if result, err := c.storedResult(sessionID); err == nil {
		return result, nil
	}

	op := &opSubmitEvaluation{
		ctx:          ctx,
		sessionID:    sessionID,
		responseChan: make(chan interface{}, 1),
	}
	resp, err := c.sendOp(ctx, op, op.responseChan)
	if err != nil {
		return nil, err
	}
	switch v := resp.(type) {
	case error:
		return nil, v
	case *awaitTicket:
		n, err := c.awaiter.await(v.key, v.ch, c.cfg.Debug.ResultTimeout(), c.HaltCh())
		if err != nil {
			if err == ErrTimeout {
				computationTimeouts.Inc()
			}
			return nil, err
		}
		return resultFromNotification(&n), nil
	}
	return nil, ErrHalted
}

// ScoreCompatibility seals both parties' preference and profile tuples
// and blocks for the revealed aggregate score.
func (c *Client) ScoreCompatibility(ctx context.Context, mine, theirs *CompatibilityAttributes) (uint8, error) {
	op := &opSubmitCompatibility{
		ctx:          ctx,
		mine:         mine,
		theirs:       theirs,
		responseChan: make(chan interface{}, 1),
	}
	resp, err := c.sendOp(ctx, op, op.responseChan)
	if err != nil {
		return 0, err
	}
	switch v := resp.(type) {
	case error:
		return 0, v
	case *awaitTicket:
		n, err := c.awaiter.await(v.key, v.ch, c.cfg.Debug.ResultTimeout(), c.HaltCh())
		if err != nil {
			if err == ErrTimeout {
				computationTimeouts.Inc()
			}
			return 0, err
		}
		return n.Score, nil
	}
	return 0, ErrHalted
}

func resultFromNotification(n *ledger.Notification) *ledger.MatchResult {
	result := &ledger.MatchResult{
		IsMatch:              n.Kind == ledger.NotificationMatchFound,
		CanStartConversation: n.CanStartConversation,
		SessionStatus:        n.SessionStatus,
	}
	if result.IsMatch {
		result.MatchedAt = n.Timestamp
	}
	return result
}

// storedResult answers a match check from the durable event log.
func (c *Client) storedResult(sessionID uint64) (*ledger.MatchResult, error) {
	events, err := c.store.SessionEvents(sessionID)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if !e.Kind.IsTerminal() {
			continue
		}
		result := &ledger.MatchResult{
			IsMatch:              e.Kind == eventstore.KindMatchFound,
			CanStartConversation: e.Payload.CanStartConversation,
			SessionStatus:        e.Payload.SessionStatus,
		}
		if result.IsMatch {
			result.MatchedAt = e.Timestamp
		}
		return result, nil
	}
	return nil, ledger.ErrSessionNotFound
}

// settleDeadline returns when a just-submitted decision's local
// mutual-interest check should run.
func (c *Client) settleDeadline() time.Time {
	return time.Now().Add(c.cfg.Debug.SettleDelay())
}
