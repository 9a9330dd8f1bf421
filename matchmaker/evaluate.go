// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package matchmaker

import (
	"github.com/cloakmatch/cloakmatch/core/retry"
	"github.com/cloakmatch/cloakmatch/crypto/envelope"
	"github.com/cloakmatch/cloakmatch/ledger"
)

// compatibilityFields is the per-party tuple width: five preference
// fields followed by four profile fields.
const compatibilityFields = 9

// CompatibilityAttributes is one party's plaintext input to the
// compatibility circuit.  It is sealed before leaving the device.
type CompatibilityAttributes struct {
	PreferredAgeMin       uint8
	PreferredAgeMax       uint8
	PreferredInterests    uint8
	LocationPreference    uint8
	PreferredRelationship uint8

	Age              uint8
	InterestsCount   uint8
	LocationScore    uint8
	RelationshipType uint8
}

func (a *CompatibilityAttributes) fields() [compatibilityFields]uint8 {
	return [compatibilityFields]uint8{
		a.PreferredAgeMin,
		a.PreferredAgeMax,
		a.PreferredInterests,
		a.LocationPreference,
		a.PreferredRelationship,
		a.Age,
		a.InterestsCount,
		a.LocationScore,
		a.RelationshipType,
	}
}

// doSubmitEvaluation runs on the worker goroutine.  It registers the
// waiter slot before replying so the verdict notification cannot slip
// past the caller, then submits the evaluation.
func (c *Client) doSubmitEvaluation(op *opSubmitEvaluation) interface{} {
	sess, err := c.lookupSession(op.ctx, op.sessionID)
	if err != nil {
		return err
	}
	if !sess.Contains(c.identity) {
		return ErrNotParticipant
	}

	key := sessionKey(op.sessionID)
	ch := c.awaiter.register(key)

	req := &ledger.EvaluationRequest{
		SessionID: op.sessionID,
		Payer:     c.identity,
	}
	copy(req.OwnerKey[:], c.evalPub.Bytes())

	err = retry.Do(c.HaltCh(), c.retryConfig(), func() error {
		_, _, submitErr := c.ldg.SubmitEvaluation(op.ctx, req)
		return classifySubmitError(submitErr)
	})
	if err != nil {
		c.awaiter.cancel(key)
		return err
	}
	return &awaitTicket{key: key, ch: ch}
}

// doSubmitCompatibility runs on the worker goroutine, sealing both
// parties' tuples under one envelope.
func (c *Client) doSubmitCompatibility(op *opSubmitCompatibility) interface{} {
	plain := make([][envelope.PlaintextFieldSize]byte, 0, 2*compatibilityFields)
	for _, attrs := range []*CompatibilityAttributes{op.mine, op.theirs} {
		for _, v := range attrs.fields() {
			var f [envelope.PlaintextFieldSize]byte
			f[0] = v
			plain = append(plain, f)
		}
	}

	sealed, senderPublic, nonce, err := c.cipher.SealFields(plain)
	if err != nil {
		return err
	}
	req := &ledger.CompatibilityRequest{
		SenderPublic: senderPublic,
		Nonce:        nonce,
		Payer:        c.identity,
	}
	copy(req.FieldsA[:], sealed[:compatibilityFields])
	copy(req.FieldsB[:], sealed[compatibilityFields:])

	var compRef ledger.ComputationRef
	err = retry.Do(c.HaltCh(), c.retryConfig(), func() error {
		var submitErr error
		_, compRef, submitErr = c.ldg.SubmitCompatibility(op.ctx, req)
		return classifySubmitError(submitErr)
	})
	if err != nil {
		return err
	}

	// The waiter is registered after submission because the computation
	// reference is only known now; this is safe because notifications are
	// dispatched by this same goroutine, which is still here.
	key := computationKey(compRef)
	return &awaitTicket{key: key, ch: c.awaiter.register(key)}
}
