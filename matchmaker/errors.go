// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package matchmaker

import (
	"errors"

	"github.com/cloakmatch/cloakmatch/core/retry"
	"github.com/cloakmatch/cloakmatch/ledger"
)

var (
	// ErrHalted is returned when an operation is interrupted by client
	// shutdown.
	ErrHalted = errors.New("matchmaker: client was halted")

	// ErrNotConnected is returned when no identity is available to sign
	// submissions with.  Fatal to any protocol call.
	ErrNotConnected = errors.New("matchmaker: no identity available")

	// ErrEnvironmentNotInitialized is returned when the confidential
	// computation network has not published its encryption key after the
	// bounded fetch attempts.  Recoverable: the caller may construct the
	// client again later.
	ErrEnvironmentNotInitialized = errors.New("matchmaker: computation environment not initialized")

	// ErrTimeout is returned when a confidential computation result does
	// not arrive within the configured deadline.  No result is ever
	// synthesized locally.
	ErrTimeout = errors.New("matchmaker: timed out awaiting computation result")

	// ErrSelfSession is returned when opening a session with oneself.
	ErrSelfSession = errors.New("matchmaker: cannot open a session with yourself")

	// ErrNotParticipant is returned when operating on a session the
	// client's identity is not a party to.
	ErrNotParticipant = errors.New("matchmaker: not a party to this session")

	// ErrSessionFinalized is returned when submitting a decision to a
	// session that already has its verdict.
	ErrSessionFinalized = errors.New("matchmaker: session already finalized")
)

// classifySubmitError marks ledger errors that retrying cannot fix so the
// retry loop surfaces them immediately instead of burning attempts.
func classifySubmitError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, ledger.ErrSessionNotFound) ||
		errors.Is(err, ledger.ErrSessionExists) {
		return retry.Abort(err)
	}
	return err
}
