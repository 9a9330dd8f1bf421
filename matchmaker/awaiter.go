// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package matchmaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/cloakmatch/cloakmatch/ledger"
)

// computationAwaiter is the single blocking primitive for confidential
// computation results.  A caller registers interest under a key before
// submitting the computation, then awaits the notification the worker
// routes back.  On timeout the registration is withdrawn and the caller
// gets ErrTimeout; the result itself is never synthesized, and a late
// notification is still applied by the worker like any other.
type computationAwaiter struct {
	waiters sync.Map // string -> chan ledger.Notification
}

func sessionKey(sessionID uint64) string {
	return fmt.Sprintf("session/%d", sessionID)
}

func computationKey(ref ledger.ComputationRef) string {
	return "comp/" + ref.String()
}

// register creates a waiter slot for the key.  The returned channel has a
// one element buffer so delivery never blocks the worker.
func (a *computationAwaiter) register(key string) chan ledger.Notification {
	ch := make(chan ledger.Notification, 1)
	a.waiters.Store(key, ch)
	return ch
}

// cancel withdraws a waiter slot.
func (a *computationAwaiter) cancel(key string) {
	a.waiters.Delete(key)
}

// deliver routes a notification to the registered waiter, if any.
func (a *computationAwaiter) deliver(key string, n ledger.Notification) bool {
	v, ok := a.waiters.LoadAndDelete(key)
	if !ok {
		return false
	}
	v.(chan ledger.Notification) <- n
	return true
}

// await blocks until the waiter's notification arrives, the timeout
// passes, or the halt channel closes.
func (a *computationAwaiter) await(key string, ch chan ledger.Notification, timeout time.Duration, haltCh <-chan interface{}) (ledger.Notification, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case n := <-ch:
		return n, nil
	case <-timer.C:
		a.cancel(key)
		return ledger.Notification{}, ErrTimeout
	case <-haltCh:
		a.cancel(key)
		return ledger.Notification{}, ErrHalted
	}
}
