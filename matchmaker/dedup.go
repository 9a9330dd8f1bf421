// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package matchmaker

import "sync"

// dedup suppresses duplicate deliveries of at-least-once notifications.
// Keys are grouped by session so that a finalized session's entries can be
// dropped, keeping the set bounded by the number of in-flight sessions
// instead of growing for the process lifetime.
type dedup struct {
	sync.Mutex
	bySession map[uint64]map[string]struct{}
}

func newDedup() *dedup {
	return &dedup{
		bySession: make(map[uint64]map[string]struct{}),
	}
}

// testAndSet records the key and reports whether it was already present.
func (d *dedup) testAndSet(sessionID uint64, key string) bool {
	d.Lock()
	defer d.Unlock()

	keys, ok := d.bySession[sessionID]
	if !ok {
		keys = make(map[string]struct{})
		d.bySession[sessionID] = keys
	}
	if _, seen := keys[key]; seen {
		return true
	}
	keys[key] = struct{}{}
	return false
}

// forget drops all keys for a session.  Called once the session has a
// durable terminal event; later duplicates are caught against the event
// log itself.
func (d *dedup) forget(sessionID uint64) {
	d.Lock()
	defer d.Unlock()
	delete(d.bySession, sessionID)
}
