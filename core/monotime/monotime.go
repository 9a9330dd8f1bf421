// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package monotime implements a monotonic clock.
package monotime

import (
	"time"
)

var epoch = time.Now()

// Now returns the current time as measured by a monotonic clock source.  The
// value is unrelated to civil time, and should only be used for measuring
// relative time intervals and deriving collision-resistant identifiers.
func Now() time.Duration {
	return time.Since(epoch)
}
