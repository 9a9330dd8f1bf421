// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package matchmaker

import (
	"context"

	"github.com/cloakmatch/cloakmatch/core/retry"
	"github.com/cloakmatch/cloakmatch/ledger"
	"github.com/cloakmatch/cloakmatch/profile"
)

// RegisterProfile validates and registers this identity's profile.  The
// record's sealed payloads must already be encrypted by the caller; the
// register path never sees their plaintext.
func (c *Client) RegisterProfile(ctx context.Context, rec *ledger.ProfileRecord) error {
	rec.Owner = c.identity
	if err := profile.Validate(rec); err != nil {
		return err
	}
	return retry.Do(c.HaltCh(), c.retryConfig(), func() error {
		_, err := c.ldg.RegisterProfile(ctx, rec)
		return classifySubmitError(err)
	})
}

// LookupProfile fetches an identity's public profile record.
func (c *Client) LookupProfile(ctx context.Context, id ledger.Identity) (*ledger.ProfileRecord, error) {
	return c.ldg.LookupProfile(ctx, id)
}
