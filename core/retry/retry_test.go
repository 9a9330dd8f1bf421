// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	calls := 0
	err := Do(nil, Config{MaxAttempts: 3, Delay: time.Millisecond}, func() error {
		calls++
		return nil
	})
	require.NoError(err)
	require.Equal(1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	boom := errors.New("boom")
	calls := 0
	err := Do(nil, Config{MaxAttempts: 3, Delay: time.Millisecond}, func() error {
		calls++
		return boom
	})
	require.Equal(boom, err)
	require.Equal(3, calls)
}

func TestDoEventualSuccess(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	calls := 0
	err := Do(nil, Config{MaxAttempts: 5, Delay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(err)
	require.Equal(3, calls)
}

func TestDoAbortStopsRetrying(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	broke := errors.New("broke")
	calls := 0
	err := Do(nil, Config{MaxAttempts: 5, Delay: time.Millisecond}, func() error {
		calls++
		return Abort(broke)
	})
	require.Equal(broke, err)
	require.Equal(1, calls)
}

func TestDoHaltAborts(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	halt := make(chan interface{})
	close(halt)
	boom := errors.New("boom")
	calls := 0
	err := Do(halt, Config{MaxAttempts: 10, Delay: time.Hour}, func() error {
		calls++
		return boom
	})
	require.Equal(boom, err)
	require.Equal(1, calls)
}
