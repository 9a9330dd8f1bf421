// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdering(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	require.Equal(0, q.Len())
	require.Nil(q.Peek())
	require.Nil(q.Dequeue())

	q.Enqueue(30, "c")
	q.Enqueue(10, "a")
	q.Enqueue(20, "b")
	require.Equal(3, q.Len())

	e := q.Peek()
	require.NotNil(e)
	require.Equal(uint64(10), e.Priority)
	require.Equal("a", e.Value)

	for i, expected := range []string{"a", "b", "c"} {
		e := q.Dequeue()
		require.NotNil(e, "entry %d", i)
		require.Equal(expected, e.Value)
	}
	require.Equal(0, q.Len())
}

func TestPriorityQueueDuplicatePriorities(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	for i := 0; i < 16; i++ {
		q.Enqueue(42, i)
	}
	require.Equal(16, q.Len())
	seen := make(map[int]bool)
	for q.Len() > 0 {
		e := q.Dequeue()
		require.Equal(uint64(42), e.Priority)
		seen[e.Value.(int)] = true
	}
	require.Len(seen, 16)
}
