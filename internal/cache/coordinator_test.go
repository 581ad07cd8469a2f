package cache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/chat-stream-kit/internal/cache"
)

func TestCoordinatorCommitCurrentSequence(t *testing.T) {
	coord := cache.NewCoordinator()

	seq := coord.Begin("messages:c1")
	applied := false
	require.True(t, coord.Commit("messages:c1", seq, func() { applied = true }))
	require.True(t, applied)
}

func TestCoordinatorSupersededFetchNeverCommits(t *testing.T) {
	coord := cache.NewCoordinator()

	first := coord.Begin("messages:c1")
	second := coord.Begin("messages:c1")

	// The older fetch completes after the newer one started; its result is stale regardless of
	// which finishes first.
	require.False(t, coord.Commit("messages:c1", first, func() {
		t.Error("superseded fetch must not apply")
	}))

	applied := false
	require.True(t, coord.Commit("messages:c1", second, func() { applied = true }))
	require.True(t, applied)

	// A sequence commits at most once against further Begins.
	require.True(t, coord.Commit("messages:c1", second, func() {}))
	coord.Begin("messages:c1")
	require.False(t, coord.Commit("messages:c1", second, func() {
		t.Error("stale sequence must not apply")
	}))
}

func TestCoordinatorKeysAreIndependent(t *testing.T) {
	coord := cache.NewCoordinator()

	a := coord.Begin("profile:u1")
	coord.Begin("messages:c1")

	require.True(t, coord.Commit("profile:u1", a, func() {}))
}

func TestCoordinatorInvalidateAllBumpsEveryKey(t *testing.T) {
	coord := cache.NewCoordinator()

	a := coord.Begin("profile:u1")
	b := coord.Begin("messages:c1")

	coord.InvalidateAll()

	require.False(t, coord.Commit("profile:u1", a, func() {
		t.Error("fetch from before logout must not apply")
	}))
	require.False(t, coord.Commit("messages:c1", b, func() {
		t.Error("fetch from before logout must not apply")
	}))

	// Fetches started after the invalidation proceed normally.
	c := coord.Begin("profile:u1")
	require.True(t, coord.Commit("profile:u1", c, func() {}))
}
