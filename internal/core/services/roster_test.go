package services

import (
	"fmt"
	"math/rand"
	"testing"

	"rillcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func remoteHandle(id string) *StreamHandle {
	return NewRemoteHandle(fakeRemote{id: domain.StreamID(id), uid: 1}, nil, zap.NewNop().Sugar())
}

func TestRoster_AddRemoveKeepsOrder(t *testing.T) {
	r := NewRoster()
	require.NoError(t, r.Add(remoteHandle("a")))
	require.NoError(t, r.Add(remoteHandle("b")))
	require.NoError(t, r.Add(remoteHandle("c")))

	_, ok := r.Remove("b")
	assert.True(t, ok)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, domain.StreamID("a"), snap[0].StreamID)
	assert.Equal(t, domain.StreamID("c"), snap[1].StreamID)
}

func TestRoster_RejectsDuplicates(t *testing.T) {
	r := NewRoster()
	require.NoError(t, r.Add(remoteHandle("7")))
	assert.ErrorIs(t, r.Add(remoteHandle("7")), domain.ErrStreamExists)
	assert.Equal(t, 1, r.Len())
}

func TestRoster_RemoveUnknown(t *testing.T) {
	r := NewRoster()
	_, ok := r.Remove("nope")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRoster_RemoveWhere(t *testing.T) {
	r := NewRoster()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Add(remoteHandle(fmt.Sprint(i))))
	}
	removed := r.RemoveWhere(func(h *StreamHandle) bool { return h.ID() == "1" || h.ID() == "3" })
	require.Len(t, removed, 2)
	assert.Equal(t, 3, r.Len())
	assert.False(t, r.Has("1"))
	assert.True(t, r.Has("4"))
}

func TestRoster_SizeMatchesAddsMinusRemoves(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		r := NewRoster()
		model := map[string]bool{}
		for step := 0; step < 200; step++ {
			id := fmt.Sprint(rng.Intn(10))
			if rng.Intn(2) == 0 {
				err := r.Add(remoteHandle(id))
				assert.Equal(t, model[id], err != nil)
				model[id] = true
			} else {
				_, ok := r.Remove(domain.StreamID(id))
				assert.Equal(t, model[id], ok)
				delete(model, id)
			}

			require.Equal(t, len(model), r.Len())
			seen := map[domain.StreamID]bool{}
			for _, s := range r.Snapshot() {
				require.False(t, seen[s.StreamID])
				seen[s.StreamID] = true
			}
		}
	}
}
