package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/core/coretest"
	"github.com/dkeye/huddle/internal/domain"
)

type nopSignal struct{}

func (nopSignal) TrySend(core.Frame) error { return nil }
func (nopSignal) Close()                   {}

func TestRegistryPeerBinding(t *testing.T) {
	r := NewRegistry()
	canceled := false
	r.BindSignal("s1", nopSignal{}, func() { canceled = true })
	r.BindSignal("s2", nopSignal{}, nil)

	_, _, ok := r.PeerOf("s1")
	assert.False(t, ok, "no peer before join")
	assert.False(t, r.BindPeer("ghost", "main", "alice"))

	require.True(t, r.BindPeer("s1", "main", "alice"))
	require.True(t, r.BindPeer("s2", "main", "bob"))

	room, peer, ok := r.PeerOf("s1")
	require.True(t, ok)
	assert.Equal(t, domain.RoomID("main"), room)
	assert.Equal(t, domain.PeerID("alice"), peer)
	assert.Len(t, r.MembersOfRoom("main"), 2)
	assert.Equal(t, []core.SessionID{"s1"}, r.SessionsOfPeer("main", "alice"))

	r.UnbindPeer("s2")
	assert.Len(t, r.MembersOfRoom("main"), 1)
	_, ok = r.GetSignal("s2")
	assert.True(t, ok, "signal survives unbinding the peer")

	assert.True(t, r.Cancel("s1"))
	assert.True(t, canceled)
	r.Unbind("s1")
	assert.False(t, r.Cancel("s1"))
	assert.Equal(t, 1, r.Len())
}

type failingEngine struct{}

func (failingEngine) NewRouter(context.Context, domain.RoomID) (core.MediaRouter, error) {
	return nil, errors.New("no worker")
}

func TestRoomManager(t *testing.T) {
	engine := coretest.NewEngine()
	m := NewRoomManager(engine)
	created := 0
	m.OnCreate = func(*core.Room) { created++ }
	ctx := context.Background()

	a, err := m.GetOrCreate(ctx, "main")
	require.NoError(t, err)
	b, err := m.GetOrCreate(ctx, "main")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, created)
	assert.NotNil(t, engine.Router("main"))

	_ = a.Update(func(s *core.Store) error {
		s.AddPeer(domain.NewPeer("alice", 1))
		return nil
	})
	_, err = m.GetOrCreate(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, []domain.RoomInfo{{ID: "main", PeerCount: 1}, {ID: "other", PeerCount: 0}}, m.List())

	m.StopRoom("other")
	_, ok := m.Get("other")
	assert.False(t, ok)
	assert.Len(t, m.Rooms(), 1)
	m.StopRoom("main")

	_, err = NewRoomManager(failingEngine{}).GetOrCreate(ctx, "main")
	assert.ErrorIs(t, err, domain.ErrEngine)
}

func TestPolicyByName(t *testing.T) {
	assert.Equal(t, DropFrame, PolicyByName("drop").OnBackPressure(nil, "s"))
	assert.Equal(t, KickMember, PolicyByName("kick").OnBackPressure(nil, "s"))
	assert.Equal(t, KickMember, PolicyByName("").OnBackPressure(nil, "s"))
}
