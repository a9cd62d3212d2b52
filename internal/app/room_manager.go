package app

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type RoomManagerImpl struct {
	engine core.MediaEngine
	opts   []core.RoomOption

	// OnCreate runs once for every new room, before it is handed out.
	OnCreate func(*core.Room)

	mu    sync.RWMutex
	rooms map[domain.RoomID]*core.Room
}

func NewRoomManager(engine core.MediaEngine, opts ...core.RoomOption) *RoomManagerImpl {
	return &RoomManagerImpl{
		engine: engine,
		opts:   opts,
		rooms:  make(map[domain.RoomID]*core.Room),
	}
}

// GetOrCreate returns the room, creating its router on first use. Creation
// holds the manager lock so two joins never race two routers into existence.
func (f *RoomManagerImpl) GetOrCreate(ctx context.Context, id domain.RoomID) (*core.Room, error) {
	f.mu.RLock()
	room, ok := f.rooms[id]
	f.mu.RUnlock()
	if ok {
		return room, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[id]; ok {
		return room, nil
	}
	router, err := f.engine.NewRouter(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("module", "app.rooms").Str("room", string(id)).Msg("create router")
		return nil, domain.EngineErrorf(err, "create router for room %s", id)
	}
	room = core.NewRoom(id, router, f.opts...)
	if f.OnCreate != nil {
		f.OnCreate(room)
	}
	f.rooms[id] = room
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room created")
	return room, nil
}

func (f *RoomManagerImpl) Get(id domain.RoomID) (*core.Room, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

func (f *RoomManagerImpl) List() []domain.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.RoomInfo, 0, len(f.rooms))
	for id, r := range f.rooms {
		out = append(out, domain.RoomInfo{ID: id, PeerCount: r.PeerCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopRoom forgets the room and closes it.
func (f *RoomManagerImpl) StopRoom(id domain.RoomID) {
	f.mu.Lock()
	room, ok := f.rooms[id]
	delete(f.rooms, id)
	f.mu.Unlock()
	if ok {
		room.Close()
	}
}

// Rooms returns every live room, for metrics and shutdown.
func (f *RoomManagerImpl) Rooms() []*core.Room {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*core.Room, 0, len(f.rooms))
	for _, r := range f.rooms {
		out = append(out, r)
	}
	return out
}
