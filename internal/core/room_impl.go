package core

import (
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
)

// Room owns the Store of one room and serializes every access to it.
// Engine events are queued with Post and run one at a time, in order.
// It never closes adapter-owned resources.
type Room struct {
	id     domain.RoomID
	router MediaRouter

	mu    sync.Mutex
	store *Store

	events *workerpool.WorkerPool
	now    func() time.Time

	hookMu   sync.Mutex
	onChange func()

	closeOnce sync.Once
}

type RoomOption func(*Room)

func WithClock(now func() time.Time) RoomOption {
	return func(r *Room) { r.now = now }
}

func WithTombstones(n int) RoomOption {
	return func(r *Room) { r.store = NewStore(n) }
}

func NewRoom(id domain.RoomID, router MediaRouter, opts ...RoomOption) *Room {
	r := &Room{
		id:     id,
		router: router,
		store:  NewStore(DefaultTombstones),
		events: workerpool.New(1),
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Room) ID() domain.RoomID { return r.id }

func (r *Room) Router() MediaRouter { return r.router }

// NowMs is the room clock in unix milliseconds.
func (r *Room) NowMs() int64 { return r.now().UnixMilli() }

// View runs fn with the store locked. fn must not call into the engine.
func (r *Room) View(fn func(s *Store)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.store)
}

// Update runs fn with the store locked and returns its error.
// fn must not call into the engine.
func (r *Room) Update(fn func(s *Store) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.store)
}

// Post queues fn behind every previously posted event.
func (r *Room) Post(fn func()) {
	if r.events.Stopped() {
		return
	}
	r.events.Submit(func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Str("module", "core.room").Str("room", string(r.id)).Interface("panic", rec).Msg("room event panicked")
			}
		}()
		fn()
	})
}

// OnChange sets the hook run after an engine event changed what members see.
func (r *Room) OnChange(fn func()) {
	r.hookMu.Lock()
	r.onChange = fn
	r.hookMu.Unlock()
}

// Changed runs the OnChange hook, if any.
func (r *Room) Changed() {
	r.hookMu.Lock()
	fn := r.onChange
	r.hookMu.Unlock()
	if fn != nil {
		fn()
	}
}

// Flush blocks until every event posted before the call has run.
func (r *Room) Flush() {
	if r.events.Stopped() {
		return
	}
	r.events.SubmitWait(func() {})
}

func (r *Room) Snapshot() domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Snapshot()
}

func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.store.peers)
}

// Close drains the event queue and closes the router.
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		r.events.StopWait()
		if r.router != nil {
			if err := r.router.Close(); err != nil {
				log.Error().Err(err).Str("module", "core.room").Str("room", string(r.id)).Msg("router close")
			}
		}
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Msg("room closed")
	})
}

// Counts reports collection sizes of the store.
func (r *Room) Counts() (peers, transports, producers, consumers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Counts()
}
