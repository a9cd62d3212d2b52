// Package coretest provides a scripted in-memory Media Engine for tests.
package coretest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

var ErrClosed = errors.New("closed")

var seq atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, seq.Add(1))
}

type Engine struct {
	mu      sync.Mutex
	Routers map[domain.RoomID]*Router
}

func NewEngine() *Engine {
	return &Engine{Routers: make(map[domain.RoomID]*Router)}
}

func (e *Engine) NewRouter(_ context.Context, room domain.RoomID) (core.MediaRouter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := NewRouter()
	e.Routers[room] = r
	return r, nil
}

func (e *Engine) Router(room domain.RoomID) *Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Routers[room]
}

// Router is a fake router. Exported fields script its behavior and must be
// set before use.
type Router struct {
	// CreateErr fails every CreateTransport call.
	CreateErr error
	// Incompatible lists producers CanConsume refuses.
	Incompatible map[domain.ProducerID]bool
	// ObserveErr fails ObserveAudio.
	ObserveErr error
	// DuringCreate runs inside CreateTransport, before the transport is returned.
	DuringCreate func(peer domain.PeerID)

	mu         sync.Mutex
	transports map[domain.TransportID]*Transport
	producers  map[domain.ProducerID]*Producer
	consumers  map[domain.ConsumerID]*Consumer
	observed   []domain.ProducerID
	onAudio    func(core.AudioLevelEvent)
	closed     bool

	createCtxErr error
}

func NewRouter() *Router {
	return &Router{
		Incompatible: make(map[domain.ProducerID]bool),
		transports:   make(map[domain.TransportID]*Transport),
		producers:    make(map[domain.ProducerID]*Producer),
		consumers:    make(map[domain.ConsumerID]*Consumer),
	}
}

func (r *Router) RTPCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2}]}`)
}

func (r *Router) CreateTransport(ctx context.Context, peer domain.PeerID, dir domain.Direction) (core.MediaTransport, error) {
	r.mu.Lock()
	r.createCtxErr = ctx.Err()
	r.mu.Unlock()
	if r.CreateErr != nil {
		return nil, r.CreateErr
	}
	t := &Transport{
		id:     domain.TransportID(nextID("transport")),
		router: r,
		Peer:   peer,
		Dir:    dir,
	}
	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	if r.DuringCreate != nil {
		r.DuringCreate(peer)
	}
	return t, nil
}

// CreateCtxErr is the context error seen by the last CreateTransport.
func (r *Router) CreateCtxErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createCtxErr
}

func (r *Router) CanConsume(producer domain.ProducerID, _ json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.producers[producer]; !ok {
		return false
	}
	return !r.Incompatible[producer]
}

func (r *Router) ObserveAudio(producer domain.ProducerID) error {
	if r.ObserveErr != nil {
		return r.ObserveErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = append(r.observed, producer)
	return nil
}

func (r *Router) Observed() []domain.ProducerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ProducerID(nil), r.observed...)
}

func (r *Router) OnAudioLevel(fn func(core.AudioLevelEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAudio = fn
}

// EmitAudioLevel fires the audio-level callback synchronously.
func (r *Router) EmitAudioLevel(ev core.AudioLevelEvent) {
	r.mu.Lock()
	fn := r.onAudio
	r.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *Router) Transport(id domain.TransportID) *Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transports[id]
}

func (r *Router) Producer(id domain.ProducerID) *Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[id]
}

func (r *Router) Consumer(id domain.ConsumerID) *Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumers[id]
}

type Transport struct {
	id     domain.TransportID
	router *Router
	Peer   domain.PeerID
	Dir    domain.Direction

	// ConnectErr, ProduceErr and ConsumeErr fail the matching call.
	ConnectErr error
	ProduceErr error
	ConsumeErr error
	// DuringConsume runs inside Consume, before the consumer is returned.
	DuringConsume func()

	mu       sync.Mutex
	connects []core.ConnectParams
	closed   bool
	onClose  func()
	closeCnt int
}

func (t *Transport) ID() domain.TransportID { return t.id }

func (t *Transport) Params() core.TransportParams {
	return core.TransportParams{
		ID:             t.id,
		ICEParameters:  json.RawMessage(`{"usernameFragment":"u","password":"p"}`),
		ICECandidates:  json.RawMessage(`[]`),
		DTLSParameters: json.RawMessage(`{"role":"auto","fingerprints":[]}`),
	}
}

func (t *Transport) Connect(_ context.Context, p core.ConnectParams) error {
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.connects = append(t.connects, p)
	return nil
}

func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.connects)
}

func (t *Transport) Produce(_ context.Context, o core.ProduceOptions) (core.MediaProducer, error) {
	if t.ProduceErr != nil {
		return nil, t.ProduceErr
	}
	p := &Producer{
		id:        domain.ProducerID(nextID("producer")),
		kind:      o.Kind,
		transport: t,
		paused:    o.Paused,
		AppData:   o.AppData,
	}
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, o core.ConsumeOptions) (core.MediaConsumer, error) {
	if t.ConsumeErr != nil {
		return nil, t.ConsumeErr
	}
	t.router.mu.Lock()
	src, ok := t.router.producers[o.ProducerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("producer %s: %w", o.ProducerID, ErrClosed)
	}
	c := &Consumer{
		id:        domain.ConsumerID(nextID("consumer")),
		kind:      src.kind,
		producer:  src,
		transport: t,
		paused:    o.Paused,
		AppData:   o.AppData,
	}
	t.router.mu.Lock()
	t.router.consumers[c.id] = c
	t.router.mu.Unlock()
	if t.DuringConsume != nil {
		t.DuringConsume()
	}
	return c, nil
}

// Close closes the transport and fires transportclose on every producer
// and consumer it carries, the way a real engine cascades.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closeCnt++
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.router.mu.Lock()
	var ps []*Producer
	var cs []*Consumer
	for _, p := range t.router.producers {
		if p.transport == t {
			ps = append(ps, p)
		}
	}
	for _, c := range t.router.consumers {
		if c.transport == t {
			cs = append(cs, c)
		}
	}
	t.router.mu.Unlock()

	for _, p := range ps {
		p.closeWith(func(p *Producer) func() { return p.onTransportClose })
	}
	for _, c := range cs {
		c.closeWith(func(c *Consumer) func() { return c.onTransportClose })
	}
	return nil
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCnt
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

// Fail simulates the engine closing the transport on its own.
func (t *Transport) Fail() {
	t.mu.Lock()
	fn := t.onClose
	t.mu.Unlock()
	_ = t.Close()
	if fn != nil {
		fn()
	}
}

type Producer struct {
	id        domain.ProducerID
	kind      domain.MediaKind
	transport *Transport
	AppData   core.AppData

	// PauseErr fails Pause and Resume.
	PauseErr error

	mu               sync.Mutex
	paused           bool
	closed           bool
	onTransportClose func()
	onClose          func()
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) Pause(context.Context) error {
	if p.PauseErr != nil {
		return p.PauseErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *Producer) Resume(context.Context) error {
	if p.PauseErr != nil {
		return p.PauseErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Close() error {
	p.closeWith(func(*Producer) func() { return nil })
	return nil
}

func (p *Producer) closeWith(pick func(*Producer) func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	fn := pick(p)
	p.mu.Unlock()

	r := p.transport.router
	r.mu.Lock()
	delete(r.producers, p.id)
	var cs []*Consumer
	for _, c := range r.consumers {
		if c.producer == p {
			cs = append(cs, c)
		}
	}
	r.mu.Unlock()

	if fn != nil {
		fn()
	}
	for _, c := range cs {
		c.closeWith(func(c *Consumer) func() { return c.onProducerClose })
	}
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransportClose = fn
}

func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = fn
}

// Fail simulates the engine closing the producer on its own.
func (p *Producer) Fail() {
	p.closeWith(func(p *Producer) func() { return p.onClose })
}

type Consumer struct {
	id        domain.ConsumerID
	kind      domain.MediaKind
	producer  *Producer
	transport *Transport
	AppData   core.AppData

	// PauseErr fails Pause and Resume.
	PauseErr error

	mu               sync.Mutex
	paused           bool
	closed           bool
	preferred        *core.ConsumerLayers
	onTransportClose func()
	onProducerClose  func()
	onLayers         func(*core.ConsumerLayers)
}

func (c *Consumer) ID() domain.ConsumerID  { return c.id }
func (c *Consumer) Kind() domain.MediaKind { return c.kind }

func (c *Consumer) RTPParameters() json.RawMessage {
	return json.RawMessage(`{"codecs":[],"encodings":[{"ssrc":1234}]}`)
}

func (c *Consumer) Type() string { return "simple" }

func (c *Consumer) ProducerPaused() bool { return c.producer.Paused() }

func (c *Consumer) Pause(context.Context) error {
	if c.PauseErr != nil {
		return c.PauseErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *Consumer) Resume(context.Context) error {
	if c.PauseErr != nil {
		return c.PauseErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// SetPreferredLayers rejects negative layers like the pion engine does.
func (c *Consumer) SetPreferredLayers(_ context.Context, l core.ConsumerLayers) error {
	if l.SpatialLayer < 0 {
		return fmt.Errorf("invalid spatial layer %d", l.SpatialLayer)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preferred = &l
	return nil
}

func (c *Consumer) Preferred() *core.ConsumerLayers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferred
}

func (c *Consumer) Close() error {
	c.closeWith(func(*Consumer) func() { return nil })
	return nil
}

func (c *Consumer) closeWith(pick func(*Consumer) func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := pick(c)
	c.mu.Unlock()

	r := c.transport.router
	r.mu.Lock()
	delete(r.consumers, c.id)
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransportClose = fn
}

func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = fn
}

func (c *Consumer) OnLayersChange(fn func(*core.ConsumerLayers)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLayers = fn
}

// EmitLayers fires the layerschange callback synchronously.
func (c *Consumer) EmitLayers(l *core.ConsumerLayers) {
	c.mu.Lock()
	fn := c.onLayers
	c.mu.Unlock()
	if fn != nil {
		fn(l)
	}
}
