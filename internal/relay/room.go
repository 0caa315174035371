package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/IIawaII/nodecrypt/internal/crypto/envelope"
	"github.com/IIawaII/nodecrypt/internal/crypto/handshake"
	"github.com/IIawaII/nodecrypt/internal/identity"
	"github.com/IIawaII/nodecrypt/internal/keystore"
)

const (
	defaultIdleTimeout       = 60 * time.Second
	defaultMaxFrameBytes     = 8 * 1024 * 1024
	defaultMaxHandshakeChars = handshake.MaxClientKeyChars
	defaultSendBuffer        = 64
	eventQueueSize           = 256
)

// Options tunes a room actor. Zero values fall back to defaults.
type Options struct {
	IdleTimeout       time.Duration
	KeyRotationAge    time.Duration
	MaxFrameBytes     int
	MaxHandshakeChars int
	SendBuffer        int
	KeyBits           int
	Metrics           *Metrics
	Now               func() time.Time
	NewID             func() (string, error)
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.KeyRotationAge <= 0 {
		o.KeyRotationAge = identity.DefaultMaxAge
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = defaultMaxFrameBytes
	}
	if o.MaxHandshakeChars <= 0 {
		o.MaxHandshakeChars = defaultMaxHandshakeChars
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = generateConnID
	}
	return o
}

// Room is the actor owning all relay state for one room identifier. Every mutation of
// connections and channels runs on the room's single event loop.
type Room struct {
	id       string
	log      *zap.Logger
	identity *identity.Store
	opts     Options
	metrics  *Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan func()
	stopped   chan struct{}
	closeOnce sync.Once

	conns    *connRegistry
	channels *channelRouter

	attached  atomic.Int64
	idleSince atomic.Int64
}

// NewRoom starts the event loop of a room actor. The identity is loaded from backend on
// the first accepted connection.
func NewRoom(id string, backend keystore.KeyBackend, log *zap.Logger, opts Options) *Room {
	opts = opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		id:  id,
		log: log.With(zap.String("room_id", id)),
		identity: identity.NewStore(backend, id,
			identity.WithClock(opts.Now),
			identity.WithMaxAge(opts.KeyRotationAge),
			identity.WithKeyBits(opts.KeyBits),
		),
		opts:     opts,
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan func(), eventQueueSize),
		stopped:  make(chan struct{}),
		conns:    newConnRegistry(),
		channels: newChannelRouter(),
	}
	r.idleSince.Store(opts.Now().UnixNano())
	go r.loop()
	return r
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.id
}

// Close stops the actor, closing every socket and releasing connection state.
func (r *Room) Close() {
	r.closeOnce.Do(r.cancel)
	<-r.stopped
}

// Serve runs one client connection until its socket fails or ctx ends. When the room is
// already closed Serve returns ErrRoomClosed and leaves sock open for the caller.
func (r *Room) Serve(ctx context.Context, sock Socket) error {
	r.attached.Add(1)
	defer func() {
		r.idleSince.Store(r.opts.Now().UnixNano())
		r.attached.Add(-1)
	}()

	var (
		c         *conn
		acceptErr error
	)
	if err := r.call(ctx, func() { c, acceptErr = r.accept(sock) }); err != nil {
		if !errors.Is(err, ErrRoomClosed) {
			_ = sock.Close()
		}
		return err
	}
	if acceptErr != nil {
		_ = sock.Close()
		return acceptErr
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.sender(c)
	}()

	stop := context.AfterFunc(ctx, func() { _ = sock.Close() })
	defer stop()

	for {
		msg, err := sock.ReadText()
		if err != nil {
			break
		}
		if err := r.enqueue(c.ctx, func() { r.handleFrame(c, msg) }); err != nil {
			break
		}
	}

	c.cancel()
	_ = sock.Close()
	_ = r.enqueue(context.Background(), func() { r.depart(c) })
	wg.Wait()
	return nil
}

// Snapshot describes a room's live state. Members maps each connection id to its joined
// channel, "" before a join.
type Snapshot struct {
	RoomID      string
	Connections int
	Secured     int
	Channels    map[string][]string
	Members     map[string]string
	Attached    int64
}

// Snapshot reads the room state through the event loop.
func (r *Room) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := r.call(ctx, func() {
		snap = Snapshot{
			RoomID:      r.id,
			Connections: r.conns.len(),
			Channels:    r.channels.snapshot(),
			Members:     make(map[string]string, r.conns.len()),
		}
		for _, c := range r.conns.all() {
			if c.secured() {
				snap.Secured++
			}
			snap.Members[c.id] = c.channel
		}
	})
	snap.Attached = r.attached.Load()
	return snap, err
}

// idleFor reports how long the room has had no attached sockets.
func (r *Room) idleFor(now time.Time) time.Duration {
	if r.attached.Load() > 0 {
		return 0
	}
	return now.Sub(time.Unix(0, r.idleSince.Load()))
}

func (r *Room) loop() {
	defer close(r.stopped)
	for {
		select {
		case <-r.ctx.Done():
			r.teardown()
			return
		case fn := <-r.events:
			fn()
		}
	}
}

// enqueue schedules fn on the event loop without waiting for it to run.
func (r *Room) enqueue(ctx context.Context, fn func()) error {
	select {
	case r.events <- fn:
		return nil
	case <-r.ctx.Done():
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the event loop and waits for it.
func (r *Room) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := r.enqueue(ctx, func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-r.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrRoomClosed
		}
	}
}

func (r *Room) teardown() {
	for _, c := range r.conns.all() {
		r.closeConn(c)
		r.conns.remove(c)
		zeroBytes(c.shared)
		r.metrics.decConn()
	}
	r.metrics.addChannels(-r.channels.len())
	r.channels = newChannelRouter()
	r.log.Info("room closed")
}

func (r *Room) accept(sock Socket) (*conn, error) {
	start := time.Now()
	defer func() { r.metrics.observeLatency("accept", time.Since(start)) }()

	now := r.opts.Now()
	r.sweepIdle(now)
	r.rotateIfSafe()

	ident, err := r.identity.GetOrCreate(r.ctx)
	if err != nil {
		r.log.Error("room identity unavailable", zap.Error(err))
		return nil, fmt.Errorf("room identity: %w", err)
	}

	id, err := r.opts.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}
	ctx, cancel := context.WithCancel(r.ctx)
	c := &conn{
		id:       id,
		sock:     sock,
		state:    stateNew,
		lastSeen: now,
		sendCh:   make(chan string, r.opts.SendBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	if err := r.conns.register(c); err != nil {
		cancel()
		r.log.Warn("rejecting connection", zap.String("conn_id", id), zap.Error(err))
		return nil, err
	}
	r.metrics.incConn()

	frame, err := json.Marshal(serverKeyFrame{Type: "server-key", Key: ident.PublicKeyBase64()})
	if err != nil {
		r.depart(c)
		return nil, fmt.Errorf("encode server key: %w", err)
	}
	c.state = stateKeyed
	r.push(c, string(frame))

	r.log.Debug("connection accepted", zap.String("conn_id", id))
	return c, nil
}

func (r *Room) handleFrame(c *conn, msg string) {
	if !r.conns.live(c) || c.state == stateClosed {
		return
	}
	c.lastSeen = r.opts.Now()

	if msg == pingFrame {
		r.push(c, pongFrame)
		return
	}

	switch {
	case !c.secured() && len(msg) < r.opts.MaxHandshakeChars:
		r.handshake(c, msg)
	case c.secured() && len(msg) <= r.opts.MaxFrameBytes:
		r.relay(c, msg)
	default:
		r.metrics.recordDrop("oversize")
		r.log.Debug("dropping oversized frame", zap.String("conn_id", c.id), zap.Int("bytes", len(msg)))
	}
}

func (r *Room) handshake(c *conn, msg string) {
	start := time.Now()
	reply, key, err := r.respond(msg)
	r.metrics.observeLatency("handshake", time.Since(start))
	if err != nil {
		r.metrics.recordHandshake("failed")
		r.log.Debug("handshake failed", zap.String("conn_id", c.id), zap.Error(err))
		r.closeConn(c)
		return
	}
	c.shared = key
	c.state = stateSecured
	r.metrics.recordHandshake("ok")
	r.push(c, reply)
}

func (r *Room) respond(msg string) (string, []byte, error) {
	ident, err := r.identity.GetOrCreate(r.ctx)
	if err != nil {
		return "", nil, err
	}
	return handshake.Respond(msg, ident, nil)
}

func (r *Room) relay(c *conn, msg string) {
	start := time.Now()
	var f Frame
	if err := envelope.Open(msg, c.shared, &f); err != nil {
		r.metrics.recordDrop("decrypt")
		r.log.Debug("dropping undecryptable frame", zap.String("conn_id", c.id), zap.Error(err))
		return
	}
	defer f.wipe()
	r.metrics.recordFrame(f.A)

	switch f.A {
	case ActionJoin:
		r.join(c, &f)
		r.metrics.observeLatency("join", time.Since(start))
	case ActionDirect:
		r.direct(c, &f)
		r.metrics.observeLatency("direct", time.Since(start))
	case ActionFanout:
		r.fanout(c, &f)
		r.metrics.observeLatency("fanout", time.Since(start))
	}
}

func (r *Room) join(c *conn, f *Frame) {
	name, ok := f.stringPayload()
	if !ok || name == "" || c.channel != "" {
		r.metrics.recordDrop("invalid_join")
		return
	}
	if len(r.channels.list(name)) == 0 {
		r.metrics.addChannels(1)
	}
	c.channel = name
	r.channels.join(name, c.id)
	r.broadcastMembers(name)
}

func (r *Room) direct(c *conn, f *Frame) {
	body, okBody := f.stringPayload()
	to, okTarget := f.target()
	if !okBody || !okTarget || c.channel == "" {
		r.metrics.recordDrop("invalid_direct")
		return
	}
	target := r.conns.get(to)
	if target == nil || !target.inChannel(c.channel) {
		r.metrics.recordDrop("no_route")
		return
	}
	r.sendEncrypted(target, relayedMessage{A: ActionDirect, P: body, C: c.id})
}

func (r *Room) fanout(c *conn, f *Frame) {
	bodies, ok := f.fanoutPayload()
	if !ok || c.channel == "" {
		r.metrics.recordDrop("invalid_fanout")
		return
	}
	for to, body := range bodies {
		target := r.conns.get(to)
		if target == nil || !target.inChannel(c.channel) {
			r.metrics.recordDrop("no_route")
			continue
		}
		r.sendEncrypted(target, relayedMessage{A: ActionDirect, P: body, C: c.id})
	}
}

// broadcastMembers sends every secured member of channel the list of the other members.
func (r *Room) broadcastMembers(channel string) {
	for _, id := range r.channels.list(channel) {
		m := r.conns.get(id)
		if m == nil || !m.inChannel(channel) {
			continue
		}
		r.sendEncrypted(m, memberList{A: ActionMemberList, P: r.channels.others(channel, id)})
	}
}

func (r *Room) sendEncrypted(c *conn, v any) bool {
	wire, err := envelope.Seal(v, c.shared)
	if err != nil {
		r.metrics.recordDrop("encrypt")
		r.log.Warn("seal envelope", zap.String("conn_id", c.id), zap.Error(err))
		return false
	}
	return r.push(c, wire)
}

// push queues msg without blocking; a full queue closes the connection.
func (r *Room) push(c *conn, msg string) bool {
	if c.state == stateClosed {
		return false
	}
	select {
	case c.sendCh <- msg:
		return true
	default:
		r.metrics.recordDrop("backpressure")
		r.log.Warn("send buffer full; closing connection", zap.String("conn_id", c.id))
		r.closeConn(c)
		return false
	}
}

func (r *Room) sender(c *conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.sendCh:
			if err := c.sock.WriteText(msg); err != nil {
				r.log.Debug("socket write failed", zap.String("conn_id", c.id), zap.Error(err))
				c.cancel()
				_ = c.sock.Close()
				return
			}
		}
	}
}

func (r *Room) closeConn(c *conn) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.cancel()
	_ = c.sock.Close()
}

// sweepIdle evicts stale connections, then sends each affected channel one member list.
func (r *Room) sweepIdle(now time.Time) {
	affected := make(map[string]struct{})
	for _, c := range r.conns.idle(now, r.opts.IdleTimeout) {
		r.log.Debug("evicting idle connection", zap.String("conn_id", c.id))
		r.metrics.recordEviction()
		if ch := r.detach(c); ch != "" {
			affected[ch] = struct{}{}
		}
	}
	for ch := range affected {
		r.broadcastMembers(ch)
	}
}

// depart removes c from its channel and the registry. It runs once per connection.
func (r *Room) depart(c *conn) {
	if !r.conns.live(c) {
		return
	}
	if ch := r.detach(c); ch != "" {
		r.broadcastMembers(ch)
	}
	if r.conns.len() == 0 && r.channels.len() == 0 {
		r.rotateIfSafe()
	}
}

// detach closes c and drops it from its channel and the registry. It returns the channel
// whose remaining members need a new list, or "" when there is none.
func (r *Room) detach(c *conn) string {
	r.closeConn(c)
	ch := c.channel
	if ch != "" && r.channels.leave(ch, c.id) {
		r.metrics.addChannels(-1)
		ch = ""
	}
	r.conns.remove(c)
	zeroBytes(c.shared)
	r.metrics.decConn()
	r.log.Debug("connection closed", zap.String("conn_id", c.id))
	return ch
}

func (r *Room) rotateIfSafe() {
	rotated, err := r.identity.RotateIfSafe(r.ctx, r.conns.len())
	switch {
	case err != nil:
		r.metrics.recordRotation("error")
		r.log.Warn("identity rotation failed", zap.Error(err))
	case rotated:
		r.metrics.recordRotation("rotated")
		r.log.Info("rotated room identity key")
	}
}
