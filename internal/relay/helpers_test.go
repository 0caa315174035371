package relay

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/IIawaII/nodecrypt/internal/client"
	"github.com/IIawaII/nodecrypt/internal/keystore"
)

// pipeEnd is one side of an in-memory text socket. Closing either side closes both.
type pipeEnd struct {
	recv   <-chan string
	send   chan<- string
	closed chan struct{}
	once   *sync.Once
}

func newPipe(buffer int) (*pipeEnd, *pipeEnd) {
	ab := make(chan string, buffer)
	ba := make(chan string, buffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{recv: ba, send: ab, closed: closed, once: once},
		&pipeEnd{recv: ab, send: ba, closed: closed, once: once}
}

func (p *pipeEnd) ReadText() (string, error) {
	select {
	case m := <-p.recv:
		return m, nil
	case <-p.closed:
		return "", io.EOF
	}
}

func (p *pipeEnd) WriteText(msg string) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.send <- msg:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeEnd) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zapcore.WarnLevel))
}

func newTestRoom(t *testing.T, backend keystore.KeyBackend, opts Options) (*Room, *testClock) {
	t.Helper()
	clock := newTestClock()
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	opts.KeyBits = 1024
	if backend == nil {
		backend = keystore.NewMemoryBackend()
	}
	room := NewRoom("room-1", backend, quietLogger(t), opts)
	t.Cleanup(room.Close)
	return room, clock
}

func connect(t *testing.T, room *Room) *client.Client {
	t.Helper()
	srv, cli := newPipe(256)
	go func() { _ = room.Serve(context.Background(), srv) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Handshake(ctx, cli, zap.NewNop())
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func expectMessage(t *testing.T, c *client.Client, action string) client.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("waiting for %q: %v", action, err)
	}
	if m.Action != action {
		t.Fatalf("expected action %q, got %+v", action, m)
	}
	return m
}

func expectNoMessage(t *testing.T, c *client.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if m, err := c.Next(ctx); err == nil {
		t.Fatalf("expected no message, got %+v", m)
	}
}

// roundTrip pings c and waits for the pong, which orders all prior frames from c.
func roundTrip(t *testing.T, c *client.Client) {
	t.Helper()
	if err := c.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	expectMessage(t, c, "pong")
}

// joinPair joins a and b to channel and returns their connection ids as seen by each other.
func joinPair(t *testing.T, a, b *client.Client, channel string) (aID, bID string) {
	t.Helper()
	if err := a.Join(channel); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if l := expectMessage(t, a, ActionMemberList); len(l.Members) != 0 {
		t.Fatalf("first member should see empty list, got %v", l.Members)
	}
	if err := b.Join(channel); err != nil {
		t.Fatalf("join b: %v", err)
	}
	la := expectMessage(t, a, ActionMemberList)
	lb := expectMessage(t, b, ActionMemberList)
	if len(la.Members) != 1 || len(lb.Members) != 1 {
		t.Fatalf("expected single peer lists, got %v and %v", la.Members, lb.Members)
	}
	return lb.Members[0], la.Members[0]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func snapshot(t *testing.T, room *Room) Snapshot {
	t.Helper()
	snap, err := room.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}
