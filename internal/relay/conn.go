package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// Socket is a message-framed text transport owned by one connection.
// ReadText and WriteText are each called from a single goroutine; Close may be called concurrently.
type Socket interface {
	ReadText() (string, error)
	WriteText(msg string) error
	Close() error
}

var (
	ErrIDCollision = errors.New("connection id collision")
	ErrRoomClosed  = errors.New("room closed")
)

type connState int

const (
	stateNew connState = iota
	stateKeyed
	stateSecured
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateKeyed:
		return "keyed"
	case stateSecured:
		return "secured"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// conn is owned by the room loop; only sendCh, ctx and sock are touched from other goroutines.
type conn struct {
	id       string
	sock     Socket
	state    connState
	lastSeen time.Time
	shared   []byte
	channel  string

	sendCh chan string
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *conn) secured() bool {
	return c.state == stateSecured && len(c.shared) > 0
}

func (c *conn) inChannel(channel string) bool {
	return c.secured() && c.channel != "" && c.channel == channel
}

// connRegistry tracks every live connection of a room.
type connRegistry struct {
	conns map[string]*conn
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[string]*conn)}
}

func (r *connRegistry) register(c *conn) error {
	if c.id == "" {
		return errors.New("connection id is required")
	}
	if _, exists := r.conns[c.id]; exists {
		return ErrIDCollision
	}
	r.conns[c.id] = c
	return nil
}

func (r *connRegistry) get(id string) *conn {
	return r.conns[id]
}

func (r *connRegistry) live(c *conn) bool {
	return c != nil && r.conns[c.id] == c
}

// remove deletes c only if it is the connection registered under its id.
func (r *connRegistry) remove(c *conn) bool {
	if !r.live(c) {
		return false
	}
	delete(r.conns, c.id)
	return true
}

func (r *connRegistry) idle(now time.Time, timeout time.Duration) []*conn {
	if timeout <= 0 {
		return nil
	}
	var out []*conn
	for _, c := range r.conns {
		if now.Sub(c.lastSeen) > timeout {
			out = append(out, c)
		}
	}
	return out
}

func (r *connRegistry) all() []*conn {
	out := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *connRegistry) len() int {
	return len(r.conns)
}

func generateConnID() (string, error) {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
