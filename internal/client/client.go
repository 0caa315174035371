// Package client speaks the relay protocol: it verifies the room identity, completes the
// key exchange, and exchanges encrypted envelopes.
package client

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/IIawaII/nodecrypt/internal/crypto/envelope"
	"github.com/IIawaII/nodecrypt/internal/crypto/handshake"
	"github.com/IIawaII/nodecrypt/internal/wsconn"
)

const inboxSize = 64

var (
	ErrClosed          = errors.New("client closed")
	ErrUnexpectedFrame = errors.New("unexpected handshake frame")
)

// Transport is a text-frame connection to the relay.
type Transport interface {
	ReadText() (string, error)
	WriteText(msg string) error
	Close() error
}

// Message is a decrypted frame delivered by the relay, or a pong.
type Message struct {
	Action  string
	From    string
	Body    string
	Members []string
}

// Client is a secured relay session.
type Client struct {
	t         Transport
	log       *zap.Logger
	key       []byte
	serverDER []byte
	serverKey *rsa.PublicKey

	writeMu   sync.Mutex
	inbox     chan Message
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// DialOptions configures Dial.
type DialOptions struct {
	Header       http.Header
	WriteTimeout time.Duration
	ReadLimit    int64
	Logger       *zap.Logger
}

// Dial opens a websocket to url and runs the handshake.
func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn := wsconn.New(ws, wsconn.Options{ReadLimit: opts.ReadLimit, WriteTimeout: opts.WriteTimeout})
	return Handshake(ctx, conn, opts.Logger)
}

// Handshake performs the key exchange over t and starts the receive loop.
// t is closed on failure.
func Handshake(ctx context.Context, t Transport, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	c, err := handshakeOver(t)
	if !stop() {
		err = errors.Join(err, ctx.Err())
	}
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	c.log = log
	go c.readLoop()
	return c, nil
}

func handshakeOver(t Transport) (*Client, error) {
	first, err := t.ReadText()
	if err != nil {
		return nil, fmt.Errorf("read server key: %w", err)
	}
	var frame struct {
		Type string `json:"type"`
		Key  string `json:"key"`
	}
	if err := json.Unmarshal([]byte(first), &frame); err != nil || frame.Type != "server-key" {
		return nil, ErrUnexpectedFrame
	}
	serverKey, err := handshake.ParseServerKey(frame.Key)
	if err != nil {
		return nil, err
	}
	der, _ := base64.StdEncoding.DecodeString(frame.Key)

	kp, err := handshake.GenerateKeyPair(nil)
	if err != nil {
		return nil, err
	}
	if err := t.WriteText(kp.PublicHex()); err != nil {
		return nil, fmt.Errorf("send client key: %w", err)
	}

	reply, err := readSkippingPong(t)
	if err != nil {
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	key, err := kp.Complete(reply, serverKey)
	if err != nil {
		return nil, err
	}
	return &Client{
		t:         t,
		key:       key,
		serverDER: der,
		serverKey: serverKey,
		inbox:     make(chan Message, inboxSize),
		done:      make(chan struct{}),
	}, nil
}

func readSkippingPong(t Transport) (string, error) {
	for {
		msg, err := t.ReadText()
		if err != nil || msg != "pong" {
			return msg, err
		}
	}
}

// ServerKey returns the verified room identity key.
func (c *Client) ServerKey() *rsa.PublicKey {
	return c.serverKey
}

// Fingerprint is the hex SHA-256 of the room identity's SPKI DER.
func (c *Client) Fingerprint() string {
	sum := sha256.Sum256(c.serverDER)
	return hex.EncodeToString(sum[:])
}

// Join enters channel. A connection may join once.
func (c *Client) Join(channel string) error {
	return c.sendEnvelope(map[string]any{"a": "j", "p": channel})
}

// Send delivers body to a single member of the joined channel.
func (c *Client) Send(to, body string) error {
	return c.sendEnvelope(map[string]any{"a": "c", "p": body, "c": to})
}

// Broadcast delivers a distinct body to each listed member.
func (c *Client) Broadcast(bodies map[string]string) error {
	return c.sendEnvelope(map[string]any{"a": "w", "p": bodies})
}

// Ping sends a liveness ping; the reply arrives as a Message with Action "pong".
func (c *Client) Ping() error {
	return c.write("ping")
}

// SendRaw writes an unencrypted frame as-is.
func (c *Client) SendRaw(frame string) error {
	return c.write(frame)
}

// Next waits for the next delivered message.
func (c *Client) Next(ctx context.Context) (Message, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	default:
	}
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.done:
		select {
		case m := <-c.inbox:
			return m, nil
		default:
		}
		return Message{}, c.closedErr()
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Done is closed when the session ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the session.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return c.t.Close()
}

func (c *Client) sendEnvelope(v any) error {
	wire, err := envelope.Seal(v, c.key)
	if err != nil {
		return err
	}
	return c.write(wire)
}

func (c *Client) write(frame string) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.t.WriteText(frame)
}

func (c *Client) readLoop() {
	for {
		msg, err := c.t.ReadText()
		if err != nil {
			if wsconn.IsUnexpectedClose(err) {
				c.log.Debug("relay connection lost", zap.Error(err))
			}
			c.shutdown(err)
			return
		}
		switch msg {
		case "ping":
			_ = c.write("pong")
			continue
		case "pong":
			c.deliver(Message{Action: "pong"})
			continue
		}

		var in struct {
			A string          `json:"a"`
			P json.RawMessage `json:"p"`
			C string          `json:"c"`
		}
		if err := envelope.Open(msg, c.key, &in); err != nil {
			c.log.Debug("dropping undecryptable frame", zap.Error(err))
			continue
		}
		out := Message{Action: in.A, From: in.C}
		switch in.A {
		case "l":
			if err := json.Unmarshal(in.P, &out.Members); err != nil {
				continue
			}
		case "c":
			if err := json.Unmarshal(in.P, &out.Body); err != nil {
				continue
			}
		default:
			continue
		}
		c.deliver(out)
	}
}

func (c *Client) deliver(m Message) {
	select {
	case c.inbox <- m:
	case <-c.done:
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

func (c *Client) closedErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}
