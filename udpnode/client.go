// Package udpnode speaks a small JSON-over-UDP DHT protocol. Client drives a
// remote node through the dht.Node contract; Server is the responder used for
// end-to-end runs.
package udpnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weiihann/kadbench/dht"
	"github.com/weiihann/kadbench/stats"
)

// DefaultTimeout bounds a single RPC.
const DefaultTimeout = 2 * time.Second

// ClientConfig describes the remote node.
type ClientConfig struct {
	Addr    string
	Timeout time.Duration
	Logger  *slog.Logger
}

type pending struct {
	op      string
	target  dht.Key
	start   time.Time
	cb      dht.Callback
	timer   *time.Timer
	stopCtx func() bool
}

// Client is a dht.Node backed by a remote Server.
type Client struct {
	conn    *net.UDPConn
	remote  *net.UDPAddr
	self    dht.Contact
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*pending
	closed   bool

	timingsMu sync.Mutex
	timings   map[string]*stats.Accumulator

	readStopped chan struct{}
}

// Dial binds a local socket and starts the read loop. No packet is sent.
func Dial(cfg ClientConfig) (*Client, error) {
	remote, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Addr, err)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	id, err := dht.RandomKey()
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		conn:        conn,
		remote:      remote,
		self:        dht.Contact{ID: id, Address: conn.LocalAddr().String()},
		timeout:     timeout,
		logger:      logger.With(slog.String("component", "udpnode"), slog.String("remote", remote.String())),
		inflight:    make(map[string]*pending),
		timings:     make(map[string]*stats.Accumulator),
		readStopped: make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// ID returns the client's own identifier.
func (c *Client) ID() dht.Key {
	return c.self.ID
}

// LookupContact asks the remote node for target. The callback payload is the
// matching contact.
func (c *Client) LookupContact(ctx context.Context, target dht.Key, _ bool, cb dht.Callback) {
	c.call(ctx, dht.OpLookupContact, c.remote, target, envelope{
		Type:     msgFindNode,
		TargetID: target.String(),
	}, cb)
}

// Ping sends a PING to contact's address.
func (c *Client) Ping(ctx context.Context, contact dht.Contact, cb dht.Callback) {
	dst, err := net.ResolveUDPAddr("udp", contact.Address)
	if err != nil {
		c.logger.Debug("unresolvable contact", slog.String("address", contact.Address))
		cb(dht.Response{})

		return
	}

	c.call(ctx, dht.OpPing, dst, contact.ID, envelope{
		Type:     msgPing,
		TargetID: contact.ID.String(),
	}, cb)
}

// StoreValue stores raw bytes under key.
func (c *Client) StoreValue(ctx context.Context, key dht.Key, value []byte, ttl time.Duration, cb dht.Callback) {
	c.call(ctx, dht.OpStore, c.remote, key, envelope{
		Type:       msgStore,
		Key:        key.String(),
		Value:      value,
		TTLSeconds: int64(ttl / time.Second),
	}, cb)
}

// StoreSignedValue stores a signed envelope under key.
func (c *Client) StoreSignedValue(ctx context.Context, key dht.Key, value dht.SignedValue, sig dht.Signature, ttl time.Duration, cb dht.Callback) {
	c.call(ctx, dht.OpStoreSigned, c.remote, key, envelope{
		Type:           msgStore,
		Key:            key.String(),
		Value:          value.Value,
		ValueSignature: value.ValueSignature,
		Signature:      fromSignature(sig),
		TTLSeconds:     int64(ttl / time.Second),
	}, cb)
}

// FindValue retrieves the value stored under key.
func (c *Client) FindValue(ctx context.Context, key dht.Key, _ bool, cb dht.Callback) {
	c.call(ctx, dht.OpFindValue, c.remote, key, envelope{
		Type: msgFindValue,
		Key:  key.String(),
	}, cb)
}

// RPCTimings reports round-trip times of answered RPCs per operation name.
func (c *Client) RPCTimings() map[string]stats.Summary {
	c.timingsMu.Lock()
	defer c.timingsMu.Unlock()

	out := make(map[string]stats.Summary, len(c.timings))
	for op, acc := range c.timings {
		if s, err := acc.Summary(); err == nil {
			out[op] = s
		}
	}

	return out
}

// Close fails every outstanding request and stops the read loop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true
	orphans := c.inflight
	c.inflight = make(map[string]*pending)
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.readStopped

	for _, p := range orphans {
		p.timer.Stop()
		p.stopCtx()
		p.cb(dht.Response{})
	}

	return err
}

func (c *Client) call(ctx context.Context, op string, dst *net.UDPAddr, target dht.Key, env envelope, cb dht.Callback) {
	env.MsgID = uuid.NewString()
	env.From = c.self

	b, err := env.marshal()
	if err != nil || len(b) > maxDatagram {
		c.logger.Debug("request does not fit a datagram",
			slog.String("op", op),
			slog.Int("bytes", len(b)),
		)
		cb(dht.Response{})

		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cb(dht.Response{})

		return
	}

	p := &pending{op: op, target: target, start: time.Now(), cb: cb}
	c.inflight[env.MsgID] = p
	p.timer = time.AfterFunc(c.timeout, func() {
		c.logger.Debug("rpc timed out", slog.String("op", op), slog.String("msg_id", env.MsgID))
		c.finish(env.MsgID, nil)
	})
	p.stopCtx = context.AfterFunc(ctx, func() { c.finish(env.MsgID, nil) })
	c.mu.Unlock()

	if _, err := c.conn.WriteToUDP(b, dst); err != nil {
		c.logger.Debug("send failed", slog.String("op", op), slog.String("error", err.Error()))
		c.finish(env.MsgID, nil)
	}
}

// finish delivers the outcome of msgID at most once. A nil reply is a local
// failure.
func (c *Client) finish(msgID string, reply *envelope) {
	c.mu.Lock()
	p, ok := c.inflight[msgID]
	if ok {
		delete(c.inflight, msgID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	p.timer.Stop()
	p.stopCtx()

	if reply == nil {
		p.cb(dht.Response{})

		return
	}

	c.record(p.op, time.Since(p.start))
	p.cb(toResponse(p, reply))
}

func toResponse(p *pending, reply *envelope) dht.Response {
	switch reply.Type {
	case msgPong, msgStoreOK:
		return dht.Response{Succeeded: reply.Result}
	case msgFindValueOK:
		return dht.Response{Succeeded: reply.Result, Payload: reply.Value}
	case msgFindNodeOK:
		for _, ct := range reply.Contacts {
			if ct.ID == p.target {
				return dht.Response{Succeeded: true, Payload: dht.EncodeContact(ct)}
			}
		}
	}

	return dht.Response{}
}

func (c *Client) readLoop() {
	defer close(c.readStopped)

	buf := make([]byte, 64*1024)

	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("read loop stopped", slog.String("error", err.Error()))
			}

			return
		}

		var env envelope
		if err := env.unmarshal(buf[:n]); err != nil || !env.isReply() {
			continue
		}

		c.finish(env.MsgID, &env)
	}
}

func (c *Client) record(op string, d time.Duration) {
	c.timingsMu.Lock()
	defer c.timingsMu.Unlock()

	acc, ok := c.timings[op]
	if !ok {
		acc = stats.New()
		c.timings[op] = acc
	}

	acc.Add(d)
}
