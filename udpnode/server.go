package udpnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/weiihann/kadbench/dht"
	"github.com/weiihann/kadbench/signer"
)

const (
	// DefaultMaxValueBytes leaves headroom for base64 and the envelope.
	DefaultMaxValueBytes = 32 << 10

	closestContacts = 20
)

// ServerConfig configures a responder.
type ServerConfig struct {
	Addr          string
	Seed          int64
	Peers         int
	MaxValueBytes int
	Logger        *slog.Logger
}

type storedValue struct {
	value   []byte
	expires time.Time
}

// Server answers the protocol for itself and for a set of virtual peers that
// share its address, so lookups and pings have live targets.
type Server struct {
	conn     *net.UDPConn
	self     dht.Contact
	contacts []dht.Contact
	known    map[dht.Key]dht.Contact
	maxValue int
	logger   *slog.Logger

	mu     sync.Mutex
	values map[dht.Key]storedValue
}

// Listen binds cfg.Addr. Call Serve to start answering.
func Listen(cfg ServerConfig) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Addr, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	maxValue := cfg.MaxValueBytes
	if maxValue <= 0 {
		maxValue = DefaultMaxValueBytes
	}

	local := conn.LocalAddr().String()
	rng := mrand.New(mrand.NewSource(cfg.Seed))

	s := &Server{
		conn:     conn,
		self:     dht.Contact{ID: dht.SeededKey(rng), Address: local},
		known:    make(map[dht.Key]dht.Contact, cfg.Peers+1),
		maxValue: maxValue,
		logger:   logger.With(slog.String("component", "udpserver"), slog.String("addr", local)),
		values:   make(map[dht.Key]storedValue),
	}

	s.known[s.self.ID] = s.self

	for i := 0; i < cfg.Peers; i++ {
		c := dht.Contact{ID: dht.SeededKey(rng), Address: local}
		s.contacts = append(s.contacts, c)
		s.known[c.ID] = c
	}

	return s, nil
}

// Addr is the bound address.
func (s *Server) Addr() string {
	return s.self.Address
}

// Self is the server's own contact.
func (s *Server) Self() dht.Contact {
	return s.self
}

// Contacts returns the virtual peers.
func (s *Server) Contacts() []dht.Contact {
	out := make([]dht.Contact, len(s.contacts))
	copy(out, s.contacts)

	return out
}

// Serve answers requests until ctx is done, then closes the socket.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	s.logger.InfoContext(ctx, "serving",
		slog.String("id", s.self.ID.Short()),
		slog.Int("peers", len(s.contacts)),
		slog.Int("max_value_bytes", s.maxValue),
	)

	buf := make([]byte, 64*1024)

	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("read: %w", err)
		}

		var env envelope
		if err := env.unmarshal(buf[:n]); err != nil {
			s.logger.Debug("dropping malformed datagram", slog.String("from", src.String()))

			continue
		}

		reply, ok := s.handle(env)
		if !ok {
			continue
		}

		reply.MsgID = env.MsgID
		reply.From = s.self

		b, err := reply.marshal()
		if err != nil {
			continue
		}

		if _, err := s.conn.WriteToUDP(b, src); err != nil {
			s.logger.Debug("reply failed", slog.String("error", err.Error()))
		}
	}
}

// Close releases the socket; Serve returns nil afterwards.
func (s *Server) Close() error {
	return s.conn.Close()
}

func (s *Server) handle(env envelope) (envelope, bool) {
	switch env.Type {
	case msgPing:
		return s.handlePing(env), true
	case msgFindNode:
		return s.handleFindNode(env), true
	case msgStore:
		return s.handleStore(env), true
	case msgFindValue:
		return s.handleFindValue(env), true
	default:
		return envelope{}, false
	}
}

func (s *Server) handlePing(env envelope) envelope {
	reply := envelope{Type: msgPong}

	if id, err := dht.ParseKey(env.TargetID); err == nil {
		_, reply.Result = s.known[id]
	}

	return reply
}

func (s *Server) handleFindNode(env envelope) envelope {
	reply := envelope{Type: msgFindNodeOK}

	target, err := dht.ParseKey(env.TargetID)
	if err != nil {
		return reply
	}

	reply.Contacts = s.closest(target, closestContacts)
	_, reply.Result = s.known[target]

	return reply
}

func (s *Server) closest(target dht.Key, k int) []dht.Contact {
	all := make([]dht.Contact, 0, len(s.known))
	for _, c := range s.known {
		all = append(all, c)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].ID.Xor(target).Less(all[j].ID.Xor(target))
	})

	if len(all) > k {
		all = all[:k]
	}

	return all
}

func (s *Server) handleStore(env envelope) envelope {
	reply := envelope{Type: msgStoreOK}

	key, err := dht.ParseKey(env.Key)
	if err != nil {
		return reply
	}

	if len(env.Value) > s.maxValue {
		s.logger.Debug("rejecting oversized value",
			slog.String("key", key.Short()),
			slog.Int("bytes", len(env.Value)),
		)

		return reply
	}

	if env.Signature != nil {
		sig, err := env.Signature.toSignature()
		if err != nil {
			return reply
		}

		value := dht.SignedValue{Value: env.Value, ValueSignature: env.ValueSignature}
		if err := signer.VerifyEnvelope(key, value, sig); err != nil {
			s.logger.Debug("rejecting signed store",
				slog.String("key", key.Short()),
				slog.String("error", err.Error()),
			)

			return reply
		}
	}

	v := storedValue{value: append([]byte(nil), env.Value...)}
	if env.TTLSeconds > 0 {
		v.expires = time.Now().Add(time.Duration(env.TTLSeconds) * time.Second)
	}

	s.mu.Lock()
	s.values[key] = v
	s.mu.Unlock()

	reply.Result = true

	return reply
}

func (s *Server) handleFindValue(env envelope) envelope {
	reply := envelope{Type: msgFindValueOK}

	key, err := dht.ParseKey(env.Key)
	if err != nil {
		return reply
	}

	s.mu.Lock()
	v, ok := s.values[key]
	if ok && !v.expires.IsZero() && time.Now().After(v.expires) {
		delete(s.values, key)
		ok = false
	}
	s.mu.Unlock()

	if ok {
		reply.Result = true
		reply.Value = v.value
	}

	return reply
}
