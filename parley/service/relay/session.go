package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-appsec/relaybox/parley/service/connlog"
	"github.com/go-appsec/relaybox/parley/service/plugin"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnecting State = iota
	StateRelaying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Identity names a session and its two endpoints.
type Identity struct {
	ID     string
	Client plugin.Endpoint
	Server plugin.Endpoint
}

func (i Identity) String() string {
	return i.Client.String() + " -> " + i.Server.String()
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	Identity
	State   State
	Started time.Time

	ClientMessages uint64 // client to server
	ServerMessages uint64 // server to client
	ClientBytes    uint64
	ServerBytes    uint64
}

type flowStats struct {
	messages atomic.Uint64
	bytes    atomic.Uint64
}

// Session relays one accepted client connection to the upstream.
type Session struct {
	l       *Listener
	id      Identity
	started time.Time
	state   atomic.Int32

	raw    net.Conn // accepted socket
	client net.Conn // raw or its TLS wrapper, used by the pumps

	mu         sync.Mutex // guards server, id.Server and legsClosed
	server     net.Conn
	legsClosed bool

	stats [2]flowStats // indexed by flowIndex
}

func newSession(l *Listener, id string, client net.Conn) *Session {
	s := &Session{
		l:       l,
		id:      Identity{ID: id, Client: endpointOf(client.RemoteAddr())},
		started: time.Now(),
		raw:     client,
		client:  client,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id.ID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()

	c2s, s2c := &s.stats[flowIndex(plugin.ClientToServer)], &s.stats[flowIndex(plugin.ServerToClient)]
	return SessionInfo{
		Identity:       id,
		State:          s.State(),
		Started:        s.started,
		ClientMessages: c2s.messages.Load(),
		ServerMessages: s2c.messages.Load(),
		ClientBytes:    c2s.bytes.Load(),
		ServerBytes:    s2c.bytes.Load(),
	}
}

// run drives the session from Connecting to Closed.
func (s *Session) run(ctx context.Context) {
	s.l.connLogs.Begin(s.id.ID, "client "+s.id.Client.String())

	err := s.connect(ctx)
	if err == nil {
		s.state.Store(int32(StateRelaying))
		s.event("relaying " + s.id.String())
		err = s.relay(ctx)
	}

	s.state.Store(int32(StateClosing))
	s.closeLegs()
	s.finish(ctx, err)
	s.state.Store(int32(StateClosed))
}

func (s *Session) connect(ctx context.Context) error {
	if s.l.cfg.ClientTLS != nil {
		hctx, cancel := context.WithTimeout(ctx, s.l.cfg.handshakeTimeout())
		tlsConn := tls.Server(s.raw, s.l.cfg.ClientTLS)
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			return &HandshakeError{Leg: LegClient, Addr: s.id.Client.String(), Err: err}
		}
		s.client = tlsConn
	}

	server, err := s.l.cfg.Dialer.DialContext(ctx, s.l.cfg.UpstreamAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.legsClosed {
		s.mu.Unlock()
		_ = server.Close()
		return net.ErrClosed
	}
	s.server = server
	s.id.Server = endpointOf(server.RemoteAddr())
	s.mu.Unlock()

	s.l.connLogs.Begin(s.id.ID, s.id.String())
	return nil
}

// relay pumps both directions until either leg ends or ctx is canceled.
func (s *Session) relay(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.closeLegs)
	defer stop()

	errs := make(chan error, 2)
	go func() { errs <- s.pump(plugin.ClientToServer, s.client, s.server) }()
	go func() { errs <- s.pump(plugin.ServerToClient, s.server, s.client) }()

	first := <-errs
	s.closeLegs()
	<-errs
	return first
}

// pump reads src, dispatches each read through the plugin chain and writes the
// result to dst. Only this goroutine touches the direction's counter.
func (s *Session) pump(dir plugin.Direction, src, dst net.Conn) error {
	stats := &s.stats[flowIndex(dir)]
	source, dest := s.id.Client, s.id.Server
	if dir == plugin.ServerToClient {
		source, dest = dest, source
	}

	buf := make([]byte, s.l.cfg.BufferSize)
	var num uint64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			num++
			stats.messages.Store(num)
			stats.bytes.Add(uint64(n))

			msg := plugin.Message{ConnID: s.id.ID, Num: num, Direction: dir, Source: source, Dest: dest}
			out := s.emitter(dir, num)
			data := s.l.dispatcher.Dispatch(msg, buf[:n], out)
			if len(data) == 0 {
				out.Emit(fmt.Sprintf("dropped %d bytes", n))
			} else {
				if _, err := dst.Write(data); err != nil {
					return fmt.Errorf("write %s: %w", dir.Arrow(), err)
				}
				out.Emit(forwardedText(n, len(data)))
			}
		}

		if errors.Is(readErr, io.EOF) {
			return ErrPeerClosed
		} else if readErr != nil {
			return fmt.Errorf("read %s: %w", dir.Arrow(), readErr)
		}
	}
}

func forwardedText(read, written int) string {
	if read == written {
		return "forwarded " + strconv.Itoa(written) + " bytes"
	}
	return fmt.Sprintf("forwarded %d bytes (read %d)", written, read)
}

func (s *Session) emitter(dir plugin.Direction, num uint64) plugin.Emitter {
	return plugin.EmitterFunc(func(text string) {
		s.l.connLogs.Record(connlog.Record{ConnID: s.id.ID, MessageNum: num, Direction: dir, Text: text})
	})
}

func (s *Session) event(text string) {
	s.l.connLogs.Record(connlog.Record{ConnID: s.id.ID, Text: text})
}

// finish reports how the session ended and closes its log artifact.
func (s *Session) finish(ctx context.Context, err error) {
	log := s.l.log.With("conn", s.id.ID, "client", s.id.Client.String())

	var hsErr *HandshakeError
	switch {
	case ctx.Err() != nil:
		log.Debugw("relay: session stopped by shutdown")
		s.event("closed: shutdown")
	case err == nil, errors.Is(err, ErrPeerClosed), errors.Is(err, net.ErrClosed):
		log.Debugw("relay: session closed")
		s.event("closed")
	case errors.As(err, &hsErr):
		log.Warnw("relay: handshake failed", "leg", string(hsErr.Leg), "error", err)
		s.event("closed: " + err.Error())
	default:
		log.Warnw("relay: session failed", "error", err)
		s.event("closed: " + err.Error())
	}
	s.l.connLogs.CloseConn(s.id.ID)
}

// closeLegs closes both connections once; errors are ignored. A dial still
// in progress closes its connection when it completes.
func (s *Session) closeLegs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.legsClosed {
		return
	}
	s.legsClosed = true

	_ = s.raw.Close()
	if s.server != nil {
		_ = s.server.Close()
	}
}

func flowIndex(d plugin.Direction) int {
	if d == plugin.ServerToClient {
		return 1
	}
	return 0
}

func endpointOf(addr net.Addr) plugin.Endpoint {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return plugin.Endpoint{IP: tcp.IP.String(), Port: tcp.Port}
	}
	if addr == nil {
		return plugin.Endpoint{}
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return plugin.Endpoint{IP: addr.String()}
	}
	p, _ := strconv.Atoi(port)
	return plugin.Endpoint{IP: host, Port: p}
}
