// Package relay accepts client connections and relays each one to a fixed
// upstream through the plugin chain.
package relay

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/go-appsec/relaybox/parley/service/connlog"
	"github.com/go-appsec/relaybox/parley/service/ids"
	"github.com/go-appsec/relaybox/parley/service/plugin"
)

const (
	DefaultBufferSize   = 32 * 1024
	DefaultPollInterval = 250 * time.Millisecond

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Config holds the listener settings.
type Config struct {
	ListenAddr   string
	UpstreamAddr string
	// ClientTLS terminates TLS on accepted connections when non-nil.
	ClientTLS *tls.Config
	// Dialer opens upstream connections; nil dials plain TCP.
	Dialer *Dialer
	// BufferSize bounds the bytes read per message.
	BufferSize int
	// MaxConnections bounds concurrent sessions; zero is unlimited.
	MaxConnections int
	// PollInterval paces shutdown progress checks.
	PollInterval time.Duration
}

func (c *Config) handshakeTimeout() time.Duration {
	if c.Dialer != nil && c.Dialer.Timeout > 0 {
		return c.Dialer.Timeout
	}
	return 10 * time.Second
}

// Listener accepts client connections and runs a Session for each.
type Listener struct {
	cfg        Config
	listener   net.Listener
	addr       string
	dispatcher *plugin.Dispatcher
	connLogs   *connlog.Logger
	log        *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	// mu orders wg.Add in Serve against the wg.Wait started by Shutdown.
	mu       sync.Mutex
	wg       sync.WaitGroup
	closed   atomic.Bool
	running  atomic.Bool
	active   atomic.Int64
	sessions sync.Map // id -> *Session
}

// NewListener binds cfg.ListenAddr. The socket is created with SO_REUSEADDR
// and the kernel default backlog; failure returns *BindError.
func NewListener(cfg Config, registry *plugin.Registry, connLogs *connlog.Logger, log *zap.SugaredLogger) (*Listener, error) {
	if cfg.UpstreamAddr == "" {
		return nil, errors.New("upstream address is required")
	} else if connLogs == nil {
		return nil, errors.New("connection logger is required")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &Dialer{}
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", cfg.ListenAddr)
	if err != nil {
		return nil, &BindError{Addr: cfg.ListenAddr, Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:        cfg,
		listener:   ln,
		addr:       ln.Addr().String(),
		dispatcher: plugin.NewDispatcher(registry, log.Named("plugin")),
		connLogs:   connLogs,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (l *Listener) Addr() string {
	return l.addr
}

// Upstream returns the configured upstream address.
func (l *Listener) Upstream() string {
	return l.cfg.UpstreamAddr
}

// WaitReady blocks until Serve has entered its accept loop.
func (l *Listener) WaitReady(ctx context.Context) error {
	for !l.running.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			runtime.Gosched()
		}
	}
	return nil
}

// Serve accepts connections until Shutdown. Accept failures are retried
// with capped exponential backoff.
func (l *Listener) Serve() error {
	l.running.Store(true)
	l.log.Infow("relay: listening", "addr", l.addr, "upstream", l.cfg.UpstreamAddr)

	var backoff time.Duration
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			backoff = min(max(2*backoff, minAcceptBackoff), maxAcceptBackoff)
			l.log.Warnw("relay: accept failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-l.ctx.Done():
				return nil
			}
		}
		backoff = 0

		if limit := l.cfg.MaxConnections; limit > 0 && l.active.Load() >= int64(limit) {
			l.log.Warnw("relay: connection limit reached, rejecting", "client", conn.RemoteAddr().String(), "limit", limit)
			_ = conn.Close()
			continue
		}

		l.mu.Lock()
		if l.closed.Load() {
			l.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s := newSession(l, ids.Generate(ids.DefaultLength), conn)
		l.sessions.Store(s.ID(), s)
		l.active.Add(1)
		l.wg.Add(1)
		l.mu.Unlock()

		go func() {
			defer l.wg.Done()
			defer func() {
				l.sessions.Delete(s.ID())
				l.active.Add(-1)
			}()
			s.run(l.ctx)
		}()
	}
}

// Sessions returns the active sessions ordered by start time.
func (l *Listener) Sessions() []SessionInfo {
	var infos []SessionInfo
	l.sessions.Range(func(_, v any) bool {
		infos = append(infos, v.(*Session).Info())
		return true
	})
	slices.SortFunc(infos, func(a, b SessionInfo) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return infos
}

// Session returns the active session with id.
func (l *Listener) Session(id string) (*Session, bool) {
	v, ok := l.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// ActiveCount returns the number of sessions not yet closed.
func (l *Listener) ActiveCount() int {
	return int(l.active.Load())
}

// Shutdown stops accepting and cancels every session. Sessions still
// running when ctx expires have their connections force-closed. A session
// that does not finish within one poll interval after that, typically one
// stuck inside a plugin, is abandoned and Shutdown returns anyway.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed.CompareAndSwap(false, true) {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	_ = l.listener.Close()
	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			l.log.Infow("relay: stopped", "addr", l.addr)
			return nil
		case <-ticker.C:
			l.log.Debugw("relay: waiting for sessions", "active", l.active.Load())
		case <-ctx.Done():
			var forced int
			l.sessions.Range(func(_, v any) bool {
				v.(*Session).closeLegs()
				forced++
				return true
			})
			select {
			case <-done:
				l.log.Warnw("relay: shutdown timed out, closed sessions", "count", forced)
			case <-time.After(l.cfg.PollInterval):
				l.log.Warnw("relay: shutdown timed out, abandoned sessions",
					"count", forced, "still_running", l.active.Load())
			}
			return fmt.Errorf("shutdown relay: %w", ctx.Err())
		}
	}
}
