package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/go-appsec/relaybox/parley/service/connlog"
	"github.com/go-appsec/relaybox/parley/service/plugin"
	"github.com/go-appsec/relaybox/parley/service/testutil"
)

const ioTimeout = 5 * time.Second

type relayEnv struct {
	listener *Listener
	registry *plugin.Registry
	logs     *connlog.Logger
	dirs     map[plugin.Direction]string
}

func startRelay(t *testing.T, cfg Config, setup func(*plugin.Registry, map[plugin.Direction]string)) *relayEnv {
	t.Helper()

	root := t.TempDir()
	dirs := map[plugin.Direction]string{
		plugin.ClientToServer: filepath.Join(root, "plugins", "client"),
		plugin.ServerToClient: filepath.Join(root, "plugins", "server"),
	}
	log := zaptest.NewLogger(t).Sugar()
	registry := plugin.NewRegistry(dirs, plugin.WithLogger(log))
	if setup != nil {
		setup(registry, dirs)
	}
	require.NoError(t, registry.Reload())

	logs, err := connlog.New(filepath.Join(root, "logs"), connlog.WithLogger(log))
	require.NoError(t, err)

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	l, err := NewListener(cfg, registry, logs, log)
	require.NoError(t, err)

	serveErr := make(chan error, 1)
	go func() { serveErr <- l.Serve() }()
	require.NoError(t, l.WaitReady(t.Context()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		assert.NoError(t, l.Shutdown(ctx))
		assert.NoError(t, <-serveErr)
		_ = logs.Close()
	})
	return &relayEnv{listener: l, registry: registry, logs: logs, dirs: dirs}
}

func (e *relayEnv) dial(t *testing.T) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", e.listener.Addr(), ioTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connLog waits for the single relayed session and returns its log text
// once it contains want.
func (e *relayEnv) connLog(t *testing.T, id, want string) string {
	t.Helper()

	var text string
	testutil.WaitFor(t, ioTimeout, func() bool {
		_ = e.logs.Sync(t.Context())
		text, _ = e.logs.Read(id)
		return strings.Contains(text, want)
	}, "log for %s never contained %q", id, want)
	return text
}

func (e *relayEnv) onlySession(t *testing.T) SessionInfo {
	t.Helper()

	testutil.WaitForCount(t, ioTimeout, 1, func() int { return len(e.listener.Sessions()) })
	return e.listener.Sessions()[0]
}

func roundTrip(t *testing.T, conn net.Conn, send string, wantLen int) string {
	t.Helper()

	_, err := conn.Write([]byte(send))
	require.NoError(t, err)
	return string(testutil.ReadExactly(t, conn, wantLen, ioTimeout))
}

type appendPlugin string

func (p appendPlugin) Description() string { return "append " + string(p) }

func (p appendPlugin) Apply(_ plugin.Message, data []byte, _ plugin.Emitter) ([]byte, error) {
	return append(data, p...), nil
}

type panicPlugin struct{}

func (panicPlugin) Description() string { return "always panics" }

func (panicPlugin) Apply(plugin.Message, []byte, plugin.Emitter) ([]byte, error) {
	panic("decoder bug")
}

// blockingPlugin parks every message until release is closed.
type blockingPlugin struct {
	entered chan struct{}
	release chan struct{}
}

func (blockingPlugin) Description() string { return "blocks until released" }

func (p blockingPlugin) Apply(_ plugin.Message, data []byte, _ plugin.Emitter) ([]byte, error) {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	<-p.release
	return data, nil
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
}

func TestRelayPingPong(t *testing.T) {
	t.Parallel()

	upstream := testutil.StartEchoServer(t)
	env := startRelay(t, Config{UpstreamAddr: upstream.Addr()}, func(_ *plugin.Registry, dirs map[plugin.Direction]string) {
		writeFile(t, dirs[plugin.ClientToServer], "modify_ping.yaml",
			"kind: replace\nparams: {match: PING, replace: PONG, prefix: true}\n")
		writeFile(t, dirs[plugin.ServerToClient], "text.yaml", "kind: text\n")
	})
	conn := env.dial(t)

	assert.Equal(t, "PONG", roundTrip(t, conn, "PING", 4))

	info := env.onlySession(t)
	assert.Equal(t, StateRelaying, info.State)
	text := env.connLog(t, info.ID, `[s>c #1] [text] "PONG"`)
	assert.Contains(t, text, "[c>s #1] [modify_ping] replaced prefix")
	assert.Contains(t, text, "[c>s #1] forwarded 4 bytes")
	assert.True(t, strings.HasPrefix(text, "# parley connection "+info.ID))
}

func TestRelayObserversPreserveBytes(t *testing.T) {
	t.Parallel()

	upstream := testutil.StartEchoServer(t)
	env := startRelay(t, Config{UpstreamAddr: upstream.Addr()}, func(_ *plugin.Registry, dirs map[plugin.Direction]string) {
		for _, d := range plugin.Directions {
			writeFile(t, dirs[d], "a_dump.yaml", "kind: hexdump\n")
			writeFile(t, dirs[d], "b_text.yaml", "kind: text\n")
			writeFile(t, dirs[d], "c_match.yaml", "kind: match\nparams: {pattern: '[0-9a-f]{8}'}\n")
		}
	})
	conn := env.dial(t)

	for i := 0; i < 10; i++ {
		payload := uuid.NewString()
		assert.Equal(t, payload, roundTrip(t, conn, payload, len(payload)))
	}
}

func TestRelayCountersGapless(t *testing.T) {
	t.Parallel()

	const messages = 20
	upstream := testutil.StartEchoServer(t)
	env := startRelay(t, Config{UpstreamAddr: upstream.Addr()}, nil)
	conn := env.dial(t)

	for i := 1; i <= messages; i++ {
		msg := fmt.Sprintf("m%02d", i)
		require.Equal(t, msg, roundTrip(t, conn, msg, len(msg)))
	}

	info := env.onlySession(t)
	testutil.WaitFor(t, ioTimeout, func() bool {
		info = env.listener.Sessions()[0]
		return info.ServerMessages == messages
	})
	assert.EqualValues(t, messages, info.ClientMessages)
	assert.EqualValues(t, 3*messages, info.ClientBytes)
	assert.EqualValues(t, 3*messages, info.ServerBytes)

	text := env.connLog(t, info.ID, fmt.Sprintf("[s>c #%d]", messages))
	for _, arrow := range []string{"c>s", "s>c"} {
		for i := 1; i <= messages; i++ {
			assert.Contains(t, text, fmt.Sprintf("[%s #%d] forwarded 3 bytes", arrow, i))
		}
	}
}

func TestRelayToggleTakesEffectNextMessage(t *testing.T) {
	t.Parallel()

	upstream := testutil.StartEchoServer(t)
	env := startRelay(t, Config{UpstreamAddr: upstream.Addr()}, func(r *plugin.Registry, _ map[plugin.Direction]string) {
		require.NoError(t, r.Register(plugin.ClientToServer, "a", plugin.RoleModifier, appendPlugin("1")))
		require.NoError(t, r.Register(plugin.ClientToServer, "b", plugin.RoleModifier, appendPlugin("2")))
	})
	conn := env.dial(t)

	assert.Equal(t, "x12", roundTrip(t, conn, "x", 3))
	require.NoError(t, env.registry.Disable(plugin.ClientToServer, "a"))
	assert.Equal(t, "x2", roundTrip(t, conn, "x", 2))
	require.NoError(t, env.registry.Enable(plugin.ClientToServer, "a"))
	assert.Equal(t, "x12", roundTrip(t, conn, "x", 3))
}

func TestRelayFailingPluginKeepsConnection(t *testing.T) {
	t.Parallel()

	upstream := testutil.StartEchoServer(t)
	env := startRelay(t, Config{UpstreamAddr: upstream.Addr()}, func(r *plugin.Registry, _ map[plugin.Direction]string) {
		require.NoError(t, r.Register(plugin.ServerToClient, "broken", plugin.RoleObserver, panicPlugin{}))
	})
	conn := env.dial(t)

	assert.Equal(t, "one", roundTrip(t, conn, "one", 3))
	assert.Equal(t, "two", roundTrip(t, conn, "two", 3))

	info := env.onlySession(t)
	text := env.connLog(t, info.ID, "[s>c #2] error: plugin broken failed")
	assert.Contains(t, text, "panic: decoder bug")
}

func TestRelayDroppedMessage(t *testing.T) {
	t.Parallel()

	upstream := testutil.StartEchoServer(t)
	env := startRelay(t, Config{UpstreamAddr: upstream.Addr()}, func(_ *plugin.Registry, dirs map[plugin.Direction]string) {
		writeFile(t, dirs[plugin.ClientToServer], "modify_drop.yaml",
			"kind: regex_replace\nparams: {pattern: '^DROP.*', replace: ''}\n")
	})
	conn := env.dial(t)

	_, err := conn.Write([]byte("DROP me"))
	require.NoError(t, err)
	info := env.onlySession(t)
	env.connLog(t, info.ID, "[c>s #1] dropped 7 bytes")

	assert.Equal(t, "keep", roundTrip(t, conn, "keep", 4))
}

func TestRelayConcurrentIsolation(t *testing.T) {
	t.Parallel()

	upstream := testutil.StartEchoServer(t)
	env := startRelay(t, Config{UpstreamAddr: upstream.Addr()}, func(r *plugin.Registry, _ map[plugin.Direction]string) {
		require.NoError(t, r.Register(plugin.ServerToClient, "tag", plugin.RoleModifier, appendPlugin(".")))
	})

	const clients = 8
	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		conn := env.dial(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				payload := uuid.NewString()
				if _, err := conn.Write([]byte(payload)); !assert.NoError(t, err) {
					return
				}
				buf := make([]byte, len(payload)+1)
				_ = conn.SetReadDeadline(time.Now().Add(ioTimeout))
				_, err := readFull(conn, buf)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, payload+".", string(buf))
			}
		}()
	}
	wg.Wait()

	ids := make(map[string]bool)
	for _, info := range env.listener.Sessions() {
		ids[info.ID] = true
		assert.EqualValues(t, 10, info.ClientMessages)
	}
	assert.Len(t, ids, clients)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	var n int
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func TestRelayPeerClose(t *testing.T) {
	t.Parallel()

	t.Run("upstream_closes", func(t *testing.T) {
		upstream := testutil.StartUpstream(t, func(b []byte) []byte { return b })
		env := startRelay(t, Config{UpstreamAddr: upstream.Addr()}, nil)
		conn := env.dial(t)
		assert.Equal(t, "hi", roundTrip(t, conn, "hi", 2))
		info := env.onlySession(t)

		upstream.Close()
		testutil.ExpectClosed(t, conn, ioTimeout)
		testutil.WaitForCount(t, ioTimeout, 0, env.listener.ActiveCount)
		env.connLog(t, info.ID, "[conn] closed")
	})

	t.Run("client_closes", func(t *testing.T) {
		upstream := testutil.StartEchoServer(t)
		env := startRelay(t, Config{UpstreamAddr: upstream.Addr()}, nil)
		conn := env.dial(t)
		assert.Equal(t, "hi", roundTrip(t, conn, "hi", 2))
		env.onlySession(t)

		require.NoError(t, conn.Close())
		testutil.WaitForCount(t, ioTimeout, 0, env.listener.ActiveCount)
	})

	t.Run("upstream_unreachable", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		env := startRelay(t, Config{UpstreamAddr: addr, Dialer: &Dialer{Timeout: time.Second}}, nil)
		conn := env.dial(t)
		testutil.ExpectClosed(t, conn, ioTimeout)
		testutil.WaitForCount(t, ioTimeout, 0, env.listener.ActiveCount)
	})
}

func TestRelayTLS(t *testing.T) {
	t.Parallel()

	upstreamCA, err := NewCertManager(t.TempDir(), nil)
	require.NoError(t, err)
	upstream := testutil.StartTLSUpstream(t, upstreamCA.TLSConfig("127.0.0.1"), func(b []byte) []byte {
		return []byte(strings.ToUpper(string(b)))
	})

	t.Run("both_legs", func(t *testing.T) {
		relayCA, err := NewCertManager(t.TempDir(), nil)
		require.NoError(t, err)
		env := startRelay(t, Config{
			UpstreamAddr: upstream.Addr(),
			ClientTLS:    relayCA.TLSConfig("127.0.0.1"),
			Dialer:       &Dialer{Timeout: ioTimeout, TLS: UpstreamTLS("", true)},
		}, nil)

		pool := x509.NewCertPool()
		pool.AddCert(relayCA.CACert())
		conn, err := tls.Dial("tcp", env.listener.Addr(), &tls.Config{RootCAs: pool, ServerName: "parley.test"})
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })

		assert.Equal(t, "SECRET", roundTrip(t, conn, "secret", 6))
	})

	t.Run("upstream_verification_fails", func(t *testing.T) {
		env := startRelay(t, Config{
			UpstreamAddr: upstream.Addr(),
			Dialer:       &Dialer{Timeout: ioTimeout, TLS: UpstreamTLS("", false)},
		}, nil)
		conn := env.dial(t)

		testutil.ExpectClosed(t, conn, ioTimeout)
		var artifacts []connlog.Artifact
		testutil.WaitFor(t, ioTimeout, func() bool {
			_ = env.logs.Sync(t.Context())
			var listErr error
			artifacts, listErr = env.logs.List()
			return listErr == nil && len(artifacts) > 0
		})
		env.connLog(t, artifacts[0].ConnID, "closed: tls handshake with server")
	})

	t.Run("client_handshake_fails", func(t *testing.T) {
		relayCA, err := NewCertManager(t.TempDir(), nil)
		require.NoError(t, err)
		env := startRelay(t, Config{
			UpstreamAddr: upstream.Addr(),
			ClientTLS:    relayCA.TLSConfig("127.0.0.1"),
		}, nil)
		conn := env.dial(t)

		_, err = conn.Write([]byte("plaintext is not a client hello\r\n\r\n"))
		require.NoError(t, err)
		testutil.ExpectClosed(t, conn, ioTimeout)
		testutil.WaitForCount(t, ioTimeout, 0, env.listener.ActiveCount)
	})
}

func TestNewListenerBindError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	logs, err := connlog.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = logs.Close() })

	_, err = NewListener(Config{ListenAddr: ln.Addr().String(), UpstreamAddr: "127.0.0.1:1"},
		plugin.NewRegistry(nil), logs, nil)
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, ln.Addr().String(), bindErr.Addr)
}

func TestListenerMaxConnections(t *testing.T) {
	t.Parallel()

	upstream := testutil.StartEchoServer(t)
	env := startRelay(t, Config{UpstreamAddr: upstream.Addr(), MaxConnections: 1}, nil)

	first := env.dial(t)
	assert.Equal(t, "a", roundTrip(t, first, "a", 1))

	second := env.dial(t)
	testutil.ExpectClosed(t, second, ioTimeout)
	assert.Equal(t, "b", roundTrip(t, first, "b", 1))
}

func TestListenerShutdown(t *testing.T) {
	t.Parallel()

	upstream := testutil.StartEchoServer(t)
	env := startRelay(t, Config{UpstreamAddr: upstream.Addr(), PollInterval: 10 * time.Millisecond}, nil)
	conns := []net.Conn{env.dial(t), env.dial(t)}
	for _, c := range conns {
		assert.Equal(t, "x", roundTrip(t, c, "x", 1))
	}
	testutil.WaitForCount(t, ioTimeout, 2, env.listener.ActiveCount)

	ctx, cancel := context.WithTimeout(t.Context(), ioTimeout)
	defer cancel()
	require.NoError(t, env.listener.Shutdown(ctx))
	assert.Equal(t, 0, env.listener.ActiveCount())
	for _, c := range conns {
		testutil.ExpectClosed(t, c, ioTimeout)
	}

	_, err := net.DialTimeout("tcp", env.listener.Addr(), 200*time.Millisecond)
	assert.Error(t, err)
	assert.NoError(t, env.listener.Shutdown(ctx))
}

func TestListenerShutdownHungPlugin(t *testing.T) {
	t.Parallel()

	hang := blockingPlugin{entered: make(chan struct{}, 1), release: make(chan struct{})}
	upstream := testutil.StartEchoServer(t)
	env := startRelay(t, Config{UpstreamAddr: upstream.Addr(), PollInterval: 20 * time.Millisecond},
		func(r *plugin.Registry, _ map[plugin.Direction]string) {
			require.NoError(t, r.Register(plugin.ClientToServer, "hang", plugin.RoleObserver, hang))
		})
	conn := env.dial(t)
	_, err := conn.Write([]byte("x"))
	require.NoError(t, err)
	select {
	case <-hang.entered:
	case <-time.After(ioTimeout):
		require.Fail(t, "plugin never received the message")
	}

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = env.listener.Shutdown(ctx)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 2*time.Second)
	testutil.ExpectClosed(t, conn, ioTimeout)
	assert.Equal(t, 1, env.listener.ActiveCount())

	// the abandoned session finishes once its plugin returns
	close(hang.release)
	testutil.WaitForCount(t, ioTimeout, 0, env.listener.ActiveCount)
}

func TestListenerServeShutdownRace(t *testing.T) {
	t.Parallel()

	upstream := testutil.StartEchoServer(t)
	env := startRelay(t, Config{UpstreamAddr: upstream.Addr()}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", env.listener.Addr(), ioTimeout)
			if err == nil {
				_ = conn.Close()
			}
		}()
	}
	ctx, cancel := context.WithTimeout(t.Context(), ioTimeout)
	defer cancel()
	require.NoError(t, env.listener.Shutdown(ctx))
	wg.Wait()
	assert.Equal(t, 0, env.listener.ActiveCount())
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "relaying", StateRelaying.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
}

func TestHandshakeErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("bad certificate")
	err := fmt.Errorf("session: %w", &HandshakeError{Leg: LegServer, Addr: "10.0.0.1:443", Err: inner})
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, LegServer, hsErr.Leg)
	assert.ErrorIs(t, err, inner)
}
