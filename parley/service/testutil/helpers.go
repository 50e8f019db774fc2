// Package testutil holds helpers shared by service tests.
package testutil

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

// Upstream is a TCP server answering each read through a reply function.
type Upstream struct {
	listener net.Listener
	reply    func([]byte) []byte

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

// StartEchoServer starts an upstream that writes back every read unchanged.
func StartEchoServer(t *testing.T) *Upstream {
	t.Helper()
	return StartUpstream(t, func(b []byte) []byte { return b })
}

// StartUpstream starts a loopback upstream whose answer to each read is reply(data).
// A nil or empty reply writes nothing.
func StartUpstream(t *testing.T, reply func([]byte) []byte) *Upstream {
	t.Helper()

	return startUpstream(t, nil, reply)
}

// StartTLSUpstream is StartUpstream behind a TLS listener using cfg.
func StartTLSUpstream(t *testing.T, cfg *tls.Config, reply func([]byte) []byte) *Upstream {
	t.Helper()
	return startUpstream(t, cfg, reply)
}

func startUpstream(t *testing.T, cfg *tls.Config, reply func([]byte) []byte) *Upstream {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	if cfg != nil {
		ln = tls.NewListener(ln, cfg)
	}

	u := &Upstream{listener: ln, reply: reply}
	u.wg.Add(1)
	go u.serve()
	t.Cleanup(u.Close)
	return u
}

// Addr returns the upstream address.
func (u *Upstream) Addr() string {
	return u.listener.Addr().String()
}

func (u *Upstream) serve() {
	defer u.wg.Done()
	for {
		conn, err := u.listener.Accept()
		if err != nil {
			return
		}
		u.mu.Lock()
		u.conns = append(u.conns, conn)
		u.mu.Unlock()

		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			defer func() { _ = conn.Close() }()
			buf := make([]byte, 64*1024)
			for {
				n, err := conn.Read(buf)
				if n > 0 {
					if out := u.reply(buf[:n]); len(out) > 0 {
						if _, werr := conn.Write(out); werr != nil {
							return
						}
					}
				}
				if err != nil {
					return
				}
			}
		}()
	}
}

// Close stops the upstream and its connections.
func (u *Upstream) Close() {
	_ = u.listener.Close()
	u.mu.Lock()
	for _, c := range u.conns {
		_ = c.Close()
	}
	u.mu.Unlock()
	u.wg.Wait()
}

// ReadExactly reads n bytes from conn, failing the test after timeout.
func ReadExactly(t *testing.T, conn net.Conn, n int, timeout time.Duration) []byte {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

// ExpectClosed asserts conn reaches EOF (or a reset) within timeout.
func ExpectClosed(t *testing.T, conn net.Conn, timeout time.Duration) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	buf := make([]byte, 1024)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("connection still open after %v", timeout)
		}
		return
	}
}

// WaitFor polls cond on the calling goroutine until it holds or timeout
// elapses, so cond may use require.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	if !assertEventually(timeout, cond) {
		require.Fail(t, "condition not met within "+timeout.String(), msgAndArgs...)
	}
}

// WaitForCount polls count until it returns want.
func WaitForCount(t *testing.T, timeout time.Duration, want int, count func() int) {
	t.Helper()

	var last int
	ok := assertEventually(timeout, func() bool {
		last = count()
		return last == want
	})
	if !ok {
		t.Fatalf("count = %d, want %d after %v", last, want, timeout)
	}
}

func assertEventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		} else if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// CallMCPTool calls an MCP tool and returns the result.
func CallMCPTool(t *testing.T, client *mcpclient.Client, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	result, err := client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	require.NoError(t, err)
	return result
}

// ExtractMCPText extracts text content from an MCP tool result.
func ExtractMCPText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "result should have content")
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content found in result")
	return ""
}
