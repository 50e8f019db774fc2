package plugin

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}

// loggedError returns the error attached to an observed entry.
func loggedError(t *testing.T, entry observer.LoggedEntry) error {
	t.Helper()

	for _, f := range entry.Context {
		if f.Key == "error" {
			if err, ok := f.Interface.(error); ok {
				return err
			}
		}
	}
	require.Fail(t, "no error field on entry", entry.Message)
	return nil
}

// lines collects emitted plugin output.
type lines struct {
	mu  sync.Mutex
	all []string
}

func (l *lines) Emit(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, text)
}

func (l *lines) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.all...)
}

// funcPlugin wraps a function as a Plugin for tests.
type funcPlugin struct {
	desc  string
	apply func(msg Message, data []byte, out Emitter) ([]byte, error)
}

func (p funcPlugin) Description() string { return p.desc }

func (p funcPlugin) Apply(msg Message, data []byte, out Emitter) ([]byte, error) {
	return p.apply(msg, data, out)
}

func appendPlugin(suffix string) funcPlugin {
	return funcPlugin{desc: "append " + suffix, apply: func(_ Message, data []byte, _ Emitter) ([]byte, error) {
		return append(data, suffix...), nil
	}}
}

func newTestRegistry(t *testing.T, opts ...RegistryOption) (*Registry, string, string) {
	t.Helper()

	root := t.TempDir()
	clientDir := filepath.Join(root, "client")
	serverDir := filepath.Join(root, "server")
	return NewRegistry(map[Direction]string{
		ClientToServer: clientDir,
		ServerToClient: serverDir,
	}, opts...), clientDir, serverDir
}
