// Package connlog writes one append-only text artifact per relayed connection.
//
// Producers hand records to a single writer goroutine over a buffered channel,
// so the relay never waits on disk unless the queue is full.
package connlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/go-appsec/relaybox/parley/service/ids"
	"github.com/go-appsec/relaybox/parley/service/plugin"
)

const (
	DefaultQueueSize = 1024

	logExt     = ".log"
	archiveExt = ".log.zst"
)

// ErrNotFound is returned by Read when no artifact exists for a connection.
var ErrNotFound = errors.New("connection log not found")

// ErrClosed is returned by Sync after Close.
var ErrClosed = errors.New("connection logger closed")

// Record is one log line attributed to a message of a connection.
// A zero MessageNum marks a connection event rather than a message.
type Record struct {
	ConnID     string
	MessageNum uint64
	Direction  plugin.Direction
	Time       time.Time
	Text       string
}

// WriteError reports a failure to persist a connection's artifact.
type WriteError struct {
	ConnID string
	Path   string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write connection log %s (%s): %v", e.ConnID, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Artifact describes a stored connection log.
type Artifact struct {
	ConnID   string
	Path     string
	Size     int64
	Archived bool
	ModTime  time.Time
}

type opKind uint8

const (
	opBegin opKind = iota
	opRecord
	opCloseConn
	opSync
	opStop
)

type op struct {
	kind   opKind
	connID string
	header string
	rec    Record
	done   chan struct{}
}

// artifact is an open connection file, owned by the writer goroutine.
type artifact struct {
	header string
	path   string
	file   *os.File
	w      *bufio.Writer
	failed bool
}

// Logger persists connection records. All methods are safe for concurrent use.
type Logger struct {
	dir     string
	archive bool
	log     *zap.SugaredLogger
	ops     chan op
	done    chan struct{}
	closed  atomic.Bool

	// writer goroutine state
	open map[string]*artifact
}

// Option configures a Logger.
type Option func(*Logger)

// WithArchive compresses each artifact with zstd when its connection closes.
func WithArchive(enabled bool) Option {
	return func(l *Logger) { l.archive = enabled }
}

// WithQueueSize sets the record queue capacity.
func WithQueueSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.ops = make(chan op, n)
		}
	}
}

// WithLogger sets where write failures are reported.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Logger) { l.log = log }
}

// New creates the log directory and starts the writer.
func New(dir string, opts ...Option) (*Logger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	l := &Logger{
		dir:  dir,
		log:  zap.NewNop().Sugar(),
		ops:  make(chan op, DefaultQueueSize),
		done: make(chan struct{}),
		open: make(map[string]*artifact),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.run()
	return l, nil
}

// Dir returns the artifact directory.
func (l *Logger) Dir() string {
	return l.dir
}

// Begin registers the header line for a connection. The artifact itself is
// created on the first record.
func (l *Logger) Begin(connID, identity string) {
	l.send(op{kind: opBegin, connID: connID, header: identity})
}

// Record queues rec for writing. A zero Time is set to now.
func (l *Logger) Record(rec Record) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	l.send(op{kind: opRecord, connID: rec.ConnID, rec: rec})
}

// CloseConn closes the connection's artifact after all previously queued records.
func (l *Logger) CloseConn(connID string) {
	l.send(op{kind: opCloseConn, connID: connID})
}

// Sync blocks until every record queued before the call is written and flushed.
func (l *Logger) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !l.send(op{kind: opSync, done: done}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue, closes every open artifact and stops the writer.
func (l *Logger) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.ops <- op{kind: opStop}
	<-l.done
	return nil
}

func (l *Logger) send(o op) bool {
	if l.closed.Load() {
		return false
	}
	select {
	case l.ops <- o:
		return true
	case <-l.done:
		return false
	}
}

func (l *Logger) run() {
	defer close(l.done)

	for o := range l.ops {
		switch o.kind {
		case opBegin:
			if a, ok := l.open[o.connID]; ok {
				a.header = o.header
			} else {
				l.open[o.connID] = &artifact{header: o.header, path: l.path(o.connID, false)}
			}
		case opRecord:
			l.write(o.rec)
		case opCloseConn:
			l.closeArtifact(o.connID)
		case opSync:
			l.flushAll()
			close(o.done)
		case opStop:
			for id := range l.open {
				l.closeArtifact(id)
			}
			l.drain()
			return
		}

		if len(l.ops) == 0 {
			l.flushAll()
		}
	}
}

// drain releases Sync callers that raced with Close.
func (l *Logger) drain() {
	for {
		select {
		case o := <-l.ops:
			if o.done != nil {
				close(o.done)
			}
		default:
			return
		}
	}
}

func (l *Logger) write(rec Record) {
	a, ok := l.open[rec.ConnID]
	if !ok {
		a = &artifact{path: l.path(rec.ConnID, false)}
		l.open[rec.ConnID] = a
	}
	if a.failed {
		return
	}

	if a.file == nil {
		f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			l.fail(rec.ConnID, a, err)
			return
		}
		a.file = f
		a.w = bufio.NewWriter(f)
		header := "# parley connection " + rec.ConnID
		if a.header != "" {
			header += " " + a.header
		}
		if _, err := fmt.Fprintf(a.w, "%s opened %s\n", header, rec.Time.UTC().Format(time.RFC3339Nano)); err != nil {
			l.fail(rec.ConnID, a, err)
			return
		}
	}

	if _, err := a.w.WriteString(FormatLine(rec)); err != nil {
		l.fail(rec.ConnID, a, err)
	}
}

func (l *Logger) flushAll() {
	for id, a := range l.open {
		if a.w == nil || a.failed || a.w.Buffered() == 0 {
			continue
		}
		if err := a.w.Flush(); err != nil {
			l.fail(id, a, err)
		}
	}
}

func (l *Logger) closeArtifact(connID string) {
	a, ok := l.open[connID]
	if !ok {
		return
	}
	delete(l.open, connID)
	if a.file == nil {
		return
	}

	if !a.failed {
		if err := a.w.Flush(); err != nil {
			l.fail(connID, a, err)
		}
	}
	if err := a.file.Close(); err != nil && !a.failed {
		l.fail(connID, a, err)
	}
	if l.archive && !a.failed {
		if err := compressFile(a.path, l.path(connID, true)); err != nil {
			l.fail(connID, a, err)
		}
	}
}

// fail reports the first error for an artifact; later records for it are dropped.
func (l *Logger) fail(connID string, a *artifact, err error) {
	if a.failed {
		return
	}
	a.failed = true
	l.log.Warnw("connlog: write failed", "conn", connID, "error", &WriteError{ConnID: connID, Path: a.path, Err: err})
}

func (l *Logger) path(connID string, archived bool) string {
	if archived {
		return filepath.Join(l.dir, connID+archiveExt)
	}
	return filepath.Join(l.dir, connID+logExt)
}

// FormatLine renders a record as stored in an artifact, including the newline.
func FormatLine(rec Record) string {
	var b strings.Builder
	b.WriteString(rec.Time.UTC().Format(time.RFC3339Nano))
	if rec.MessageNum == 0 {
		b.WriteString(" [conn] ")
	} else {
		fmt.Fprintf(&b, " [%s #%d] ", rec.Direction.Arrow(), rec.MessageNum)
	}
	b.WriteString(rec.Text)
	if !strings.HasSuffix(rec.Text, "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("compress: %w", err)
	}
	if err := errors.Join(enc.Close(), out.Close()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("compress: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

// Read returns the full text of a connection's artifact, decompressing archives.
// Records still queued are not included; call Sync first for a consistent view.
func (l *Logger) Read(connID string) (string, error) {
	if !ids.IsValid(connID) {
		return "", fmt.Errorf("invalid connection id %q", connID)
	}

	data, err := os.ReadFile(l.path(connID, false))
	if err == nil {
		return string(data), nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read connection log: %w", err)
	}

	f, err := os.Open(l.path(connID, true))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, connID)
	} else if err != nil {
		return "", fmt.Errorf("read connection log: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer dec.Close()

	var b strings.Builder
	if _, err := io.Copy(&b, dec); err != nil {
		return "", fmt.Errorf("decompress connection log: %w", err)
	}
	return b.String(), nil
}

// List returns every stored artifact ordered by modification time.
func (l *Logger) List() ([]Artifact, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("list connection logs: %w", err)
	}

	var artifacts []Artifact
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var a Artifact
		switch {
		case strings.HasSuffix(name, archiveExt):
			a.ConnID = strings.TrimSuffix(name, archiveExt)
			a.Archived = true
		case strings.HasSuffix(name, logExt):
			a.ConnID = strings.TrimSuffix(name, logExt)
		default:
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // removed while listing, e.g. by archiving
		}
		a.Path = filepath.Join(l.dir, name)
		a.Size = info.Size()
		a.ModTime = info.ModTime()
		artifacts = append(artifacts, a)
	}

	slices.SortFunc(artifacts, func(a, b Artifact) int {
		if c := a.ModTime.Compare(b.ModTime); c != 0 {
			return c
		}
		return strings.Compare(a.ConnID, b.ConnID)
	})
	return artifacts, nil
}

// Tail returns the last n lines of text; n <= 0 returns text unchanged.
func Tail(text string, n int) string {
	if n <= 0 {
		return text
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "")
}
