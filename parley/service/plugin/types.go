package plugin

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Direction identifies which traffic flow a plugin chain applies to.
type Direction uint8

const (
	// DirectionAny matches every direction in registry operations.
	DirectionAny Direction = iota
	// ClientToServer is traffic read from the client leg and written upstream.
	ClientToServer
	// ServerToClient is traffic read from the upstream leg and written to the client.
	ServerToClient
)

// Directions lists the concrete directions in chain order.
var Directions = []Direction{ClientToServer, ServerToClient}

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client"
	case ServerToClient:
		return "server"
	default:
		return "any"
	}
}

// Arrow renders the direction for log lines.
func (d Direction) Arrow() string {
	switch d {
	case ClientToServer:
		return "c>s"
	case ServerToClient:
		return "s>c"
	default:
		return "*"
	}
}

// ParseDirection accepts "client"/"c2s", "server"/"s2c" and "" or "any".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "both":
		return DirectionAny, nil
	case "client", "c2s", "client_to_server", "request":
		return ClientToServer, nil
	case "server", "s2c", "server_to_client", "response":
		return ServerToClient, nil
	default:
		return DirectionAny, fmt.Errorf("invalid direction %q: must be client or server", s)
	}
}

// Role declares whether a plugin may alter forwarded bytes.
type Role uint8

const (
	// RoleObserver plugins inspect and log; their returned buffer is discarded.
	RoleObserver Role = iota
	// RoleModifier plugins return the buffer that continues down the chain.
	RoleModifier
)

func (r Role) String() string {
	if r == RoleModifier {
		return "modifier"
	}
	return "observer"
}

// ParseRole parses "modifier" or "observer".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "modifier", "modify":
		return RoleModifier, nil
	case "observer", "observe", "decoder":
		return RoleObserver, nil
	default:
		return RoleObserver, fmt.Errorf("invalid role %q: must be modifier or observer", s)
	}
}

// inferRole applies the author convention of a "modify" name marker,
// optionally behind a numeric ordering prefix such as "10_modify_auth".
func inferRole(name string) Role {
	trimmed := strings.TrimLeft(strings.ToLower(name), "0123456789_-. ")
	if strings.HasPrefix(trimmed, "modify") {
		return RoleModifier
	}
	return RoleObserver
}

// Endpoint is one side of a relayed connection.
type Endpoint struct {
	IP   string
	Port int
}

func (e Endpoint) String() string {
	if strings.Contains(e.IP, ":") {
		return "[" + e.IP + "]:" + strconv.Itoa(e.Port)
	}
	return e.IP + ":" + strconv.Itoa(e.Port)
}

// Message carries the addressing metadata for one dispatched buffer.
type Message struct {
	ConnID    string
	Num       uint64 // per-direction sequence, starting at 1
	Direction Direction
	Source    Endpoint
	Dest      Endpoint
}

// Emitter receives log lines written by plugins.
type Emitter interface {
	Emit(text string)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(text string)

func (f EmitterFunc) Emit(text string) { f(text) }

// Plugin is the entry point every loaded plugin must satisfy.
//
// Apply owns data for the duration of the call and returns the buffer handed
// to the next plugin. It must always return a buffer: data unchanged when not
// acting, an empty non-nil slice to drop the message. Returning an error or
// panicking leaves the buffer as it was before the call.
type Plugin interface {
	Description() string
	Apply(msg Message, data []byte, out Emitter) ([]byte, error)
}

// RoleDeclarer is optionally implemented by compiled plugins to declare their role
// instead of relying on the name convention.
type RoleDeclarer interface {
	Role() Role
}

// Spec describes one discovered plugin.
type Spec struct {
	Name        string
	Direction   Direction
	Description string
	Role        Role
	Enabled     bool
	Order       int    // position in the direction's discovery order
	Path        string // source file
}

// ErrPluginNotFound is returned when an operation names an unknown plugin.
var ErrPluginNotFound = errors.New("plugin not found")

// LoadError reports a plugin that failed discovery and was skipped.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load plugin %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ExecutionError reports a plugin failure during dispatch.
type ExecutionError struct {
	Plugin     string
	ConnID     string
	Direction  Direction
	MessageNum uint64
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("plugin %s failed on %s message %d of connection %s: %v",
		e.Plugin, e.Direction, e.MessageNum, e.ConnID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
