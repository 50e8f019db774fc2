package plugin

import (
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var errNilBuffer = errors.New("returned nil buffer")

// Dispatcher runs the enabled chain of a Registry for each message.
type Dispatcher struct {
	registry *Registry
	log      *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher over registry. A nil log discards reports.
func NewDispatcher(registry *Registry, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{registry: registry, log: log}
}

// Dispatch passes data through the enabled plugins for msg.Direction in order
// and returns the buffer to forward. An empty result means a modifier dropped
// the message. Plugin failures are reported and skipped, so Dispatch always
// returns a usable buffer.
//
// The chain is read once per call: a toggle during dispatch applies to the
// next message.
func (d *Dispatcher) Dispatch(msg Message, data []byte, out Emitter) []byte {
	if out == nil {
		out = EmitterFunc(func(string) {})
	}

	current := data
	for _, e := range d.registry.chain(msg.Direction) {
		result, err := d.apply(e, msg, current, out)
		if err != nil {
			execErr := &ExecutionError{
				Plugin:     e.spec.Name,
				ConnID:     msg.ConnID,
				Direction:  msg.Direction,
				MessageNum: msg.Num,
				Err:        err,
			}
			d.log.Warnw("plugin: execution failed",
				"conn", msg.ConnID, "plugin", e.spec.Name, "msg_num", msg.Num,
				"direction", msg.Direction.String(), "error", err)
			out.Emit("error: " + execErr.Error())
			continue
		}

		if e.spec.Role == RoleObserver {
			continue
		}
		current = result
		if len(current) == 0 {
			out.Emit(fmt.Sprintf("[%s] dropped message", e.spec.Name))
			return current
		}
	}
	return current
}

// apply invokes one plugin on its own copy of data, converting a panic into an error.
func (d *Dispatcher) apply(e *entry, msg Message, data []byte, out Emitter) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	prefix := "[" + e.spec.Name + "] "
	emit := EmitterFunc(func(text string) {
		out.Emit(prefix + text)
	})

	result, err = e.plugin.Apply(msg, bytes.Clone(data), emit)
	if err == nil && result == nil {
		err = errNilBuffer
	}
	return result, err
}
