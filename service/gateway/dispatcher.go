package gateway

import (
	"fmt"

	"github.com/Logan27/mini-messenger-sub000/tools/errs"
)

type HandlerFunc func(c *Client, f *Frame) error

// Dispatcher routes inbound frames by kind. The kind set is closed; Cover
// verifies at construction time that every inbound kind has a handler, so a
// new frame kind cannot ship half-wired.
type Dispatcher struct {
	handlers map[FrameType]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[FrameType]HandlerFunc)}
}

func (d *Dispatcher) Register(t FrameType, h HandlerFunc) {
	d.handlers[t] = h
}

// Dispatch runs the handler for the frame kind. A handler panic is recovered
// into a coded error so one poisoned frame cannot take the read loop down.
func (d *Dispatcher) Dispatch(c *Client, f *Frame) (err error) {
	h, ok := d.handlers[f.Type]
	if !ok {
		return fmt.Errorf("no handler for type=%s", f.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
		}
	}()
	return h(c, f)
}

// Cover panics if any of the given kinds lacks a handler.
func (d *Dispatcher) Cover(types []FrameType) {
	for _, t := range types {
		if _, ok := d.handlers[t]; !ok {
			panic(fmt.Sprintf("dispatcher: no handler registered for %s", t))
		}
	}
}
