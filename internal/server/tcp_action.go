package server

import (
	"fmt"
	"time"
)

// ActionTag tags one step of the per-instance TCP I/O-ready dispatch.
type ActionTag int

const (
	ActionInitial ActionTag = iota
	ActionSocketRead
	ActionSocketReadResidual
	ActionSocketWrite
	ActionSocketWriteReady
	ActionSocketWriteDeferred
	ActionTunRead
	ActionTunWrite
	ActionTimeout
)

func (t ActionTag) String() string {
	switch t {
	case ActionInitial:
		return "INITIAL"
	case ActionSocketRead:
		return "SOCKET_READ"
	case ActionSocketReadResidual:
		return "SOCKET_READ_RESIDUAL"
	case ActionSocketWrite:
		return "SOCKET_WRITE"
	case ActionSocketWriteReady:
		return "SOCKET_WRITE_READY"
	case ActionSocketWriteDeferred:
		return "SOCKET_WRITE_DEFERRED"
	case ActionTunRead:
		return "TUN_READ"
	case ActionTunWrite:
		return "TUN_WRITE"
	case ActionTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("ACTION(%d)", int(t))
	}
}

// Hooks are the per-transport operations the action machine drives; the
// server wiring supplies these from internal/stream, internal/session, and
// the route table.
type Hooks struct {
	// ReadSocket performs one read+frame-decode step. residual reports
	// whether a further packet is already buffered (the stream reader's
	// residual state) and can be processed without waiting for
	// readiness again.
	ReadSocket func(inst *Instance, now time.Time) (payload []byte, residual bool, err error)
	// Deliver hands a decoded payload into the receive pipeline; as a side
	// effect it may enqueue virtual-interface output (retrievable via
	// PendingTun/ReadTun) or deferred socket output (via the Instance's own
	// deferred queue).
	Deliver func(inst *Instance, payload []byte, now time.Time) error
	// FlushSocket writes the head of the deferred queue if present.
	FlushSocket func(inst *Instance, now time.Time) (wrote bool, err error)
	// PendingTun reports whether Deliver queued a tun frame for inst,
	// without consuming it.
	PendingTun func(inst *Instance) bool
	// ReadTun pops and returns the queued tun frame for inst.
	ReadTun func(inst *Instance) ([]byte, bool)
	// WriteTun hands payload to the virtual interface.
	WriteTun func(inst *Instance, payload []byte) error
}

// Run drives the per-instance action loop starting at start, dispatching
// follow-on actions until none is producible without another select. It
// returns the sequence of tags actually dispatched, for tests and
// diagnostics.
func Run(h Hooks, inst *Instance, start ActionTag, now time.Time) ([]ActionTag, error) {
	var path []ActionTag
	tag := start
	for {
		path = append(path, tag)
		next, produced, err := dispatch(h, tag, inst, now)
		if err != nil {
			return path, err
		}
		if !produced {
			return path, nil
		}
		tag = next
	}
}

func dispatch(h Hooks, tag ActionTag, inst *Instance, now time.Time) (ActionTag, bool, error) {
	switch tag {
	case ActionInitial, ActionSocketRead, ActionSocketReadResidual:
		payload, residual, err := h.ReadSocket(inst, now)
		if err != nil {
			return ActionInitial, false, err
		}
		if payload == nil {
			return ActionInitial, false, nil
		}
		if err := h.Deliver(inst, payload, now); err != nil {
			return ActionInitial, false, err
		}
		if residual {
			return ActionSocketReadResidual, true, nil
		}
		return followOn(h, inst)

	case ActionSocketWrite, ActionSocketWriteReady, ActionSocketWriteDeferred:
		wrote, err := h.FlushSocket(inst, now)
		if err != nil {
			return ActionInitial, false, err
		}
		if !wrote {
			return ActionInitial, false, nil
		}
		if inst.WriteInterest() {
			return ActionSocketWriteDeferred, true, nil
		}
		return followOn(h, inst)

	case ActionTunWrite:
		payload, ok := h.ReadTun(inst)
		if !ok {
			return ActionInitial, false, nil
		}
		if err := h.WriteTun(inst, payload); err != nil {
			return ActionInitial, false, err
		}
		if h.PendingTun(inst) {
			return ActionTunWrite, true, nil
		}
		if inst.WriteInterest() {
			return ActionSocketWriteReady, true, nil
		}
		return ActionInitial, false, nil

	case ActionTunRead, ActionTimeout:
		return ActionInitial, false, nil

	default:
		return ActionInitial, false, fmt.Errorf("server: unknown action tag %v", tag)
	}
}

// followOn decides the action produced after a successful read-and-deliver,
// driven purely by whether pending tun or deferred socket output now
// exists.
func followOn(h Hooks, inst *Instance) (ActionTag, bool, error) {
	if h.PendingTun(inst) {
		return ActionTunWrite, true, nil
	}
	if inst.WriteInterest() {
		return ActionSocketWriteReady, true, nil
	}
	return ActionInitial, false, nil
}
