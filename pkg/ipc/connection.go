package ipc

import (
	"sync"
	"time"

	"github.com/aejsmith/kiwi-core/pkg/kstatus"
	"github.com/aejsmith/kiwi-core/pkg/proc"
	"github.com/google/uuid"
)

// KernelOps lets a server-side endpoint act as a "kernel endpoint": sends
// into it delegate directly to Receive instead of being queued (spec §3
// Endpoint "optional kernel-side operations vtable for 'kernel endpoints'").
type KernelOps struct {
	Receive func(msg *KernelMessage)
	Close   func()
}

// Endpoint is one side of a Connection (spec §3 "Endpoint").
type Endpoint struct {
	conn   *Connection
	remote *Endpoint

	process *proc.Process // weak, spec §9
	flags   uint32

	kernelOps *KernelOps

	queue   []*KernelMessage
	pending *KernelMessage

	dataCond  *sync.Cond
	spaceCond *sync.Cond

	hangupNotifiers  []func()
	messageNotifiers []func()
}

// Process returns the endpoint's owning process, or nil once the other
// endpoint has closed the connection. The owner's death does not clear it.
func (e *Endpoint) Process() *proc.Process {
	e.conn.mu.Lock()
	defer e.conn.mu.Unlock()
	return e.process
}

// RemoteProcess returns the process owning the far end of the connection.
// A service accepting connections on its port uses this in place of the
// original's kern_connection_open_remote + kern_process_open indirection
// (unneeded here since both endpoints live in the same address space).
func (e *Endpoint) RemoteProcess() *proc.Process {
	e.conn.mu.Lock()
	defer e.conn.mu.Unlock()
	return e.remote.process
}

// SetFlags sets endpoint flags such as EndpointDrop.
func (e *Endpoint) SetFlags(flags uint32) {
	e.conn.mu.Lock()
	e.flags = flags
	e.conn.mu.Unlock()
}

// SetKernelOps installs (or clears, passing nil) a kernel-endpoint receive
// hook.
func (e *Endpoint) SetKernelOps(ops *KernelOps) {
	e.conn.mu.Lock()
	e.kernelOps = ops
	e.conn.mu.Unlock()
}

// AddHangupNotifier registers fn to run exactly once when the connection
// closes (spec §3 "hangup ... notifiers").
func (e *Endpoint) AddHangupNotifier(fn func()) {
	e.conn.mu.Lock()
	if e.conn.state == ConnClosed {
		e.conn.mu.Unlock()
		fn()
		return
	}
	e.hangupNotifiers = append(e.hangupNotifiers, fn)
	e.conn.mu.Unlock()
}

// AddMessageNotifier registers fn to run whenever a message is queued at
// this endpoint.
func (e *Endpoint) AddMessageNotifier(fn func()) {
	e.conn.mu.Lock()
	e.messageNotifiers = append(e.messageNotifiers, fn)
	e.conn.mu.Unlock()
}

// Connection pairs two endpoints moving through Setup->Active->Closed (spec
// §4.D "Connection state machine").
type Connection struct {
	id uuid.UUID

	mu       sync.Mutex
	state    ConnState
	openCond *sync.Cond
	refcount int

	endpoints [2]*Endpoint
	queueMax  int
}

const (
	clientEndpoint = 0
	serverEndpoint = 1
)

// newConnection allocates a Setup connection with two fresh, mutually
// linked endpoints and a joint reference count of 2 (spec §3 "joint
// reference count (2 initially — one per endpoint)").
func newConnection(queueMax int) *Connection {
	c := &Connection{
		id:       uuid.New(),
		state:    ConnSetup,
		refcount: 2,
		queueMax: queueMax,
	}
	c.openCond = sync.NewCond(&c.mu)

	client := &Endpoint{conn: c}
	server := &Endpoint{conn: c}
	client.remote = server
	server.remote = client
	client.dataCond = sync.NewCond(&c.mu)
	client.spaceCond = sync.NewCond(&c.mu)
	server.dataCond = sync.NewCond(&c.mu)
	server.spaceCond = sync.NewCond(&c.mu)

	c.endpoints[clientEndpoint] = client
	c.endpoints[serverEndpoint] = server
	return c
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) release() {
	c.mu.Lock()
	c.refcount--
	c.mu.Unlock()
}

// Open implements connection_open (spec §4.D "Open"): allocate a Setup
// connection against port, queue it on the port's waiting list, then sleep
// on the open condition until a listener accepts it, the port is disowned,
// or the wait ends.
func Open(port *Port, caller *proc.Process, queueMax int, timeout time.Duration) (*Endpoint, error) {
	if port.Owner() == nil {
		return nil, kstatus.ConnHungUp
	}

	if queueMax <= 0 {
		queueMax = DefaultQueueMax
	}

	conn := newConnection(queueMax)
	client := conn.endpoints[clientEndpoint]
	client.process = caller

	port.enqueue(conn)

	conn.mu.Lock()
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	var giveUp kstatus.Status
	for conn.state == ConnSetup {
		if timeout == 0 {
			giveUp = kstatus.WouldBlock
			break
		}
		ok := waitDeadline(conn.openCond, deadline)
		// Re-check state immediately upon waking, before deciding the wait
		// failed: the connection may have been accepted (or closed) in the
		// same window the timer fired in (kern_connection_open's race
		// "connection accepted while acquiring locks after wait").
		if conn.state != ConnSetup {
			break
		}
		if !ok {
			giveUp = kstatus.TimedOut
			break
		}
	}
	state := conn.state
	conn.mu.Unlock()

	if state == ConnSetup {
		// Gave up: dequeue ourselves since nobody else will.
		port.dequeue(conn)
		conn.mu.Lock()
		if conn.state == ConnSetup {
			conn.state = ConnClosed
		}
		conn.mu.Unlock()
		conn.release()
		return nil, giveUp
	}

	if state != ConnActive {
		conn.release()
		return nil, kstatus.ConnHungUp
	}

	return client, nil
}

// Send implements connection_send (spec §4.D "Send").
func Send(e *Endpoint, msg *KernelMessage, flags uint32, timeout time.Duration) error {
	e.conn.mu.Lock()

	e.pending = nil

	if e.conn.state == ConnClosed {
		e.conn.mu.Unlock()
		return kstatus.ConnHungUp
	}

	remote := e.remote

	if remote.flags&EndpointDrop != 0 {
		e.conn.mu.Unlock()
		return nil
	}

	msg.Timestamp = time.Now()
	if flags&SendSecurity != 0 && e.process != nil {
		msg.Security = e.process
	}

	if remote.kernelOps != nil && remote.kernelOps.Receive != nil {
		hook := remote.kernelOps.Receive
		e.conn.mu.Unlock()
		hook(msg)
		return nil
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for len(remote.queue) >= e.conn.queueMax && flags&SendForce == 0 {
		if e.conn.state == ConnClosed {
			e.conn.mu.Unlock()
			return kstatus.ConnHungUp
		}
		if timeout == 0 {
			e.conn.mu.Unlock()
			return kstatus.WouldBlock
		}
		ok := waitDeadline(remote.spaceCond, deadline)
		if e.conn.state == ConnClosed {
			e.conn.mu.Unlock()
			return kstatus.ConnHungUp
		}
		if !ok && len(remote.queue) >= e.conn.queueMax {
			e.conn.mu.Unlock()
			return kstatus.TimedOut
		}
	}

	remote.queue = append(remote.queue, msg)
	remote.dataCond.Broadcast()
	notifiers := append([]func(){}, remote.messageNotifiers...)
	e.conn.mu.Unlock()

	for _, fn := range notifiers {
		fn()
	}
	return nil
}

// Receive implements connection_receive (spec §4.D "Receive").
func Receive(e *Endpoint, flags uint32, timeout time.Duration) (*KernelMessage, error) {
	e.conn.mu.Lock()
	e.pending = nil

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for len(e.queue) == 0 {
		if e.conn.state == ConnClosed {
			e.conn.mu.Unlock()
			return nil, kstatus.ConnHungUp
		}
		if timeout == 0 {
			e.conn.mu.Unlock()
			return nil, kstatus.WouldBlock
		}
		ok := waitDeadline(e.dataCond, deadline)
		if len(e.queue) > 0 {
			break
		}
		if e.conn.state == ConnClosed {
			e.conn.mu.Unlock()
			return nil, kstatus.ConnHungUp
		}
		if !ok {
			e.conn.mu.Unlock()
			return nil, kstatus.TimedOut
		}
	}

	msg := e.queue[0]
	e.queue = e.queue[1:]
	if len(e.queue) < e.conn.queueMax {
		e.spaceCond.Broadcast()
	}
	e.conn.mu.Unlock()

	return msg, nil
}

// ReceiveRetain behaves like Receive but stashes the message as the
// endpoint's pending attachment rather than returning it directly, mirroring
// the user-mode wrapper that lets data/handles be retrieved piecemeal by
// ReceiveData/ReceiveHandle (spec §4.D "Receive").
func ReceiveRetain(e *Endpoint, flags uint32, timeout time.Duration) error {
	msg, err := Receive(e, flags, timeout)
	if err != nil {
		return err
	}
	e.conn.mu.Lock()
	e.pending = msg
	e.conn.mu.Unlock()
	return nil
}

// ReceiveData returns the data of the endpoint's pending message.
func ReceiveData(e *Endpoint) ([]byte, error) {
	e.conn.mu.Lock()
	defer e.conn.mu.Unlock()
	if e.pending == nil {
		return nil, kstatus.InvalidArg
	}
	return e.pending.Data, nil
}

// ReceiveHandle returns the handle attached to the endpoint's pending
// message (spec §8 round-trip "extract via receive_handle").
func ReceiveHandle(e *Endpoint) (interface{}, error) {
	e.conn.mu.Lock()
	defer e.conn.mu.Unlock()
	if e.pending == nil {
		return nil, kstatus.InvalidArg
	}
	if e.pending.Handle == nil {
		return nil, kstatus.NotFound
	}
	return e.pending.Handle, nil
}

// Status reports the connection state visible from e (kern_connection_status).
func Status(e *Endpoint) ConnState {
	return e.conn.State()
}

// Close implements ipc_connection_close (spec §4.D "Close"). Idempotent:
// only the first call (on either endpoint) has effect.
func Close(e *Endpoint) {
	e.conn.mu.Lock()

	if e.conn.state == ConnActive {
		// The remote process could still have threads waiting for space at
		// this end or for messages at its end; wake them so they observe
		// the connection is now closed (ipc_connection_close verbatim).
		e.spaceCond.Broadcast()
		e.remote.dataCond.Broadcast()
	}

	closing := e.conn.state != ConnClosed
	if closing {
		e.conn.state = ConnClosed
		e.conn.openCond.Broadcast()
	}

	// Discard both queues and any pending attachment (spec §4.D "Close":
	// "drains both queues"; a deliberate broadening of the original, which
	// only discards the closing endpoint's own queue, since the spec's
	// stated invariant is symmetric).
	e.queue = nil
	e.pending = nil
	e.remote.queue = nil
	e.remote.pending = nil

	// The remote can no longer be opened/read by a process that might be
	// dying and freed (spec §4.D "Close": "clears the owning-process
	// pointer").
	e.remote.process = nil

	var hangupFns []func()
	if closing {
		hangupFns = append(hangupFns, e.remote.hangupNotifiers...)
		e.remote.hangupNotifiers = nil
	}
	remoteOps := e.remote.kernelOps

	e.conn.mu.Unlock()

	for _, fn := range hangupFns {
		fn()
	}
	if closing && remoteOps != nil && remoteOps.Close != nil {
		remoteOps.Close()
	}

	e.conn.release()
}
