package ipc

import (
	"sync"
	"time"

	"github.com/aejsmith/kiwi-core/pkg/kstatus"
	"github.com/aejsmith/kiwi-core/pkg/proc"
	"github.com/google/uuid"
)

// Port is a named rendezvous for connection attempts, owned by a single
// process (spec §3 "Port").
type Port struct {
	id uuid.UUID

	mu         sync.Mutex
	owner      *proc.Process // weak, spec §9 "Cyclic object references"
	ownerRefs  int
	waiting    []*Connection
	listenCond *sync.Cond

	notifiers []func(*Connection) // connection-arrival notifier
}

// newPort creates a port owned by owner, registering a death hook that
// disowns it automatically (mirrors port_object_detach's owner_count
// reaching zero, simplified here to a single reference since this port is
// not exposed through a duplicable handle table).
func newPort(owner *proc.Process) *Port {
	p := &Port{
		id:        uuid.New(),
		owner:     owner,
		ownerRefs: 1,
	}
	p.listenCond = sync.NewCond(&p.mu)
	if owner != nil {
		owner.OnDeath(func(*proc.Process) { p.disown(owner) })
	}
	return p
}

// disown clears the owner and cancels every in-progress connection attempt
// still queued on the port (port_object_detach's owner_count==0 path):
// each is unlinked, marked Closed, and its opener woken.
func (p *Port) disown(owner *proc.Process) {
	p.mu.Lock()
	if p.owner != owner {
		p.mu.Unlock()
		return
	}
	p.owner = nil
	waiting := p.waiting
	p.waiting = nil
	p.mu.Unlock()

	for _, conn := range waiting {
		conn.mu.Lock()
		if conn.state == ConnSetup {
			conn.state = ConnClosed
			conn.openCond.Broadcast()
		}
		conn.mu.Unlock()
	}
}

// Owner returns the current owning process, or nil once disowned.
func (p *Port) Owner() *proc.Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owner
}

// AddConnectionNotifier registers a callback run (outside the port lock)
// whenever a connection attempt is queued (spec §3 "connection-arrival
// notifier").
func (p *Port) AddConnectionNotifier(fn func(*Connection)) {
	p.mu.Lock()
	p.notifiers = append(p.notifiers, fn)
	p.mu.Unlock()
}

func (p *Port) notify(conn *Connection) {
	p.mu.Lock()
	fns := append([]func(*Connection){}, p.notifiers...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(conn)
	}
}

// enqueue links conn onto the waiting list and wakes any listener (spec
// §4.D "Open": "signal the port's listen condition and connection
// notifier").
func (p *Port) enqueue(conn *Connection) {
	p.mu.Lock()
	p.waiting = append(p.waiting, conn)
	p.listenCond.Broadcast()
	p.mu.Unlock()
	p.notify(conn)
}

// dequeue removes conn from the waiting list if still present, used when a
// client gives up (WouldBlock/TimedOut) on Open before any listener accepts
// it.
func (p *Port) dequeue(conn *Connection) {
	p.mu.Lock()
	for i, c := range p.waiting {
		if c == conn {
			p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// Listen implements port_listen: callable only by the port's owner, it
// waits for a connection attempt and accepts it (spec §4.D "Listen").
func (p *Port) Listen(caller *proc.Process, timeout time.Duration) (*Endpoint, error) {
	p.mu.Lock()
	if p.owner == nil || p.owner != caller {
		p.mu.Unlock()
		return nil, kstatus.AccessDenied
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for len(p.waiting) == 0 {
		if timeout == 0 {
			p.mu.Unlock()
			return nil, kstatus.WouldBlock
		}
		if !waitDeadline(p.listenCond, deadline) && len(p.waiting) == 0 {
			p.mu.Unlock()
			return nil, kstatus.TimedOut
		}
	}

	// Pop the head connection. The race named in kern_port_listen
	// ("connection pulled off list while waking") can't occur here: only
	// the owner may call Listen, and the pop happens while still holding
	// p.mu, so there is exactly one popper per queued connection.
	conn := p.waiting[0]
	p.waiting = p.waiting[1:]
	p.mu.Unlock()

	conn.mu.Lock()
	if conn.state != ConnSetup {
		// Disowned or timed out while it sat on the list.
		conn.mu.Unlock()
		return nil, kstatus.ConnHungUp
	}

	server := conn.endpoints[serverEndpoint]
	server.process = caller
	conn.state = ConnActive
	conn.openCond.Broadcast()
	conn.mu.Unlock()

	return server, nil
}
