package ipc

import (
	"sync"
	"time"

	"github.com/aejsmith/kiwi-core/pkg/proc"
	"github.com/google/uuid"
)

// Registry owns port creation and the default queue depth new connections
// are given, mirroring how pkg/proc.Tree owns process/thread allocation.
// There is no kernel-wide handle table in this port (§6's handle model is a
// collaborator concern this core doesn't implement end to end), so ports and
// endpoints are held and passed around as plain Go pointers rather than
// opaque integer handles.
type Registry struct {
	mu       sync.Mutex
	ports    map[uuid.UUID]*Port
	queueMax int
}

// NewRegistry creates a port registry with the given default queue depth
// (IPC_QUEUE_MAX, spec §3 IPC invariants); queueMax<=0 uses DefaultQueueMax.
func NewRegistry(queueMax int) *Registry {
	if queueMax <= 0 {
		queueMax = DefaultQueueMax
	}
	return &Registry{
		ports:    make(map[uuid.UUID]*Port),
		queueMax: queueMax,
	}
}

// CreatePort implements port_create: allocates a port owned by owner.
func (r *Registry) CreatePort(owner *proc.Process) *Port {
	p := newPort(owner)
	r.mu.Lock()
	r.ports[p.id] = p
	r.mu.Unlock()
	return p
}

// Open implements connection_open against a port looked up by the caller
// (spec §4.D "Open"). Special identifiers (PROCESS_ROOT_PORT and friends,
// spec §6) are resolved by the caller before invoking Open, since this core
// does not implement the collaborators (root port registration per process)
// that would give them meaning end to end.
func (r *Registry) Open(port *Port, caller *proc.Process, timeout time.Duration) (*Endpoint, error) {
	return Open(port, caller, r.queueMax, timeout)
}
