package proc

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aejsmith/kiwi-core/pkg/kstatus"
	"github.com/aejsmith/kiwi-core/pkg/slab"
)

// Process is one process record (spec §3 "Process").
type Process struct {
	mu sync.Mutex

	id       int
	name     string
	parent   *Process
	priority int

	state    ProcessState
	running  int // count of currently-running threads
	refcount int

	exit ExitStatus

	deathOnce sync.Once
	deathFns  []func(*Process)

	threads map[int]*Thread
}

// Tree owns process and thread allocation and the global lookup tables,
// grounded on process_tree/thread_tree + their rwlocks (spec §5
// "Shared-resource policy": "Process tree and thread tree: one global
// rwlock each, read-locked during lookup").
type Tree struct {
	processCache *slab.Cache
	threadCache  *slab.Cache

	mu        sync.RWMutex
	processes map[int]*Process
	threads   map[int]*Thread

	nextProcessID int
	nextThreadID  int

	reaper *reaper
}

// NewTree builds an empty process/thread tree with its own slab caches
// (spec's process_cache/thread_cache, per SPEC_FULL §12's "pkg/proc
// depends on pkg/slab for object storage"). Both caches are created with
// an unknown CPU count (cpuCount 0), the same "boot before the real CPU
// count is known" situation spec §4.A/§9 describes: they fall back to the
// single shared freelist until EnableMagazines is called.
func NewTree() *Tree {
	t := &Tree{
		processes: make(map[int]*Process),
		threads:   make(map[int]*Thread),
		reaper:    newReaper(),
	}
	t.processCache, _ = slab.Create("process", func() interface{} { return &Process{} }, nil, nil, nil, nil, 0, 0, nil)
	t.threadCache, _ = slab.Create("thread", func() interface{} { return &Thread{} }, nil, nil, nil, nil, 0, 0, nil)
	t.reaper.start()
	return t
}

// EnableMagazines runs the slab allocator's late CPU-cache enablement pass
// (spec §4.A / §9) on both of the tree's object caches once the real CPU
// count is known at boot. The two caches are independent, so cmd/kiwid's
// single boot-time call fans them out over errgroup.Group rather than a
// hand-rolled WaitGroup (SPEC_FULL §11's errgroup row for this package).
func (t *Tree) EnableMagazines(cpuCount int) error {
	var g errgroup.Group
	for _, c := range []*slab.Cache{t.processCache, t.threadCache} {
		c := c
		g.Go(func() error {
			c.EnableMagazines(cpuCount)
			return nil
		})
	}
	return g.Wait()
}

// CreateProcess allocates a new process in the Created state (spec §4.C
// state machine), attached to parent (nil for the root/init process).
func (t *Tree) CreateProcess(name string, parent *Process, priority int) *Process {
	obj, err := t.processCache.Alloc(0)
	if err != nil {
		panic("proc: process cache allocation failed: " + err.Error())
	}
	p := obj.(*Process)

	t.mu.Lock()
	t.nextProcessID++
	id := t.nextProcessID
	t.mu.Unlock()

	// Populate fields directly rather than assigning a whole literal,
	// since Process embeds a sync.Mutex (mirrors process_ctor zeroing
	// the struct, then process_alloc populating fields one at a time).
	p.id = id
	p.name = name
	p.parent = parent
	p.priority = priority
	p.state = ProcessCreated
	p.refcount = 1
	p.running = 0
	p.exit = ExitStatus{}
	p.deathFns = nil
	p.threads = make(map[int]*Thread)

	t.mu.Lock()
	t.processes[id] = p
	t.mu.Unlock()

	return p
}

// LookupProcess finds a process by id under the tree's read lock (spec
// §5 "read-locked during lookup").
func (t *Tree) LookupProcess(id int) (*Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.processes[id]
	return p, ok
}

// NewThread creates a new thread attached to proc, in the Created state.
func (t *Tree) NewThread(proc *Process, name string, priority int) *Thread {
	obj, err := t.threadCache.Alloc(0)
	if err != nil {
		panic("proc: thread cache allocation failed: " + err.Error())
	}
	th := obj.(*Thread)

	t.mu.Lock()
	t.nextThreadID++
	id := t.nextThreadID
	t.mu.Unlock()

	th.id = id
	th.name = name
	th.process = proc
	th.priority = priority
	th.state = ThreadCreated
	th.refcount = 1
	th.killed = false
	th.interrupted = false
	th.interruptible = false
	th.ipl = 0
	th.interrupts = nil
	th.waitLock = nil
	th.waitingOn = ""
	th.wakeCh = make(chan kstatus.Status, 1)
	th.sleepTimer = nil

	proc.mu.Lock()
	if proc.state == ProcessDead {
		proc.mu.Unlock()
		panic("proc: attach to dead process")
	}
	proc.refcount++
	proc.threads[id] = th
	proc.mu.Unlock()

	t.mu.Lock()
	t.threads[id] = th
	t.mu.Unlock()

	return th
}

// LookupThread finds a thread by id under the tree's read lock.
func (t *Tree) LookupThread(id int) (*Thread, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	th, ok := t.threads[id]
	return th, ok
}

// ID returns the process id.
func (p *Process) ID() int { return p.id }

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// Parent returns the parent process, or nil for the root.
func (p *Process) Parent() *Process { return p.parent }

// State reports the process's current lifecycle state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitStatus returns the process's recorded exit status (valid once
// State() == ProcessDead).
func (p *Process) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Retain/Release implement process_retain/process_release's reference
// counting.
func (p *Process) Retain() {
	p.mu.Lock()
	p.refcount++
	p.mu.Unlock()
}

func (p *Process) Release() {
	p.mu.Lock()
	p.refcount--
	p.mu.Unlock()
}

// OnDeath registers a callback to run exactly once, at the
// Running->Dead transition (spec §4.C "Death notifier fires exactly
// once"). If the process is already dead, fn runs synchronously and
// immediately (edge-triggered semantics, per process_object_wait's
// "there's no point adding to the notifier" comment).
func (p *Process) OnDeath(fn func(*Process)) {
	p.mu.Lock()
	dead := p.state == ProcessDead
	if !dead {
		p.deathFns = append(p.deathFns, fn)
	}
	p.mu.Unlock()
	if dead {
		fn(p)
	}
}

// threadStarted transitions Created->Running on the first thread to
// start (process_thread_started).
func (p *Process) threadStarted() {
	p.mu.Lock()
	p.running++
	if p.running == 1 {
		p.state = ProcessRunning
	}
	p.mu.Unlock()
}

// threadExited decrements the running count and, on the last thread,
// transitions Running->Dead and fires the death notifier exactly once
// (process_thread_exited). Invoked by the reaper after a thread's
// resources have been cleaned up.
func (p *Process) threadExited(th *Thread) {
	p.mu.Lock()
	delete(p.threads, th.id)
	p.running--
	last := p.running == 0
	if last {
		p.state = ProcessDead
	}
	p.mu.Unlock()

	if last {
		p.deathOnce.Do(func() {
			p.mu.Lock()
			fns := p.deathFns
			p.deathFns = nil
			p.mu.Unlock()
			for _, fn := range fns {
				fn(p)
			}
		})
	}
}

// Exit marks th as exiting: the thread transitions to Dead and is
// queued to the tree's reaper for cleanup (spec §4.C thread state
// machine "exit"; §9 "Dead-thread cleanup").
func (t *Tree) Exit(th *Thread, status ExitStatus) {
	th.mu.Lock()
	th.state = ThreadDead
	th.mu.Unlock()

	th.process.mu.Lock()
	th.process.exit = status
	th.process.mu.Unlock()

	t.mu.Lock()
	delete(t.threads, th.id)
	t.mu.Unlock()

	t.reaper.queue(th)
}

// Run marks th Running directly (it does not pass through Ready) and, on
// the first thread of its process, performs the process's Created->Running
// transition.
func (t *Tree) Run(th *Thread) {
	th.setState(ThreadRunning)
	th.process.threadStarted()
}

// Kill forcibly terminates every thread of p with the given exit status
// (kern_process_kill), used by the POSIX compatibility service's default
// signal actions Terminate/CoreDump (spec §4.E). Each thread is woken
// (Kill, which also pokes any interruptible sleep) and then driven directly
// through Exit, since this port has no forced-preemption path back into a
// running thread's own exit sequence.
func (t *Tree) Kill(p *Process, status ExitStatus) {
	p.mu.Lock()
	threads := make([]*Thread, 0, len(p.threads))
	for _, th := range p.threads {
		threads = append(threads, th)
	}
	p.mu.Unlock()

	for _, th := range threads {
		th.Kill()
		t.Exit(th, status)
	}
}

// Clone creates a new thread in parent's process, named after parent with
// a "-clone" suffix and given parent's priority. No other state of parent
// is copied, and no value distinguishing the child from the parent is
// returned: the result is just the new *Thread.
func (t *Tree) Clone(parent *Thread) (*Thread, error) {
	if parent == nil {
		return nil, kstatus.InvalidArg
	}
	child := t.NewThread(parent.process, parent.name+"-clone", parent.priority)
	return child, nil
}
