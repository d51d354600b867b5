package proc

import (
	"sync"
	"time"

	"github.com/aejsmith/kiwi-core/pkg/kstatus"
)

// Interrupt is a queued user-mode interrupt record (spec §4.C "Thread
// interrupts"), ordered by descending Priority, FIFO within a priority.
type Interrupt struct {
	Priority int
	Handler  func(*Thread)
	// PostCB, if set, runs after the interrupt has been handled instead
	// of the record being discarded (mirrors post_cb on thread_interrupt_t).
	PostCB func(*Interrupt)
}

// Thread is one schedulable unit within a Process (spec §3 "Thread").
type Thread struct {
	mu sync.Mutex

	id      int
	name    string
	process *Process

	state    ThreadState
	priority int
	refcount int

	killed        bool
	interrupted   bool
	interruptible bool

	ipl        int
	interrupts []*Interrupt

	// waitLock is the external lock thread_sleep() was called with, read
	// by Wake/Interrupt/the timeout callback under the "acquire, re-read,
	// retry if changed" dance of spec §9 "Wait-lock requeue" — preserved
	// exactly because another goroutine (a requeue operation) can swap
	// out the lock a sleeper is waiting on between the initial read and
	// the lock acquisition.
	waitLock sync.Locker
	waitingOn string

	wakeCh     chan kstatus.Status
	sleepTimer *time.Timer
}

func (t *Thread) ID() int           { return t.id }
func (t *Thread) Name() string      { return t.name }
func (t *Thread) Process() *Process { return t.process }
func (t *Thread) Priority() int     { return t.priority }

func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// WaitingOn reports the name passed to the in-progress Sleep call, or ""
// if the thread isn't sleeping.
func (t *Thread) WaitingOn() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != ThreadSleeping {
		return ""
	}
	return t.waitingOn
}

// Retain/Release implement reference counting identical in shape to
// process_retain/release (thread_retain/release in the original).
func (t *Thread) Retain() {
	t.mu.Lock()
	t.refcount++
	t.mu.Unlock()
}

func (t *Thread) Release() {
	t.mu.Lock()
	t.refcount--
	done := t.refcount == 0
	t.mu.Unlock()
	if done {
		t.cleanup()
	}
}

func (t *Thread) cleanup() {
	t.mu.Lock()
	interrupts := t.interrupts
	t.interrupts = nil
	t.mu.Unlock()

	for _, in := range interrupts {
		if in.PostCB != nil {
			in.PostCB(in)
		}
	}
}

// acquireWaitLock implements the retry dance: read the wait lock pointer,
// lock it, then re-check the pointer hasn't changed underneath us (a
// requeue operation can swap it out between the read and the acquire).
func (t *Thread) acquireWaitLock() sync.Locker {
	for {
		t.mu.Lock()
		lock := t.waitLock
		t.mu.Unlock()
		if lock == nil {
			return nil
		}
		lock.Lock()
		t.mu.Lock()
		same := t.waitLock == lock
		t.mu.Unlock()
		if same {
			return lock
		}
		lock.Unlock()
	}
}

// Sleep atomically releases lock (if non-nil) and suspends the calling
// thread until woken, interrupted, or timeout elapses (spec §4.C
// "Interruptible sleep"). lock may be nil for an unconditional sleep.
func (t *Thread) Sleep(lock sync.Locker, timeout time.Duration, name string, flags SleepFlags) kstatus.Status {
	if timeout == 0 {
		if lock != nil {
			lock.Unlock()
		}
		return kstatus.WouldBlock
	}

	t.mu.Lock()
	if flags&SleepInterruptible != 0 && t.interrupted {
		t.mu.Unlock()
		if lock != nil {
			lock.Unlock()
		}
		return kstatus.Interrupted
	}

	t.waitLock = lock
	t.interruptible = flags&SleepInterruptible != 0
	t.state = ThreadSleeping
	t.waitingOn = name

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() { t.timeout() })
		t.sleepTimer = timer
	}
	t.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}

	status := <-t.wakeCh

	if timer != nil {
		timer.Stop()
	}

	return status
}

// wakeLocked transitions a sleeping thread to Ready and delivers status,
// mirroring thread_wake_unsafe. Caller must hold t.mu.
func (t *Thread) wakeLocked(status kstatus.Status) {
	if t.state != ThreadSleeping {
		return
	}
	t.state = ThreadReady
	t.interruptible = false
	t.waitLock = nil
	select {
	case t.wakeCh <- status:
	default:
	}
}

// Wake wakes a sleeping thread with SUCCESS (spec §4.C). The caller must
// hold the lock Sleep() was invoked with, per the original contract.
func (t *Thread) Wake() {
	t.mu.Lock()
	t.wakeLocked(kstatus.OK)
	t.mu.Unlock()
}

func (t *Thread) timeout() {
	lock := t.acquireWaitLock()
	t.mu.Lock()
	if t.state == ThreadSleeping {
		t.wakeLocked(kstatus.TimedOut)
	}
	t.mu.Unlock()
	if lock != nil {
		lock.Unlock()
	}
}

// interruptLocked implements thread_interrupt_internal. Caller must hold
// t.mu.
func (t *Thread) interruptLocked() {
	t.interrupted = true
	if t.state == ThreadSleeping && t.interruptible {
		t.wakeLocked(kstatus.Interrupted)
	}
}

// Kill sets the killed flag and interrupts the thread out of any
// interruptible wait (spec §4.C "Killing").
func (t *Thread) Kill() {
	lock := t.acquireWaitLock()
	t.mu.Lock()
	t.killed = true
	t.interruptLocked()
	t.mu.Unlock()
	if lock != nil {
		lock.Unlock()
	}
}

// Killed reports whether Kill has been called; checked at user-mode
// entry/exit points to drive a thread out through the normal exit path.
func (t *Thread) Killed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killed
}

// Interrupt queues a user-mode interrupt, ordered by descending priority
// and FIFO within a priority (spec §4.C "Thread interrupts"). If it
// becomes the head of the queue and its priority is at least the
// thread's current IPL, the thread is marked interrupted (and woken if
// sleeping interruptibly).
func (t *Thread) Interrupt(in *Interrupt) {
	lock := t.acquireWaitLock()
	t.mu.Lock()

	inserted := false
	for i, existing := range t.interrupts {
		if in.Priority > existing.Priority {
			t.interrupts = append(t.interrupts[:i], append([]*Interrupt{in}, t.interrupts[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		t.interrupts = append(t.interrupts, in)
	}

	if t.interrupts[0] == in && in.Priority >= t.ipl {
		t.interruptLocked()
	}

	t.mu.Unlock()
	if lock != nil {
		lock.Unlock()
	}
}

// RunInterrupts implements the return-to-user-mode dispatch: pop the
// head interrupt, raise IPL to head.Priority+1, invoke its handler and
// PostCB, then restore the previous IPL via RestoreIPL, repeating until the
// queue is empty (spec §4.C "On return-to-user-mode").
func (t *Thread) RunInterrupts() {
	for {
		t.mu.Lock()
		if len(t.interrupts) == 0 {
			t.mu.Unlock()
			return
		}
		in := t.interrupts[0]
		t.interrupts = t.interrupts[1:]
		prevIPL := t.ipl
		t.ipl = in.Priority + 1
		t.mu.Unlock()

		if in.Handler != nil {
			in.Handler(t)
		}
		if in.PostCB != nil {
			in.PostCB(in)
		}

		t.RestoreIPL(prevIPL)
	}
}

// SetIPL sets the thread's interrupt priority level. Returns InvalidArg
// without changing state if ipl exceeds IPLMax (spec §8 boundary
// behaviour "Setting IPL above the maximum returns INVALID_ARG without
// change").
func (t *Thread) SetIPL(ipl int) error {
	if ipl < 0 || ipl > IPLMax {
		return kstatus.InvalidArg
	}
	t.mu.Lock()
	t.ipl = ipl
	t.mu.Unlock()
	return nil
}

func (t *Thread) IPL() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ipl
}

// RestoreIPL sets the IPL back to a previously saved value, the explicit
// "restore" entry named in spec §4.C.
func (t *Thread) RestoreIPL(ipl int) {
	t.mu.Lock()
	t.ipl = ipl
	t.mu.Unlock()
}

func (t *Thread) setState(s ThreadState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}
