package posix

import (
	"sync"
	"time"

	"github.com/aejsmith/kiwi-core/pkg/ipc"
	"github.com/aejsmith/kiwi-core/pkg/proc"
)

// ProcessRecord is the POSIX compatibility service's per-client state
// (process.h/process.cpp's Process): the connection to the client, its
// kernel process, its signal table and pending/mask bitmaps, its process
// group, and an optional outstanding alarm.
type ProcessRecord struct {
	mu sync.Mutex

	service *Service
	pid     int
	kproc   *proc.Process
	ep      *ipc.Endpoint

	signals     [NSIG]SignalState
	pending     uint32
	mask        uint32
	needHandler bool
	condition   *Condition

	group *ProcessGroup

	alarmTimer    *time.Timer
	alarmDeadline time.Time

	isTerminalSvc *bool
}

// newProcessRecord builds a fresh per-client record in its default signal
// state (every disposition Default, no signals pending or masked),
// attached to the service's default group/session (process.cpp's
// constructor: every process starts out in the default, untracked group).
func newProcessRecord(svc *Service, kproc *proc.Process, ep *ipc.Endpoint) *ProcessRecord {
	p := &ProcessRecord{
		service:   svc,
		pid:       kproc.ID(),
		kproc:     kproc,
		ep:        ep,
		condition: NewCondition(),
		group:     svc.defaultGroup,
	}
	return p
}

// reconnect rebinds an existing record to a freshly-accepted connection,
// the exec-reconnection path (handleHangupEvent's STATUS_STILL_RUNNING
// branch, driven by Service.acceptConnection): mask, pending bits and
// Ignore dispositions survive; every other disposition resets to Default
// and its flags clear (spec §8 scenario 5, "signal handlers reset to
// default, SIGIGN dispositions and the signal mask survive").
func (p *ProcessRecord) reconnect(ep *ipc.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ep = ep
	for i := range p.signals {
		if p.signals[i].Disposition == DispositionHandler {
			p.signals[i].Disposition = DispositionDefault
		}
		p.signals[i].Flags = 0
	}
	p.updateLocked()
}

// signalsDeliverable returns the bits that are both pending and not masked
// (process.cpp's signalsDeliverable: pending & ~mask).
func (p *ProcessRecord) signalsDeliverable() uint32 {
	return p.pending &^ p.mask
}

// updateLocked is process.cpp's updateSignals, called with p.mu held: for
// every deliverable bit, a Default disposition runs its action immediately
// and clears pending; a Handler disposition is left pending for the client
// to drain via GET_PENDING_SIGNAL. The signal condition is set iff any bit
// is left needing a handler.
func (p *ProcessRecord) updateLocked() {
	deliverable := p.signalsDeliverable()
	needHandler := false

	for num := 1; num < NSIG; num++ {
		bit := uint32(1) << uint(num)
		if deliverable&bit == 0 {
			continue
		}
		switch p.signals[num].Disposition {
		case DispositionDefault:
			p.runDefaultActionLocked(num, p.signals[num].Info)
			p.pending &^= bit
		case DispositionHandler:
			needHandler = true
		case DispositionIgnore:
			p.pending &^= bit
		}
	}

	p.needHandler = needHandler
	p.condition.Set(needHandler)
}

// runDefaultActionLocked is process.cpp's default_signal: Terminate and
// CoreDump both kill the process (core-dump capture itself is left
// unimplemented, as in the original); Stop/Continue are logged only, no
// job-control state machine exists in this port; Ignore is a no-op.
func (p *ProcessRecord) runDefaultActionLocked(num int, info SigInfo) {
	switch defaultActionFor(num) {
	case actionTerminate, actionCoreDump:
		status := proc.ExitStatus{Reason: proc.ExitKilled, Code: uint16(num)}
		p.service.tree.Kill(p.kproc, status)
	case actionStop:
		p.service.log.Info("process stop via default signal action is not implemented")
	case actionContinue:
		p.service.log.Info("process continue via default signal action is not implemented")
	case actionIgnore:
		// nothing to do
	}
}

// sendSignal is process.cpp's sendSignal: a no-op if the signal is already
// pending or explicitly ignored, else captures siginfo and re-evaluates
// delivery.
func (p *ProcessRecord) sendSignal(num int, senderPid, senderUid int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bit := uint32(1) << uint(num)
	if p.pending&bit != 0 || p.signals[num].Disposition == DispositionIgnore {
		return
	}
	p.signals[num].Info = SigInfo{Signo: num, Pid: senderPid, Uid: senderUid}
	p.pending |= bit
	p.updateLocked()
}

// --- message handlers, one per ReqXxx (process.cpp's handleMessage switch) ---

func (p *ProcessRecord) handleGetSignalCondition() *GetSignalConditionReply {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &GetSignalConditionReply{Err: ErrnoNone, Condition: p.condition}
}

func (p *ProcessRecord) handleGetPendingSignal() *GetPendingSignalReply {
	p.mu.Lock()
	defer p.mu.Unlock()

	deliverable := p.signalsDeliverable()
	for num := 1; num < NSIG; num++ {
		bit := uint32(1) << uint(num)
		if deliverable&bit == 0 || p.signals[num].Disposition != DispositionHandler {
			continue
		}
		p.pending &^= bit
		info := p.signals[num].Info
		p.updateLocked()
		return &GetPendingSignalReply{Err: ErrnoNone, Info: info}
	}
	return &GetPendingSignalReply{Err: ErrnoAgain}
}

// handleSetSignalAction is SET_SIGNAL_ACTION: num must be in [1, NSIG);
// SIGKILL/SIGSTOP cannot be changed away from Default (process.cpp).
func (p *ProcessRecord) handleSetSignalAction(req *SetSignalActionRequest) *SetSignalActionReply {
	if req.Num < 1 || req.Num >= NSIG {
		return &SetSignalActionReply{Err: ErrnoInval}
	}
	if (req.Num == SIGKILL || req.Num == SIGSTOP) && req.Disposition != DispositionDefault {
		return &SetSignalActionReply{Err: ErrnoInval}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.signals[req.Num].Disposition = req.Disposition
	p.signals[req.Num].Flags = req.Flags
	if req.Disposition == DispositionIgnore {
		p.pending &^= uint32(1) << uint(req.Num)
		p.updateLocked()
	}
	return &SetSignalActionReply{Err: ErrnoNone}
}

// handleSetSignalMask is SET_SIGNAL_MASK: bits at/above NSIG and the
// SIGKILL/SIGSTOP bits are silently discarded, not rejected (process.cpp).
func (p *ProcessRecord) handleSetSignalMask(req *SetSignalMaskRequest) *SetSignalMaskReply {
	mask := req.Mask &^ (uint32(1)<<uint(SIGKILL) | uint32(1)<<uint(SIGSTOP))
	if NSIG < 32 {
		mask &^= ^uint32(0) << uint(NSIG)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if mask != p.mask {
		p.mask = mask
		p.updateLocked()
	}
	return &SetSignalMaskReply{Err: ErrnoNone}
}

// handleAlarm is ALARM: stops any existing timer (reporting the remaining
// whole seconds), then starts a fresh one-shot timer if seconds > 0
// (process.cpp's alarm()).
func (p *ProcessRecord) handleAlarm(req *AlarmRequest) *AlarmReply {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := p.stopAlarmLocked()

	if req.Seconds > 0 {
		p.alarmDeadline = timeNow().Add(time.Duration(req.Seconds) * time.Second)
		p.alarmTimer = time.AfterFunc(time.Duration(req.Seconds)*time.Second, p.handleAlarmFired)
	}

	return &AlarmReply{Err: ErrnoNone, Remaining: remaining}
}

// stopAlarmLocked cancels any running alarm timer and returns the whole
// seconds remaining on it, p.mu held.
func (p *ProcessRecord) stopAlarmLocked() uint32 {
	if p.alarmTimer == nil {
		return 0
	}
	p.alarmTimer.Stop()
	p.alarmTimer = nil
	remaining := time.Until(p.alarmDeadline)
	if remaining <= 0 {
		return 0
	}
	return uint32(remaining / time.Second)
}

// handleAlarmFired is the timer callback (process.cpp's handleAlarmEvent):
// stop the (already-fired) timer, send SIGALRM with no sender.
func (p *ProcessRecord) handleAlarmFired() {
	p.mu.Lock()
	p.alarmTimer = nil
	p.mu.Unlock()
	p.sendSignal(SIGALRM, 0, 0)
}

// timeNow is a seam so handleAlarm doesn't call time.Now() directly more
// than once per call (kept as a plain function rather than a package var:
// no test in this package needs to fake the clock).
func timeNow() time.Time { return time.Now() }
