package posix

import (
	"github.com/aejsmith/kiwi-core/pkg/kstatus"
	"github.com/aejsmith/kiwi-core/pkg/proc"
)

// handleKill is KILL (process.cpp's kill()): pid 0 targets the caller's
// own group, -1 is unimplemented (ENOSYS, spec §9 Open Question), pid<-1
// targets the group -pid, pid>0 targets a single process. A target not
// tracked by this service is assumed to still have default signal
// dispositions and is signalled via the default action table directly
// rather than through sendSignal (it never connected, so it has no
// ProcessRecord to carry pending/mask state).
func (s *Service) handleKill(sender *ProcessRecord, req *KillRequest) *KillReply {
	switch {
	case req.Pid == 0:
		return s.killGroup(sender, sender.group, req.Num)
	case req.Pid == -1:
		return &KillReply{Err: ErrnoNoSys}
	case req.Pid < -1:
		s.mu.Lock()
		g, ok := s.groups[-req.Pid]
		s.mu.Unlock()
		if !ok {
			return &KillReply{Err: FromStatus(kstatus.NotFound)}
		}
		return s.killGroup(sender, g, req.Num)
	default:
		return s.killOne(sender, req.Pid, req.Num)
	}
}

func (s *Service) killGroup(sender *ProcessRecord, g *ProcessGroup, num int) *KillReply {
	if g == nil || g.members == nil {
		// The default group has no backing membership set and can't be
		// enumerated (group.go's DefaultGroupID contract).
		return &KillReply{Err: FromStatus(kstatus.NotFound)}
	}
	for pid := range g.members {
		s.killOne(sender, pid, num)
	}
	return &KillReply{Err: ErrnoNone}
}

func (s *Service) killOne(sender *ProcessRecord, pid int, num int) *KillReply {
	if pid != sender.pid {
		target, ok := s.tree.LookupProcess(pid)
		if !ok {
			return &KillReply{Err: FromStatus(kstatus.NotFound)}
		}
		if !s.authorized(sender.kproc, target) {
			return &KillReply{Err: FromStatus(kstatus.AccessDenied)}
		}
	}

	s.mu.Lock()
	target, tracked := s.processes[pid]
	s.mu.Unlock()

	if tracked {
		target.sendSignal(num, sender.pid, 0)
		return &KillReply{Err: ErrnoNone}
	}

	kproc, ok := s.tree.LookupProcess(pid)
	if !ok {
		return &KillReply{Err: FromStatus(kstatus.NotFound)}
	}
	defaultSignalUntracked(s, kproc, num)
	return &KillReply{Err: ErrnoNone}
}

// defaultSignalUntracked runs the default action table directly against a
// process this service never accepted a connection from (it has no
// ProcessRecord, hence no pending/mask state to update).
func defaultSignalUntracked(s *Service, kproc *proc.Process, num int) {
	switch defaultActionFor(num) {
	case actionTerminate, actionCoreDump:
		status := proc.ExitStatus{Reason: proc.ExitKilled, Code: uint16(num)}
		s.tree.Kill(kproc, status)
	default:
		// Stop/Continue/Ignore: no observable effect on an untracked
		// process in this port.
	}
}

func (s *Service) authorized(sender, target *proc.Process) bool {
	if s.AccessCheck == nil {
		return true
	}
	return s.AccessCheck(sender, target)
}
