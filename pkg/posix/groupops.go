package posix

// handleGetpgid is GETPGID: pid 0 means the caller's own pgid; a tracked
// target reports its record's group; an untracked-but-live process is
// assumed to still be in the default group (process_group.cpp's
// findProcessGroupForProcess).
func (s *Service) handleGetpgid(rec *ProcessRecord, req *GetpgidRequest) *GetpgidReply {
	pid := req.Pid
	if pid == 0 {
		return &GetpgidReply{Err: ErrnoNone, Pgid: rec.group.ID()}
	}

	s.mu.Lock()
	target, tracked := s.processes[pid]
	s.mu.Unlock()
	if tracked {
		return &GetpgidReply{Err: ErrnoNone, Pgid: target.group.ID()}
	}
	if _, ok := s.tree.LookupProcess(pid); !ok {
		return &GetpgidReply{Err: ErrnoSrch}
	}
	return &GetpgidReply{Err: ErrnoNone, Pgid: DefaultGroupID}
}

// handleSetpgid is SETPGID: changing another process's group requires
// child/pre-exec tracking this port doesn't implement (ENOSYS, mirroring
// process.cpp's current limitation verbatim). For self, the target group
// must already exist in the caller's own session, or not exist at all
// with pgid==pid (in which case it is created). A session leader can never
// successfully call this on itself again (process.cpp:707-710: EPERM when
// the caller's current group's session id equals its own pid). pgid==0 is
// POSIX's "use my own pid" sentinel (process.cpp:684) and is resolved to
// the target pid before anything else happens.
func (s *Service) handleSetpgid(rec *ProcessRecord, req *SetpgidRequest) *SetpgidReply {
	if req.Pid != 0 && req.Pid != rec.pid {
		return &SetpgidReply{Err: ErrnoNoSys}
	}

	pgid := req.Pgid
	if pgid == 0 {
		pgid = rec.pid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.group.Session().ID() == rec.pid {
		return &SetpgidReply{Err: ErrnoPerm}
	}

	g, exists := s.groups[pgid]
	switch {
	case exists:
		if g.Session() != rec.group.Session() {
			return &SetpgidReply{Err: ErrnoPerm}
		}
	case pgid == rec.pid:
		g = newProcessGroup(pgid, rec.group.Session(), rec.kproc)
		s.groups[g.ID()] = g
		rec.group.Session().addGroup(g)
	default:
		return &SetpgidReply{Err: ErrnoSrch}
	}

	old := rec.group
	rec.group = g
	if old != g && old.ID() != DefaultGroupID {
		old.removeMember(rec.pid)
		if len(old.members) == 0 {
			delete(s.groups, old.ID())
		}
	}
	if g.hasMember(rec.pid) {
		return &SetpgidReply{Err: ErrnoNone}
	}
	g.addMember(rec.kproc)
	return &SetpgidReply{Err: ErrnoNone}
}

// handleGetsid is GETSID: pid 0 means the caller's own session.
func (s *Service) handleGetsid(rec *ProcessRecord, req *GetsidRequest) *GetsidReply {
	pid := req.Pid
	if pid == 0 {
		return &GetsidReply{Err: ErrnoNone, Sid: rec.group.Session().ID()}
	}

	s.mu.Lock()
	target, tracked := s.processes[pid]
	s.mu.Unlock()
	if tracked {
		return &GetsidReply{Err: ErrnoNone, Sid: target.group.Session().ID()}
	}
	if _, ok := s.tree.LookupProcess(pid); !ok {
		return &GetsidReply{Err: ErrnoSrch}
	}
	return &GetsidReply{Err: ErrnoNone, Sid: DefaultGroupID}
}

// handleSetsid is SETSID: fails EPERM if a group led by the caller's own
// pid already exists; otherwise creates a new session and group, both
// keyed by the caller's pid, and removes the caller from its old group.
func (s *Service) handleSetsid(rec *ProcessRecord) *SetsidReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[rec.pid]; exists {
		return &SetsidReply{Err: ErrnoPerm}
	}

	session := newSession(rec.pid)
	session.onEmpty = func(sess *Session) {
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
	}
	group := newProcessGroup(rec.pid, session, rec.kproc)
	session.addGroup(group)
	s.sessions[session.ID()] = session
	s.groups[group.ID()] = group

	old := rec.group
	rec.group = group
	if old != group && old.ID() != DefaultGroupID {
		old.removeMember(rec.pid)
		if len(old.members) == 0 {
			delete(s.groups, old.ID())
		}
	}

	return &SetsidReply{Err: ErrnoNone, Sid: session.ID()}
}

// handleGetPgrpSession is GET_PGRP_SESSION: the session id of an arbitrary
// process group.
func (s *Service) handleGetPgrpSession(rec *ProcessRecord, req *GetPgrpSessionRequest) *GetPgrpSessionReply {
	s.mu.Lock()
	g, ok := s.groups[req.Pgid]
	s.mu.Unlock()
	if !ok {
		return &GetPgrpSessionReply{Err: ErrnoSrch}
	}
	return &GetPgrpSessionReply{Err: ErrnoNone, Sid: g.Session().ID()}
}

// handleSetSessionTerminal is SET_SESSION_TERMINAL: restricted to the
// terminal service, and rejects the default session (native processes
// can't have a controlling terminal, process.cpp).
func (s *Service) handleSetSessionTerminal(rec *ProcessRecord, req *SetSessionTerminalRequest) *SetSessionTerminalReply {
	if !s.isTerminalService(rec) {
		return &SetSessionTerminalReply{Err: ErrnoPerm}
	}
	if req.Sid == DefaultGroupID {
		return &SetSessionTerminalReply{Err: ErrnoPerm}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[req.Sid]
	if !ok {
		return &SetSessionTerminalReply{Err: ErrnoSrch}
	}
	session.terminal = req.Terminal
	return &SetSessionTerminalReply{Err: ErrnoNone}
}

// handleGetTerminal is GET_TERMINAL: reopens the caller's session's
// controlling terminal handle, or ENXIO if it has none.
func (s *Service) handleGetTerminal(rec *ProcessRecord, req *GetTerminalRequest) *GetTerminalReply {
	term := rec.group.Session().Terminal()
	if term == nil {
		return &GetTerminalReply{Err: ErrnoNxIo}
	}
	return &GetTerminalReply{Err: ErrnoNone, Terminal: term}
}

// isTerminalService lazily queries ServiceLookup for TerminalServiceName
// and caches whether the caller's pid matches it (process.cpp's
// isTerminalService()).
func (s *Service) isTerminalService(rec *ProcessRecord) bool {
	rec.mu.Lock()
	if rec.isTerminalSvc != nil {
		defer rec.mu.Unlock()
		return *rec.isTerminalSvc
	}
	rec.mu.Unlock()

	is := false
	if s.ServiceLookup != nil {
		if p, ok := s.ServiceLookup(TerminalServiceName); ok {
			is = p.ID() == rec.pid
		}
	}

	rec.mu.Lock()
	rec.isTerminalSvc = &is
	rec.mu.Unlock()
	return is
}
