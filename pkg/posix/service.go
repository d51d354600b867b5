package posix

import (
	"sync"
	"time"

	"github.com/aejsmith/kiwi-core/pkg/ipc"
	"github.com/aejsmith/kiwi-core/pkg/klog"
	"github.com/aejsmith/kiwi-core/pkg/kstatus"
	"github.com/aejsmith/kiwi-core/pkg/proc"
)

// ServiceName is the name this service registers itself under so other
// services (and a future service registry) can find its port
// (posix_service.cpp's kPosixServicePort).
const ServiceName = "posix_service"

// TerminalServiceName is the service name isTerminalService looks for
// (process.cpp's TERMINAL_SERVICE_NAME).
const TerminalServiceName = "terminal_service"

// Service is the POSIX compatibility service (spec §4.E): it owns a port,
// accepts one connection per client process, tracks per-process signal
// state, process groups and sessions, and answers the message protocol in
// protocol.go. Unlike the original's g_posix_service global, it is an
// explicit struct so a test (or cmd/kiwid) can run more than one.
type Service struct {
	mu sync.Mutex

	tree     *proc.Tree
	registry *ipc.Registry
	owner    *proc.Process
	port     *ipc.Port
	log      *klog.Logger

	// ServiceLookup resolves a registered service name to its owning
	// process, standing in for the real service-discovery collaborator
	// (SPEC_FULL notes this as out of scope); isTerminalService uses it.
	// nil means "no such lookup available", which makes isTerminalService
	// always false.
	ServiceLookup func(name string) (*proc.Process, bool)

	// AccessCheck authorizes sender signalling target, standing in for
	// kern_process_access's security-context check (the token/security
	// module isn't part of this port — SPEC_FULL leaves it a collaborator
	// concern). nil allows every cross-process signal; a caller wanting
	// real enforcement installs a check here.
	AccessCheck func(sender, target *proc.Process) bool

	processes map[int]*ProcessRecord
	groups    map[int]*ProcessGroup
	sessions  map[int]*Session

	defaultGroup *ProcessGroup

	nextGroupID int
}

// NewService builds the service and its default session/group
// (posix_service.cpp's run(): "create the default session and process
// group, *without* calling init() on the group" — so DefaultGroupID stays
// unenumerable). owner is the kernel process the service's port belongs
// to; log defaults to a discard logger if nil, matching pkg/slab's
// Create().
func NewService(tree *proc.Tree, registry *ipc.Registry, owner *proc.Process, log *klog.Logger) *Service {
	if log == nil {
		log = klog.NewDiscardLogger()
	}
	s := &Service{
		tree:        tree,
		registry:    registry,
		owner:       owner,
		log:         log,
		processes:   make(map[int]*ProcessRecord),
		groups:      make(map[int]*ProcessGroup),
		sessions:    make(map[int]*Session),
		nextGroupID: DefaultGroupID + 1,
	}
	s.port = registry.CreatePort(owner)

	defaultSession := newSession(DefaultGroupID)
	s.defaultGroup = newDefaultGroup(defaultSession)
	defaultSession.addGroup(s.defaultGroup)
	s.sessions[defaultSession.id] = defaultSession
	s.groups[s.defaultGroup.id] = s.defaultGroup

	return s
}

// Port returns the service's listening port, for a client to Open against.
func (s *Service) Port() *ipc.Port { return s.port }

// Serve accepts connections until done is closed (posix_service.cpp's
// run() event loop, simplified to one accept goroutine per connection
// instead of an object_wait multiplexer — SPEC_FULL's "event loop" is
// collapsed here since pkg/ipc already gives each endpoint its own
// blocking Listen/Receive).
func (s *Service) Serve(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		ep, err := s.port.Listen(s.owner, 100*time.Millisecond)
		if err != nil {
			if err == kstatus.TimedOut || err == kstatus.WouldBlock {
				continue
			}
			return
		}
		s.acceptConnection(ep)
	}
}

// acceptConnection is handleConnectionEvent: discover the client's pid via
// the accepted endpoint's remote process, then either reconnect an
// existing record (exec) or create a fresh one, and start its receive
// loop.
func (s *Service) acceptConnection(ep *ipc.Endpoint) {
	client := ep.RemoteProcess()
	if client == nil {
		ipc.Close(ep)
		return
	}

	pid := client.ID()

	s.mu.Lock()
	rec, existing := s.processes[pid]
	if !existing {
		rec = newProcessRecord(s, client, ep)
		s.processes[pid] = rec
		client.OnDeath(func(*proc.Process) { s.removeProcess(pid) })
	}
	s.mu.Unlock()

	if existing {
		rec.reconnect(ep)
	}

	go s.clientLoop(rec)
}

func (s *Service) removeProcess(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.processes[pid]; ok && rec.group.members != nil {
		g := rec.group
		if len(g.members) == 0 || (len(g.members) == 1 && g.hasMember(pid)) {
			delete(s.groups, g.ID())
		}
	}
	delete(s.processes, pid)
}

// clientLoop handles one client's connection: a version handshake on
// message id 0, then dispatch until hangup.
func (s *Service) clientLoop(rec *ProcessRecord) {
	msg, err := ipc.Receive(rec.ep, 0, ipc.Forever)
	if err != nil {
		s.handleHangup(rec)
		return
	}
	if msg.Type == HandshakeMsgType {
		// nil data can never exceed DataMax.
		reply, _ := ipc.NewMessage(HandshakeMsgType, nil)
		if req, ok := msg.Payload.(*HandshakeRequest); ok && req.Version == ProtocolVersion {
			reply.Payload = &HandshakeReply{Err: ErrnoNone, Version: ProtocolVersion}
		} else {
			reply.Payload = &HandshakeReply{Err: ErrnoInval, Version: ProtocolVersion}
		}
		if err := ipc.Send(rec.ep, reply, 0, ipc.Forever); err != nil {
			s.handleHangup(rec)
			return
		}
	}

	for {
		msg, err := ipc.Receive(rec.ep, 0, ipc.Forever)
		if err != nil {
			s.handleHangup(rec)
			return
		}
		reply := s.dispatch(rec, msg)
		if reply == nil {
			continue
		}
		if err := ipc.Send(rec.ep, reply, 0, ipc.Forever); err != nil {
			s.handleHangup(rec)
			return
		}
	}
}

// handleHangup is handleHangupEvent: if the kernel process is still
// running, the client has exec'd and will reconnect, so only its signal
// state is reset (reconnect does that on the next acceptConnection); if it
// is not still running, its death notifier (registered in
// acceptConnection) is responsible for removing the record.
func (s *Service) handleHangup(rec *ProcessRecord) {
	if rec.kproc.State() == proc.ProcessDead {
		return
	}
	// Still running: this is an exec in progress. Nothing to do until the
	// client reconnects — reconnect() performs the signal-state reset.
}

// dispatch routes one request to its handler (process.cpp's handleMessage
// switch), wrapping the typed reply back into a KernelMessage.
func (s *Service) dispatch(rec *ProcessRecord, msg *ipc.KernelMessage) *ipc.KernelMessage {
	// nil data can never exceed DataMax.
	reply, _ := ipc.NewMessage(msg.Type, nil)
	switch msg.Type {
	case ReqGetSignalCondition:
		reply.Payload = rec.handleGetSignalCondition()
	case ReqGetPendingSignal:
		reply.Payload = rec.handleGetPendingSignal()
	case ReqSetSignalAction:
		req, _ := msg.Payload.(*SetSignalActionRequest)
		reply.Payload = rec.handleSetSignalAction(req)
	case ReqSetSignalMask:
		req, _ := msg.Payload.(*SetSignalMaskRequest)
		reply.Payload = rec.handleSetSignalMask(req)
	case ReqKill:
		req, _ := msg.Payload.(*KillRequest)
		reply.Payload = s.handleKill(rec, req)
	case ReqAlarm:
		req, _ := msg.Payload.(*AlarmRequest)
		reply.Payload = rec.handleAlarm(req)
	case ReqGetpgid:
		req, _ := msg.Payload.(*GetpgidRequest)
		reply.Payload = s.handleGetpgid(rec, req)
	case ReqSetpgid:
		req, _ := msg.Payload.(*SetpgidRequest)
		reply.Payload = s.handleSetpgid(rec, req)
	case ReqGetsid:
		req, _ := msg.Payload.(*GetsidRequest)
		reply.Payload = s.handleGetsid(rec, req)
	case ReqSetsid:
		reply.Payload = s.handleSetsid(rec)
	case ReqGetPgrpSession:
		req, _ := msg.Payload.(*GetPgrpSessionRequest)
		reply.Payload = s.handleGetPgrpSession(rec, req)
	case ReqSetSessionTerminal:
		req, _ := msg.Payload.(*SetSessionTerminalRequest)
		reply.Payload = s.handleSetSessionTerminal(rec, req)
	case ReqGetTerminal:
		req, _ := msg.Payload.(*GetTerminalRequest)
		reply.Payload = s.handleGetTerminal(rec, req)
	default:
		return nil
	}
	return reply
}
