package posix

import (
	"testing"
	"time"

	"github.com/aejsmith/kiwi-core/pkg/ipc"
	"github.com/aejsmith/kiwi-core/pkg/proc"
	"github.com/stretchr/testify/require"
)

// newTestService wires a Tree + Registry + Service and starts its accept
// loop, returning a stop func.
func newTestService(t *testing.T) (*proc.Tree, *ipc.Registry, *Service, func()) {
	t.Helper()
	tree := proc.NewTree()
	reg := ipc.NewRegistry(0)
	owner := tree.CreateProcess("posix_service", nil, 0)
	ownerTh := tree.NewThread(owner, "main", 0)
	tree.Run(ownerTh)

	svc := NewService(tree, reg, owner, nil)
	done := make(chan struct{})
	go svc.Serve(done)
	return tree, reg, svc, func() { close(done) }
}

// newConnectedClient creates a running client process and connects it to
// svc, performing the version handshake, returning the client's endpoint.
func newConnectedClient(t *testing.T, tree *proc.Tree, reg *ipc.Registry, svc *Service, name string) (*proc.Process, *ipc.Endpoint) {
	t.Helper()
	client := tree.CreateProcess(name, nil, 0)
	th := tree.NewThread(client, "main", 0)
	tree.Run(th)

	ep, err := reg.Open(svc.Port(), client, time.Second)
	require.NoError(t, err)

	handshake, err := ipc.NewMessage(HandshakeMsgType, nil)
	require.NoError(t, err)
	handshake.Payload = &HandshakeRequest{Version: ProtocolVersion}
	require.NoError(t, ipc.Send(ep, handshake, 0, time.Second))

	reply, err := ipc.Receive(ep, 0, time.Second)
	require.NoError(t, err)
	hr, ok := reply.Payload.(*HandshakeReply)
	require.True(t, ok)
	require.Equal(t, ErrnoNone, hr.Err)

	return client, ep
}

func request(t *testing.T, ep *ipc.Endpoint, msgType uint32, payload interface{}) interface{} {
	t.Helper()
	msg, err := ipc.NewMessage(msgType, nil)
	require.NoError(t, err)
	msg.Payload = payload
	require.NoError(t, ipc.Send(ep, msg, 0, time.Second))
	reply, err := ipc.Receive(ep, 0, time.Second)
	require.NoError(t, err)
	return reply.Payload
}

func waitForProcessRecord(t *testing.T, svc *Service, pid int) *ProcessRecord {
	t.Helper()
	var rec *ProcessRecord
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		rec = svc.processes[pid]
		return rec != nil
	}, time.Second, time.Millisecond)
	return rec
}

// TestSignalCycle implements spec §8 scenario 2: a handler-dispositioned
// signal delivered by another client stays pending until drained via
// GET_PENDING_SIGNAL, and the signal condition tracks it.
func TestSignalCycle(t *testing.T) {
	tree, reg, svc, stop := newTestService(t)
	defer stop()

	a, aEP := newConnectedClient(t, tree, reg, svc, "a")
	_, bEP := newConnectedClient(t, tree, reg, svc, "b")
	waitForProcessRecord(t, svc, a.ID())

	setAction := request(t, aEP, ReqSetSignalAction, &SetSignalActionRequest{
		Num: SIGUSR1, Disposition: DispositionHandler,
	}).(*SetSignalActionReply)
	require.Equal(t, ErrnoNone, setAction.Err)

	cond := request(t, aEP, ReqGetSignalCondition, nil).(*GetSignalConditionReply)
	require.Equal(t, ErrnoNone, cond.Err)
	require.False(t, cond.Condition.Signalled())

	killReply := request(t, bEP, ReqKill, &KillRequest{Pid: a.ID(), Num: SIGUSR1}).(*KillReply)
	require.Equal(t, ErrnoNone, killReply.Err)

	require.True(t, cond.Condition.Signalled())

	pending := request(t, aEP, ReqGetPendingSignal, nil).(*GetPendingSignalReply)
	require.Equal(t, ErrnoNone, pending.Err)
	require.Equal(t, SIGUSR1, pending.Info.Signo)

	require.False(t, cond.Condition.Signalled())

	again := request(t, aEP, ReqGetPendingSignal, nil).(*GetPendingSignalReply)
	require.Equal(t, ErrnoAgain, again.Err)
}

// TestKillDefaultActionTerminates implements the default-disposition path:
// killing a process whose signal disposition is left Default (SIGTERM)
// kills its kernel process.
func TestKillDefaultActionTerminates(t *testing.T) {
	tree, reg, svc, stop := newTestService(t)
	defer stop()

	a, _ := newConnectedClient(t, tree, reg, svc, "a")
	_, bEP := newConnectedClient(t, tree, reg, svc, "b")
	waitForProcessRecord(t, svc, a.ID())

	killReply := request(t, bEP, ReqKill, &KillRequest{Pid: a.ID(), Num: SIGTERM}).(*KillReply)
	require.Equal(t, ErrnoNone, killReply.Err)

	require.Eventually(t, func() bool {
		return a.State() == proc.ProcessDead
	}, time.Second, time.Millisecond)

	status := a.ExitStatus()
	require.Equal(t, proc.ExitKilled, status.Reason)
	require.Equal(t, uint16(SIGTERM), status.Code)
}

// TestSessionLeaderDeath implements spec §8 scenario 3: a session leader
// that dies as the last member of its group cascades into the group and
// session both being torn down.
func TestSessionLeaderDeath(t *testing.T) {
	tree, reg, svc, stop := newTestService(t)
	defer stop()

	leader, leaderEP := newConnectedClient(t, tree, reg, svc, "leader")
	waitForProcessRecord(t, svc, leader.ID())

	setsid := request(t, leaderEP, ReqSetsid, nil).(*SetsidReply)
	require.Equal(t, ErrnoNone, setsid.Err)
	sid := setsid.Sid
	require.Equal(t, leader.ID(), sid)

	svc.mu.Lock()
	_, groupExists := svc.groups[sid]
	_, sessionExists := svc.sessions[sid]
	svc.mu.Unlock()
	require.True(t, groupExists)
	require.True(t, sessionExists)

	killTestProcess(t, tree, leader)

	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		_, g := svc.groups[sid]
		_, s := svc.sessions[sid]
		return !g && !s
	}, time.Second, time.Millisecond)
}

// TestSetpgidZeroSentinelJoinsOwnPid implements the POSIX setpgid(0, 0)
// idiom: pgid 0 resolves to the caller's own pid, creating (and joining) a
// fresh group keyed by it, observable via GETPGID.
func TestSetpgidZeroSentinelJoinsOwnPid(t *testing.T) {
	tree, reg, svc, stop := newTestService(t)
	defer stop()

	p, ep := newConnectedClient(t, tree, reg, svc, "p")
	waitForProcessRecord(t, svc, p.ID())

	setpgid := request(t, ep, ReqSetpgid, &SetpgidRequest{Pid: 0, Pgid: 0}).(*SetpgidReply)
	require.Equal(t, ErrnoNone, setpgid.Err)

	getpgid := request(t, ep, ReqGetpgid, &GetpgidRequest{Pid: 0}).(*GetpgidReply)
	require.Equal(t, ErrnoNone, getpgid.Err)
	require.Equal(t, p.ID(), getpgid.Pgid)
}

// TestGetpgidAfterSetsidRoundTrip implements spec §8's named round-trip:
// "GETPGID(setsid() -> sid) returns sid in the calling process."
func TestGetpgidAfterSetsidRoundTrip(t *testing.T) {
	tree, reg, svc, stop := newTestService(t)
	defer stop()

	p, ep := newConnectedClient(t, tree, reg, svc, "p")
	waitForProcessRecord(t, svc, p.ID())

	setsid := request(t, ep, ReqSetsid, nil).(*SetsidReply)
	require.Equal(t, ErrnoNone, setsid.Err)

	getpgid := request(t, ep, ReqGetpgid, &GetpgidRequest{Pid: 0}).(*GetpgidReply)
	require.Equal(t, ErrnoNone, getpgid.Err)
	require.Equal(t, setsid.Sid, getpgid.Pgid)

	getsid := request(t, ep, ReqGetsid, &GetsidRequest{Pid: 0}).(*GetsidReply)
	require.Equal(t, ErrnoNone, getsid.Err)
	require.Equal(t, setsid.Sid, getsid.Sid)
}

// TestSetpgidSessionLeaderRejected implements process.cpp:707-710: a
// session leader can never successfully call SETPGID on itself again.
func TestSetpgidSessionLeaderRejected(t *testing.T) {
	tree, reg, svc, stop := newTestService(t)
	defer stop()

	leader, ep := newConnectedClient(t, tree, reg, svc, "leader")
	waitForProcessRecord(t, svc, leader.ID())

	setsid := request(t, ep, ReqSetsid, nil).(*SetsidReply)
	require.Equal(t, ErrnoNone, setsid.Err)

	setpgid := request(t, ep, ReqSetpgid, &SetpgidRequest{Pid: 0, Pgid: 0}).(*SetpgidReply)
	require.Equal(t, ErrnoPerm, setpgid.Err)

	getpgid := request(t, ep, ReqGetpgid, &GetpgidRequest{Pid: 0}).(*GetpgidReply)
	require.Equal(t, ErrnoNone, getpgid.Err)
	require.Equal(t, setsid.Sid, getpgid.Pgid, "rejected SETPGID must leave the caller in its previous group")
}

// TestSetpgidCrossSessionRejected implements spec §8 Universal Property 6:
// SETPGID to a pgid in a different session returns EPERM and leaves the
// caller in its previous group.
func TestSetpgidCrossSessionRejected(t *testing.T) {
	tree, reg, svc, stop := newTestService(t)
	defer stop()

	leader, leaderEP := newConnectedClient(t, tree, reg, svc, "leader")
	waitForProcessRecord(t, svc, leader.ID())
	setsid := request(t, leaderEP, ReqSetsid, nil).(*SetsidReply)
	require.Equal(t, ErrnoNone, setsid.Err)

	p, pEP := newConnectedClient(t, tree, reg, svc, "p")
	waitForProcessRecord(t, svc, p.ID())

	before := request(t, pEP, ReqGetpgid, &GetpgidRequest{Pid: 0}).(*GetpgidReply)
	require.Equal(t, ErrnoNone, before.Err)

	setpgid := request(t, pEP, ReqSetpgid, &SetpgidRequest{Pid: 0, Pgid: leader.ID()}).(*SetpgidReply)
	require.Equal(t, ErrnoPerm, setpgid.Err)

	after := request(t, pEP, ReqGetpgid, &GetpgidRequest{Pid: 0}).(*GetpgidReply)
	require.Equal(t, ErrnoNone, after.Err)
	require.Equal(t, before.Pgid, after.Pgid, "rejected SETPGID must leave the caller in its previous group")
}

// TestIPCHangupRemovesRecord implements spec §8 scenario 4 layered on top
// of pkg/ipc's hangup mechanics: when a client's process dies outright
// (not an exec), its ProcessRecord is removed.
func TestIPCHangupRemovesRecord(t *testing.T) {
	tree, reg, svc, stop := newTestService(t)
	defer stop()

	client, _ := newConnectedClient(t, tree, reg, svc, "c")
	waitForProcessRecord(t, svc, client.ID())

	killTestProcess(t, tree, client)

	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		_, ok := svc.processes[client.ID()]
		return !ok
	}, time.Second, time.Millisecond)
}

// TestExecSignalReset implements spec §8 scenario 5: after a hangup while
// the kernel process is still running (an exec), Handler dispositions
// reset to Default but the signal mask survives, observed once the client
// reconnects.
func TestExecSignalReset(t *testing.T) {
	tree, reg, svc, stop := newTestService(t)
	defer stop()

	client, ep := newConnectedClient(t, tree, reg, svc, "e")
	rec := waitForProcessRecord(t, svc, client.ID())

	setAction := request(t, ep, ReqSetSignalAction, &SetSignalActionRequest{
		Num: SIGUSR1, Disposition: DispositionHandler,
	}).(*SetSignalActionReply)
	require.Equal(t, ErrnoNone, setAction.Err)

	setMask := request(t, ep, ReqSetSignalMask, &SetSignalMaskRequest{
		Mask: uint32(1) << uint(SIGUSR2),
	}).(*SetSignalMaskReply)
	require.Equal(t, ErrnoNone, setMask.Err)

	// Simulate exec: close the connection without killing the process.
	ipc.Close(ep)

	newEP, err := reg.Open(svc.Port(), client, time.Second)
	require.NoError(t, err)

	handshake, err := ipc.NewMessage(HandshakeMsgType, nil)
	require.NoError(t, err)
	handshake.Payload = &HandshakeRequest{Version: ProtocolVersion}
	require.NoError(t, ipc.Send(newEP, handshake, 0, time.Second))
	_, err = ipc.Receive(newEP, 0, time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.signals[SIGUSR1].Disposition == DispositionDefault
	}, time.Second, time.Millisecond)

	rec.mu.Lock()
	mask := rec.mask
	rec.mu.Unlock()
	require.Equal(t, uint32(1)<<uint(SIGUSR2), mask, "signal mask must survive exec")
}

// killTestProcess kills every thread of p via the tree used by the test
// helpers, mirroring proc.Tree.Kill without depending on pkg/proc's
// internals being exported beyond Kill itself.
func killTestProcess(t *testing.T, tree *proc.Tree, p *proc.Process) {
	t.Helper()
	tree.Kill(p, proc.ExitStatus{})
}
