package posix

import "github.com/aejsmith/kiwi-core/pkg/proc"

// DefaultGroupID is the special "untracked processes" group every process
// implicitly belongs to until it touches a POSIX process-group API
// (process_group.h's kDefaultProcessGroupId). Unlike every other group it
// has no backing membership set and cannot be enumerated: a real kernel
// process-group object only comes into existence once init() below runs,
// and the default group deliberately never calls it.
const DefaultGroupID = 1

// ProcessGroup is a POSIX process group: an id, the session it belongs to,
// and its member processes (process_group.h/.cpp). The leader's kernel
// process handle is held for as long as the group exists (process_group.cpp
// "keeps a process handle open to the leader process to ensure that the
// pid is not recycled while the group is referenced") — in this Go port
// that's simply a retained pointer, since the GC (not a recycled pid
// table) owns identity.
type ProcessGroup struct {
	id      int
	session *Session
	leader  *proc.Process
	members map[int]*proc.Process
}

// newDefaultGroup builds the id=1 group without calling init: it has no
// leader and no kernel-side backing object, matching DefaultGroupID's
// "cannot be enumerated" contract.
func newDefaultGroup(session *Session) *ProcessGroup {
	return &ProcessGroup{id: DefaultGroupID, session: session}
}

// newProcessGroup creates and initializes a real group, keyed by and led
// by leader (process_group.cpp's init(): retains the leader, registers a
// death notifier per member that removes it and destroys the group once
// its last member exits).
func newProcessGroup(id int, session *Session, leader *proc.Process) *ProcessGroup {
	g := &ProcessGroup{
		id:      id,
		session: session,
		leader:  leader,
		members: make(map[int]*proc.Process),
	}
	g.addMember(leader)
	return g
}

// ID returns the group's process-group id.
func (g *ProcessGroup) ID() int { return g.id }

// Session returns the session this group belongs to.
func (g *ProcessGroup) Session() *Session { return g.session }

// addMember adds p to the group and arms a death notifier that removes it,
// destroying the group (and cascading to the session) once it empties.
func (g *ProcessGroup) addMember(p *proc.Process) {
	if g.members == nil {
		return
	}
	g.members[p.ID()] = p
	p.OnDeath(func(*proc.Process) {
		g.removeMember(p.ID())
	})
}

func (g *ProcessGroup) removeMember(pid int) {
	if g.members == nil {
		return
	}
	delete(g.members, pid)
	if len(g.members) == 0 {
		g.session.removeGroup(g)
	}
}

func (g *ProcessGroup) hasMember(pid int) bool {
	if g.members == nil {
		return false
	}
	_, ok := g.members[pid]
	return ok
}
