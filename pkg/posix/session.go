package posix

// Session is a POSIX session: an id, its member process groups, and an
// optional controlling terminal (session.h/.cpp).
type Session struct {
	id       int
	groups   map[int]*ProcessGroup
	terminal interface{}

	// onEmpty runs once this session loses its last group (Service wires
	// this to remove the session from its registry; session.cpp performs
	// the equivalent removal inline since there it owns the registry
	// itself).
	onEmpty func(*Session)
}

// newSession builds an empty session with the given id (session.cpp's
// constructor; the default session, id=1, is built the same way as every
// other one — only its group is special, not the session itself).
func newSession(id int) *Session {
	return &Session{id: id, groups: make(map[int]*ProcessGroup)}
}

// ID returns the session id.
func (s *Session) ID() int { return s.id }

// Terminal returns the session's controlling terminal handle, or nil.
func (s *Session) Terminal() interface{} { return s.terminal }

// addGroup links g into the session.
func (s *Session) addGroup(g *ProcessGroup) {
	s.groups[g.id] = g
}

// removeGroup unlinks g, destroying the session if it was the last group
// (session.cpp: "the group being removed was the last one in the session,
// so destroy the session too").
func (s *Session) removeGroup(g *ProcessGroup) {
	delete(s.groups, g.id)
	if len(s.groups) == 0 && s.onEmpty != nil {
		s.onEmpty(s)
	}
}
