// Package devicetree implements the kernel device namespace of spec §4.B:
// a hierarchical tree of named nodes, with alias collapsing, publication
// gating, typed attributes and LIFO-released resources.
//
// Grounded on original_source/source/kernel/device/device.c
// (device_create_etc, device_alias_etc, device_publish, device_destroy,
// device_attr, device_resource_register, device_iterate, device_lookup,
// device_path_inplace). The C original keys children by a radix tree over
// a single global root; here a Tree owns its own Root so tests (and a
// future daemon) can each build an isolated namespace rather than sharing
// process-wide globals.
package devicetree

import (
	"sync"

	"github.com/aejsmith/kiwi-core/pkg/kstatus"
)

// IterateResult controls Iterate's traversal, mirroring device_iterate_t's
// three return values.
type IterateResult int

const (
	// IterateEnd stops the whole traversal immediately.
	IterateEnd IterateResult = iota
	// IterateDescend visits the node's children after it.
	IterateDescend
	// IterateContinue skips the node's children but continues siblings.
	IterateContinue
)

// Ops are the behavioural callbacks a node's owner can supply. Both are
// optional; a node with nil Ops is a pure container.
type Ops struct {
	// Open is invoked while the node's handle is being constructed, with
	// a place to stash implementation-private per-handle state.
	Open func(node *Node, flags uint32) (private interface{}, err error)
	// Destroy is invoked immediately before a node is unlinked.
	Destroy func(node *Node)
}

// Node is one entry in the device tree (spec §3 "Node").
type Node struct {
	mu sync.Mutex

	name      string
	parent    *Node
	children  map[string]*Node
	published bool

	// dest is non-nil iff this node is an alias; per the alias-collapse
	// invariant it is guaranteed to point at a concrete (non-alias) node.
	dest    *Node
	aliases []*Node

	ops     *Ops
	private interface{}

	attrMu sync.RWMutex
	attrs  []Attr

	resourceMu sync.Mutex
	resources  []*resource

	refcount int
}

type resource struct {
	release func() error
}

// Tree is a self-contained device namespace rooted at an unpublished Root.
type Tree struct {
	Root *Node
}

// New creates an empty tree with an unpublished root node.
func New() *Tree {
	root := &Node{
		name:     "",
		children: make(map[string]*Node),
	}
	return &Tree{Root: root}
}

// Name returns the node's own path component.
func (n *Node) Name() string { return n.name }

// Parent returns the node's parent, or nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// IsAlias reports whether the node is an alias (has a destination).
func (n *Node) IsAlias() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dest != nil
}

// Create adds a new, unpublished child node under parent (spec §4.B
// "create"). parent must not be an alias.
func Create(name string, parent *Node, ops *Ops, private interface{}, attrs []Attr) (*Node, error) {
	if name == "" || parent == nil {
		return nil, kstatus.InvalidArg
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()

	if parent.dest != nil {
		return nil, kstatus.InvalidArg
	}
	if parent.children == nil {
		parent.children = make(map[string]*Node)
	}
	if _, exists := parent.children[name]; exists {
		return nil, kstatus.AlreadyExists
	}

	node := &Node{
		name:     name,
		parent:   parent,
		children: make(map[string]*Node),
		ops:      ops,
		private:  private,
		attrs:    append([]Attr(nil), attrs...),
	}
	parent.children[name] = node
	parent.refcount++

	return node, nil
}

// Alias creates a new node under parent that resolves to dest on open
// (spec §4.B "alias"). If dest is itself an alias, the new alias is
// rewritten to point at dest's transitive concrete target ("Alias
// collapse"), guaranteeing at most one hop during lookup. Aliases are
// always published on creation; whether they actually resolve depends on
// whether the target is effectively published.
func Alias(name string, parent *Node, dest *Node) (*Node, error) {
	if name == "" || parent == nil || dest == nil {
		return nil, kstatus.InvalidArg
	}

	dest.mu.Lock()
	if dest.dest != nil {
		dest = dest.dest
	}
	dest.mu.Unlock()

	parent.mu.Lock()
	if parent.dest != nil {
		parent.mu.Unlock()
		return nil, kstatus.InvalidArg
	}
	if parent.children == nil {
		parent.children = make(map[string]*Node)
	}
	if _, exists := parent.children[name]; exists {
		parent.mu.Unlock()
		return nil, kstatus.AlreadyExists
	}

	node := &Node{
		name:      name,
		parent:    parent,
		children:  make(map[string]*Node),
		dest:      dest,
		published: true,
	}
	parent.children[name] = node
	parent.refcount++
	parent.mu.Unlock()

	dest.mu.Lock()
	dest.aliases = append(dest.aliases, node)
	dest.mu.Unlock()

	return node, nil
}

// Publish marks a node published, making it (and published descendants)
// reachable by Open.
func Publish(node *Node) {
	node.mu.Lock()
	node.published = true
	node.mu.Unlock()
}

// Unpublish clears the published flag (not present in the original C
// surface by name, but needed to exercise spec §8 scenario 6's
// "unpublish /virtual/x" step).
func Unpublish(node *Node) {
	node.mu.Lock()
	node.published = false
	node.mu.Unlock()
}

// isPublished reports whether node and every ancestor up to the root
// carry the published flag (spec §4.B "Publication rule").
func isPublished(node *Node) bool {
	for n := node; n != nil; n = n.parent {
		n.mu.Lock()
		p := n.published
		n.mu.Unlock()
		if !p {
			return false
		}
	}
	return true
}

// Destroy removes node from the tree (spec §4.B "Destroy"). It fails with
// kstatus.InUse if the node's reference count is non-zero. Destroying a
// concrete node cascades to destroy every alias pointing at it, once the
// node itself has been unlinked; destroying an alias never fails on
// refcount (aliases aren't opened directly — the node they point at is). Resource records registered via
// ResourceRegister are released in LIFO order.
func Destroy(node *Node) error {
	if node.parent == nil {
		return kstatus.InvalidArg // root is never destroyed
	}

	parent := node.parent
	parent.mu.Lock()
	node.mu.Lock()

	if node.refcount != 0 {
		node.mu.Unlock()
		parent.mu.Unlock()
		return kstatus.InUse
	}

	node.published = false

	if node.ops != nil && node.ops.Destroy != nil {
		node.ops.Destroy(node)
	}

	// Release managed resources LIFO; their callbacks must not fail
	// (spec §4.B "their release callbacks must not fail").
	node.resourceMu.Lock()
	for i := len(node.resources) - 1; i >= 0; i-- {
		if err := node.resources[i].release(); err != nil {
			panic("devicetree: resource release callback failed: " + err.Error())
		}
	}
	node.resources = nil
	node.resourceMu.Unlock()

	aliases := node.aliases
	node.aliases = nil
	isConcrete := node.dest == nil

	delete(parent.children, node.name)
	parent.refcount--

	node.mu.Unlock()
	parent.mu.Unlock()

	if isConcrete {
		for _, alias := range aliases {
			// Best-effort: an alias always has refcount 0 (only its
			// concrete target is ever opened), so this cannot fail.
			_ = Destroy(alias)
		}
	} else {
		// node was itself an alias: unlink it from its target's list.
		dest := node.dest
		dest.mu.Lock()
		for i, a := range dest.aliases {
			if a == node {
				dest.aliases = append(dest.aliases[:i], dest.aliases[i+1:]...)
				break
			}
		}
		dest.mu.Unlock()
	}

	return nil
}

// ResourceRegister associates a release callback with node, invoked in
// LIFO order during Destroy (spec §4.B "resource_register").
func ResourceRegister(node *Node, release func() error) {
	node.resourceMu.Lock()
	node.resources = append(node.resources, &resource{release: release})
	node.resourceMu.Unlock()
}

// Iterate walks start and its descendants depth-first, following alias
// collapse on entry exactly as device_iterate_internal does (spec §4.B
// "iterate").
func Iterate(start *Node, fn func(*Node) IterateResult) {
	iterateInternal(start, fn)
}

func iterateInternal(node *Node, fn func(*Node) IterateResult) bool {
	for node.dest != nil {
		node = node.dest
	}

	switch fn(node) {
	case IterateEnd:
		return false
	case IterateContinue:
		return true
	case IterateDescend:
		node.mu.Lock()
		children := make([]*Node, 0, len(node.children))
		for _, c := range node.children {
			children = append(children, c)
		}
		node.mu.Unlock()
		for _, c := range children {
			if !iterateInternal(c, fn) {
				return false
			}
		}
		return true
	}
	return false
}

// Path reconstructs node's absolute path from the tree root (spec §4.B
// "path").
func Path(node *Node) string {
	if node.parent == nil {
		return "/"
	}

	var segments []string
	for n := node; n.parent != nil; n = n.parent {
		segments = append(segments, n.name)
	}

	path := ""
	for i := len(segments) - 1; i >= 0; i-- {
		path += "/" + segments[i]
	}
	return path
}

// lookup resolves an absolute "/a/b/c" path against the tree, following
// alias collapse and re-validating effective publication of the resolved
// target exactly as device_lookup does, then increments its reference
// count on success (spec §4.B "open", backing device_lookup).
func (t *Tree) lookup(path string) (*Node, error) {
	if path == "" || path[0] != '/' {
		return nil, kstatus.NotFound
	}

	node := t.Root
	node.mu.Lock()
	rootPublished := node.published
	node.mu.Unlock()
	if !rootPublished {
		return nil, kstatus.NotFound
	}

	start := 1
	for start <= len(path) {
		end := start
		for end < len(path) && path[end] != '/' {
			end++
		}
		name := path[start:end]
		start = end + 1

		if name == "" {
			continue
		}

		node.mu.Lock()
		child, ok := node.children[name]
		node.mu.Unlock()
		if !ok {
			return nil, kstatus.NotFound
		}
		node = child

		node.mu.Lock()
		dest := node.dest
		node.mu.Unlock()
		if dest != nil {
			node = dest
			if !isPublished(node) {
				return nil, kstatus.NotFound
			}
		} else {
			node.mu.Lock()
			published := node.published
			node.mu.Unlock()
			if !published {
				return nil, kstatus.NotFound
			}
		}
	}

	node.mu.Lock()
	node.refcount++
	node.mu.Unlock()

	return node, nil
}

// Handle is a reference-holding handle to an opened node (spec §4.B
// "open"), standing in for the kernel's object_handle_t.
type Handle struct {
	Node    *Node
	Private interface{}
	closed  bool
}

// Open resolves path and opens it, invoking the node's Ops.Open callback
// if present (spec §4.B "open"). The caller must Close the handle to
// release the reference taken on success.
func (t *Tree) Open(path string, flags uint32) (*Handle, error) {
	node, err := t.lookup(path)
	if err != nil {
		return nil, err
	}

	var private interface{}
	if node.ops != nil && node.ops.Open != nil {
		p, err := node.ops.Open(node, flags)
		if err != nil {
			node.mu.Lock()
			node.refcount--
			node.mu.Unlock()
			return nil, err
		}
		private = p
	}

	return &Handle{Node: node, Private: private}, nil
}

// Close drops the handle's reference on its node. Idempotent.
func (h *Handle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.Node.mu.Lock()
	h.Node.refcount--
	h.Node.mu.Unlock()
}
