package devicetree

import (
	"errors"
	"testing"

	"github.com/aejsmith/kiwi-core/pkg/kstatus"
	"github.com/stretchr/testify/require"
)

func mustCreate(t *testing.T, name string, parent *Node) *Node {
	t.Helper()
	n, err := Create(name, parent, nil, nil, nil)
	require.NoError(t, err)
	return n
}

// TestDeviceAlias implements spec §8 scenario 6 exactly.
func TestDeviceAlias(t *testing.T) {
	tree := New()
	Publish(tree.Root)

	virtual := mustCreate(t, "virtual", tree.Root)
	Publish(virtual)
	class := mustCreate(t, "class", tree.Root)
	Publish(class)

	x := mustCreate(t, "x", virtual)
	Publish(x)

	y, err := Alias("y", class, x)
	require.NoError(t, err)
	require.True(t, y.IsAlias())

	h, err := tree.Open("/class/y", 0)
	require.NoError(t, err)
	require.Same(t, x, h.Node)
	h.Close()

	Unpublish(x)

	_, err = tree.Open("/class/y", 0)
	require.ErrorIs(t, err, kstatus.NotFound)
}

// TestCreatePublishOpenCloseDestroy is the round-trip from spec §8.
func TestCreatePublishOpenCloseDestroy(t *testing.T) {
	tree := New()
	Publish(tree.Root)

	dev := mustCreate(t, "disk0", tree.Root)
	Publish(dev)

	h, err := tree.Open("/disk0", 0)
	require.NoError(t, err)
	h.Close()

	require.NoError(t, Destroy(dev))
}

func TestDestroyFailsWhenInUse(t *testing.T) {
	tree := New()
	Publish(tree.Root)
	dev := mustCreate(t, "disk0", tree.Root)
	Publish(dev)

	h, err := tree.Open("/disk0", 0)
	require.NoError(t, err)

	err = Destroy(dev)
	require.ErrorIs(t, err, kstatus.InUse)

	h.Close()
	require.NoError(t, Destroy(dev))
}

func TestPublicationRequiresEveryAncestor(t *testing.T) {
	tree := New()
	Publish(tree.Root)

	bus := mustCreate(t, "bus", tree.Root)
	// bus is deliberately left unpublished.
	child := mustCreate(t, "pci0", bus)
	Publish(child)

	_, err := tree.Open("/bus/pci0", 0)
	require.ErrorIs(t, err, kstatus.NotFound)

	Publish(bus)
	h, err := tree.Open("/bus/pci0", 0)
	require.NoError(t, err)
	h.Close()
}

func TestAliasCollapseIsSingleHop(t *testing.T) {
	tree := New()
	Publish(tree.Root)

	real := mustCreate(t, "real", tree.Root)
	Publish(real)

	a1, err := Alias("a1", tree.Root, real)
	require.NoError(t, err)

	a2, err := Alias("a2", tree.Root, a1)
	require.NoError(t, err)
	require.Same(t, real, a2.dest)
}

func TestDestroyCascadesAliases(t *testing.T) {
	tree := New()
	Publish(tree.Root)

	real := mustCreate(t, "real", tree.Root)
	Publish(real)
	alias, err := Alias("alias", tree.Root, real)
	require.NoError(t, err)

	require.NoError(t, Destroy(real))

	tree.Root.mu.Lock()
	_, ok := tree.Root.children["alias"]
	tree.Root.mu.Unlock()
	require.False(t, ok)
	_ = alias
}

func TestResourcesReleasedInLIFOOrder(t *testing.T) {
	tree := New()
	Publish(tree.Root)
	dev := mustCreate(t, "dev0", tree.Root)
	Publish(dev)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		ResourceRegister(dev, func() error {
			order = append(order, i)
			return nil
		})
	}

	require.NoError(t, Destroy(dev))
	require.Equal(t, []int{2, 1, 0}, order)
}

func TestResourceReleaseFailurePanics(t *testing.T) {
	tree := New()
	Publish(tree.Root)
	dev := mustCreate(t, "dev0", tree.Root)
	Publish(dev)

	ResourceRegister(dev, func() error { return errors.New("boom") })

	require.Panics(t, func() { _ = Destroy(dev) })
}

func TestGetAttrIntegerWidths(t *testing.T) {
	tree := New()
	dev := mustCreate(t, "dev0", tree.Root)
	SetAttrs(dev, []Attr{
		{Name: "irq", Type: AttrUint32, Int: 7},
		{Name: "label", Type: AttrString, String: "nic0"},
	})

	var buf [4]byte
	n, err := GetAttr(dev, "irq", AttrUint32, buf[:])
	require.NoError(t, err)
	require.Equal(t, 4, n)

	_, err = GetAttr(dev, "irq", AttrUint32, buf[:2])
	require.ErrorIs(t, err, kstatus.InvalidArg)

	_, err = GetAttr(dev, "irq", AttrString, buf[:])
	require.ErrorIs(t, err, kstatus.IncorrectType)

	strBuf := make([]byte, 5)
	n, err = GetAttr(dev, "label", AttrString, strBuf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "nic0\x00", string(strBuf))

	_, err = GetAttr(dev, "label", AttrString, make([]byte, 2))
	require.ErrorIs(t, err, kstatus.TooSmall)

	_, err = GetAttr(dev, "missing", AttrUint32, buf[:])
	require.ErrorIs(t, err, kstatus.NotFound)
}

func TestIterateDescendAndEnd(t *testing.T) {
	tree := New()
	a := mustCreate(t, "a", tree.Root)
	mustCreate(t, "b", a)
	mustCreate(t, "c", a)

	var visited []string
	Iterate(tree.Root, func(n *Node) IterateResult {
		visited = append(visited, n.Name())
		return IterateDescend
	})
	require.Contains(t, visited, "a")
	require.Contains(t, visited, "b")
	require.Contains(t, visited, "c")

	count := 0
	Iterate(tree.Root, func(n *Node) IterateResult {
		count++
		return IterateEnd
	})
	require.Equal(t, 1, count)
}

func TestPath(t *testing.T) {
	tree := New()
	bus := mustCreate(t, "bus", tree.Root)
	pci := mustCreate(t, "pci0", bus)

	require.Equal(t, "/", Path(tree.Root))
	require.Equal(t, "/bus", Path(bus))
	require.Equal(t, "/bus/pci0", Path(pci))
}

func TestCreateDuplicateNameFails(t *testing.T) {
	tree := New()
	mustCreate(t, "x", tree.Root)
	_, err := Create("x", tree.Root, nil, nil, nil)
	require.ErrorIs(t, err, kstatus.AlreadyExists)
}
