package devicetree

import (
	"encoding/binary"

	"github.com/aejsmith/kiwi-core/pkg/kstatus"
)

// AttrType identifies the wire width/kind of a device attribute (spec §4.B
// "Attribute access"), grounded on device_attr_type_t.
type AttrType int

const (
	AttrInt8 AttrType = iota
	AttrUint8
	AttrInt16
	AttrUint16
	AttrInt32
	AttrUint32
	AttrInt64
	AttrUint64
	AttrString
)

// Attr is one named, typed node attribute.
type Attr struct {
	Name   string
	Type   AttrType
	Int    int64  // valid for the integer Attr* types
	String string // valid for AttrString
}

func attrWidth(t AttrType) int {
	switch t {
	case AttrInt8, AttrUint8:
		return 1
	case AttrInt16, AttrUint16:
		return 2
	case AttrInt32, AttrUint32:
		return 4
	case AttrInt64, AttrUint64:
		return 8
	default:
		return 0
	}
}

// GetAttr reads a named attribute into buf (spec §4.B "attr"). Integer
// attributes require len(buf) to equal the type's exact width or the call
// fails with InvalidArg. String attributes copy a NUL-terminated value and
// return TooSmall if buf is insufficient. Returns the number of bytes
// written. The attribute table is read-locked for the duration of the
// lookup ("Attribute access").
func GetAttr(node *Node, name string, typ AttrType, buf []byte) (int, error) {
	if width := attrWidth(typ); width > 0 && len(buf) != width {
		return 0, kstatus.InvalidArg
	}

	node.attrMu.RLock()
	defer node.attrMu.RUnlock()

	for _, a := range node.attrs {
		if a.Name != name {
			continue
		}
		if a.Type != typ {
			return 0, kstatus.IncorrectType
		}
		return writeAttr(a, buf)
	}
	return 0, kstatus.NotFound
}

func writeAttr(a Attr, buf []byte) (int, error) {
	switch a.Type {
	case AttrInt8, AttrUint8:
		buf[0] = byte(a.Int)
		return 1, nil
	case AttrInt16, AttrUint16:
		binary.LittleEndian.PutUint16(buf, uint16(a.Int))
		return 2, nil
	case AttrInt32, AttrUint32:
		binary.LittleEndian.PutUint32(buf, uint32(a.Int))
		return 4, nil
	case AttrInt64, AttrUint64:
		binary.LittleEndian.PutUint64(buf, uint64(a.Int))
		return 8, nil
	case AttrString:
		n := len(a.String) + 1 // NUL terminator
		if n > len(buf) {
			return 0, kstatus.TooSmall
		}
		copy(buf, a.String)
		buf[len(a.String)] = 0
		return n, nil
	}
	return 0, kstatus.NotFound
}

// SetAttrs replaces node's attribute table wholesale under the write side
// of the attribute rwlock. Not present as a named op in the original
// (attributes are fixed at device_create_etc time there), but useful for
// tests and for class drivers that want to update attributes post-publish.
func SetAttrs(node *Node, attrs []Attr) {
	node.attrMu.Lock()
	node.attrs = append([]Attr(nil), attrs...)
	node.attrMu.Unlock()
}
