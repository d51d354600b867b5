package ipc

import (
	"time"

	"github.com/google/uuid"

	"github.com/aejsmith/kiwi-core/pkg/kstatus"
)

// KernelMessage is the envelope carried between endpoints (spec §3 "Kernel
// message"): header fields, an owned data buffer, at most one attached
// object handle, and an optional security-context snapshot.
//
// The original's ipc_kmessage_t is manually reference-counted (retain/
// release bump a count, freed at zero); here lifetime is owned by Go's GC
// once a message is handed off, so no Retain/Release exist. ID is a
// google/uuid correlation id standing in for the refcounted object identity
// the round-trip test needs ("extracted handle refers to the same kernel
// object as attached" — §8) without a shared sequence-counter lock across
// the simulated CPUs (SPEC_FULL §11).
type KernelMessage struct {
	ID        uuid.UUID
	Type      uint32
	Flags     uint32
	Data      []byte
	Handle    interface{}
	Timestamp time.Time
	Security  interface{}

	// Payload carries a typed request/reply struct for protocols built on
	// top of ipc (e.g. pkg/posix's wire protocol, spec §4.E "Message
	// protocol"). The original always serializes its payload into Data;
	// since §6 "Persisted state: None" means nothing here ever crosses a
	// real wire, storing the already-typed struct directly skips a
	// pointless marshal/unmarshal round trip.
	Payload interface{}
}

// NewMessage builds a message envelope with a fresh correlation id stamped.
// It reports kstatus.TooLarge rather than truncating data over DataMax
// (ipc.c:1036-1038's STATUS_TOO_LARGE), since a silently truncated message
// is not observably different to a caller from one that sent correctly.
func NewMessage(msgType uint32, data []byte) (*KernelMessage, error) {
	if len(data) > DataMax {
		return nil, kstatus.TooLarge
	}
	return &KernelMessage{
		ID:   uuid.New(),
		Type: msgType,
		Data: data,
	}, nil
}

// SetHandle attaches (or, passing nil, detaches) a kernel object handle to
// the message (ipc_kmessage_set_handle, spec §8 round-trip).
func (m *KernelMessage) SetHandle(h interface{}) {
	m.Handle = h
	if h != nil {
		m.Flags |= messageFlagHandle
	} else {
		m.Flags &^= messageFlagHandle
	}
}

const messageFlagHandle uint32 = 1 << 0
