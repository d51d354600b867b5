// Package ipc implements the kernel's IPC ports and connections (spec §4.D):
// a port is a named rendezvous for connection attempts owned by a single
// process; a connection pairs two endpoints moving through a
// Setup->Active->Closed state machine; messages queue at an endpoint and are
// retrieved FIFO by its owner.
//
// Grounded on original_source/source/kernel/ipc/ipc.c throughout.
package ipc

import "time"

// ConnState is a connection's position in the Setup->Active->Closed state
// machine (spec §4.D "Connection state machine").
type ConnState int

const (
	ConnSetup ConnState = iota
	ConnActive
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnSetup:
		return "setup"
	case ConnActive:
		return "active"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Endpoint flags (ipc_endpoint_t.flags / IPC_ENDPOINT_*).
const (
	// EndpointDrop marks an endpoint so that sends arriving at it from its
	// remote silently succeed without being queued (spec §4.D "Send":
	// "silently succeeds if the remote has DROP set").
	EndpointDrop uint32 = 1 << iota
)

// Send flags (IPC_SEND_*).
const (
	// SendForce bypasses the remote queue's depth check (spec §4.D "Send";
	// §13 "ipc.c's FORCE flag bypassing the queue-depth check").
	SendForce uint32 = 1 << iota
	// SendSecurity attaches a snapshot of the sender's security context to
	// the message (spec §3 "Kernel message").
	SendSecurity
)

// Wait flags shared by Open/Listen/Send/Receive (IPC_INTERRUPTIBLE).
const (
	Interruptible uint32 = 1 << iota
)

// Default queue and message-size limits (spec §3 Kernel message invariants);
// a Registry may be given a different queue depth at construction (e.g. from
// pkg/kconfig's default-IPC-queue-depth setting, SPEC_FULL §10.3).
const (
	DefaultQueueMax = 16
	DataMax         = 4096
)

// Forever, passed as a timeout, waits indefinitely rather than returning
// WouldBlock/TimedOut (any negative duration has the same effect; this name
// documents the intent at call sites like pkg/posix's accept/receive loops).
const Forever time.Duration = -1

