package ipc

import (
	"sync"
	"testing"
	"time"

	"github.com/aejsmith/kiwi-core/pkg/kstatus"
	"github.com/aejsmith/kiwi-core/pkg/proc"
	"github.com/stretchr/testify/require"
)

func newTestProcs(t *testing.T) (tree *proc.Tree, server, client *proc.Process) {
	t.Helper()
	tree = proc.NewTree()
	server = tree.CreateProcess("server", nil, 0)
	client = tree.CreateProcess("client", nil, 0)
	return
}

// mustMessage builds a message envelope, failing the test immediately if
// data exceeds DataMax (NewMessage now reports that as an error rather
// than silently truncating).
func mustMessage(t *testing.T, msgType uint32, data []byte) *KernelMessage {
	t.Helper()
	msg, err := NewMessage(msgType, data)
	require.NoError(t, err)
	return msg
}

// TestOpenListenRoundTrip covers the basic Setup->Active handshake (spec
// §4.D "Open"/"Listen").
func TestOpenListenRoundTrip(t *testing.T) {
	_, server, client := newTestProcs(t)
	reg := NewRegistry(0)
	port := reg.CreatePort(server)

	var clientEP *Endpoint
	var clientErr error
	done := make(chan struct{})
	go func() {
		clientEP, clientErr = reg.Open(port, client, time.Second)
		close(done)
	}()

	serverEP, err := port.Listen(server, time.Second)
	require.NoError(t, err)
	require.NotNil(t, serverEP)

	<-done
	require.NoError(t, clientErr)
	require.NotNil(t, clientEP)

	require.Equal(t, ConnActive, Status(clientEP))
	require.Equal(t, ConnActive, Status(serverEP))
}

// TestHandleRoundTrip implements the §8 round-trip: "Attach a handle via
// ipc_kmessage_set_handle, send, receive, extract via receive_handle ->
// extracted handle refers to the same kernel object as attached."
func TestHandleRoundTrip(t *testing.T) {
	_, server, client := newTestProcs(t)
	reg := NewRegistry(0)
	port := reg.CreatePort(server)

	serverCh := make(chan *Endpoint, 1)
	go func() {
		ep, err := port.Listen(server, time.Second)
		require.NoError(t, err)
		serverCh <- ep
	}()

	clientEP, err := reg.Open(port, client, time.Second)
	require.NoError(t, err)
	serverEP := <-serverCh

	type kernelObject struct{ name string }
	obj := &kernelObject{name: "fd-7"}

	msg := mustMessage(t, 1, []byte("payload"))
	msg.SetHandle(obj)

	require.NoError(t, Send(clientEP, msg, 0, time.Second))

	require.NoError(t, ReceiveRetain(serverEP, 0, time.Second))

	data, err := ReceiveData(serverEP)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)

	h, err := ReceiveHandle(serverEP)
	require.NoError(t, err)
	require.Same(t, obj, h)
}

// TestSendReceiveFIFOOrder covers testable property 3: "send followed by
// matching receive calls return messages in the order they were sent on
// that endpoint."
func TestSendReceiveFIFOOrder(t *testing.T) {
	_, server, client := newTestProcs(t)
	reg := NewRegistry(0)
	port := reg.CreatePort(server)

	serverCh := make(chan *Endpoint, 1)
	go func() {
		ep, _ := port.Listen(server, time.Second)
		serverCh <- ep
	}()
	clientEP, err := reg.Open(port, client, time.Second)
	require.NoError(t, err)
	serverEP := <-serverCh

	for i := 0; i < 5; i++ {
		require.NoError(t, Send(clientEP, mustMessage(t, uint32(i), nil), 0, time.Second))
	}
	for i := 0; i < 5; i++ {
		msg, err := Receive(serverEP, 0, time.Second)
		require.NoError(t, err)
		require.Equal(t, uint32(i), msg.Type)
	}
}

// TestIPCHangup implements §8 scenario 4: "Server listens on port P, client
// connects, server receives, server closes. Client's next send returns
// CONN_HUNGUP, pending object_wait for hangup fires exactly once."
func TestIPCHangup(t *testing.T) {
	_, server, client := newTestProcs(t)
	reg := NewRegistry(0)
	port := reg.CreatePort(server)

	serverCh := make(chan *Endpoint, 1)
	go func() {
		ep, _ := port.Listen(server, time.Second)
		serverCh <- ep
	}()
	clientEP, err := reg.Open(port, client, time.Second)
	require.NoError(t, err)
	serverEP := <-serverCh

	var fired int
	var mu sync.Mutex
	clientEP.AddHangupNotifier(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	require.NoError(t, Send(clientEP, mustMessage(t, 1, []byte("hi")), 0, time.Second))
	_, err = Receive(serverEP, 0, time.Second)
	require.NoError(t, err)

	Close(serverEP)

	err = Send(clientEP, mustMessage(t, 2, nil), 0, time.Second)
	require.ErrorIs(t, err, kstatus.ConnHungUp)

	mu.Lock()
	require.Equal(t, 1, fired)
	mu.Unlock()

	// Closing again, or from the other side, must not refire the notifier.
	Close(serverEP)
	Close(clientEP)
	mu.Lock()
	require.Equal(t, 1, fired)
	mu.Unlock()
}

// TestSendQueueDepthWouldBlockThenForce covers the boundary behaviour "send
// with timeout 0 into a full queue returns WOULD_BLOCK immediately" and the
// FORCE flag bypassing it (spec §4.D Send; §13).
func TestSendQueueDepthWouldBlockThenForce(t *testing.T) {
	_, server, client := newTestProcs(t)
	reg := NewRegistry(2)
	port := reg.CreatePort(server)

	serverCh := make(chan *Endpoint, 1)
	go func() {
		ep, _ := port.Listen(server, time.Second)
		serverCh <- ep
	}()
	clientEP, err := reg.Open(port, client, time.Second)
	require.NoError(t, err)
	<-serverCh // leave messages unread to fill the queue

	require.NoError(t, Send(clientEP, mustMessage(t, 1, nil), 0, time.Second))
	require.NoError(t, Send(clientEP, mustMessage(t, 2, nil), 0, time.Second))

	err = Send(clientEP, mustMessage(t, 3, nil), 0, 0)
	require.ErrorIs(t, err, kstatus.WouldBlock)

	require.NoError(t, Send(clientEP, mustMessage(t, 4, nil), SendForce, time.Second))
}

// TestPortListenWouldBlockOnEmpty covers "listen with timeout 0 on an empty
// port returns WOULD_BLOCK immediately."
func TestPortListenWouldBlockOnEmpty(t *testing.T) {
	_, server, _ := newTestProcs(t)
	reg := NewRegistry(0)
	port := reg.CreatePort(server)

	_, err := port.Listen(server, 0)
	require.ErrorIs(t, err, kstatus.WouldBlock)
}

// TestListenDeniedToNonOwner covers the owner-only restriction on Listen.
func TestListenDeniedToNonOwner(t *testing.T) {
	_, server, client := newTestProcs(t)
	reg := NewRegistry(0)
	port := reg.CreatePort(server)

	_, err := port.Listen(client, 0)
	require.ErrorIs(t, err, kstatus.AccessDenied)
}

// TestOpenFailsWhenPortDisowned covers owner death cancelling in-progress
// connection attempts (spec §4.D "Open": "Closed (owner disowned ...)").
func TestOpenFailsWhenPortDisowned(t *testing.T) {
	tree := proc.NewTree()
	server := tree.CreateProcess("server", nil, 0)
	serverTh := tree.NewThread(server, "main", 0)
	tree.Run(serverTh)
	client := tree.CreateProcess("client", nil, 0)

	reg := NewRegistry(0)
	port := reg.CreatePort(server)

	done := make(chan error, 1)
	go func() {
		_, err := reg.Open(port, client, time.Hour)
		done <- err
	}()

	require.Eventually(t, func() bool {
		port.mu.Lock()
		defer port.mu.Unlock()
		return len(port.waiting) == 1
	}, time.Second, time.Millisecond)

	tree.Exit(serverTh, proc.ExitStatus{})

	select {
	case err := <-done:
		require.ErrorIs(t, err, kstatus.ConnHungUp)
	case <-time.After(time.Second):
		t.Fatal("Open did not return after owner disowned the port")
	}
}

// TestOpenTimesOutOnEmptyPort covers the boundary where nobody ever listens.
func TestOpenTimesOutOnEmptyPort(t *testing.T) {
	_, server, client := newTestProcs(t)
	reg := NewRegistry(0)
	port := reg.CreatePort(server)

	_, err := reg.Open(port, client, 10*time.Millisecond)
	require.ErrorIs(t, err, kstatus.TimedOut)

	port.mu.Lock()
	waiting := len(port.waiting)
	port.mu.Unlock()
	require.Equal(t, 0, waiting)
}

// TestEndpointDropSilentlySucceeds covers spec §4.D Send: "silently
// succeeds if the remote has DROP set."
func TestEndpointDropSilentlySucceeds(t *testing.T) {
	_, server, client := newTestProcs(t)
	reg := NewRegistry(0)
	port := reg.CreatePort(server)

	serverCh := make(chan *Endpoint, 1)
	go func() {
		ep, _ := port.Listen(server, time.Second)
		serverCh <- ep
	}()
	clientEP, err := reg.Open(port, client, time.Second)
	require.NoError(t, err)
	serverEP := <-serverCh
	serverEP.SetFlags(EndpointDrop)

	require.NoError(t, Send(clientEP, mustMessage(t, 1, nil), 0, time.Second))

	_, err = Receive(serverEP, 0, 0)
	require.ErrorIs(t, err, kstatus.WouldBlock)
}

// TestKernelEndpointDelegatesReceive covers spec §3 Endpoint "optional
// kernel-side operations vtable for 'kernel endpoints'": a send into such an
// endpoint calls the hook directly instead of queueing.
func TestKernelEndpointDelegatesReceive(t *testing.T) {
	_, server, client := newTestProcs(t)
	reg := NewRegistry(0)
	port := reg.CreatePort(server)

	serverCh := make(chan *Endpoint, 1)
	go func() {
		ep, _ := port.Listen(server, time.Second)
		serverCh <- ep
	}()
	clientEP, err := reg.Open(port, client, time.Second)
	require.NoError(t, err)
	serverEP := <-serverCh

	var received *KernelMessage
	var mu sync.Mutex
	serverEP.SetKernelOps(&KernelOps{
		Receive: func(msg *KernelMessage) {
			mu.Lock()
			received = msg
			mu.Unlock()
		},
	})

	require.NoError(t, Send(clientEP, mustMessage(t, 42, []byte("hook")), 0, time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, received)
	require.Equal(t, uint32(42), received.Type)

	serverEP.conn.mu.Lock()
	queued := len(serverEP.queue)
	serverEP.conn.mu.Unlock()
	require.Equal(t, 0, queued, "kernel-endpoint delivery must bypass the queue")
}

// TestNewMessageRejectsOversizedData covers ipc.c:1036-1038's STATUS_TOO_LARGE:
// data over DataMax is reported, not silently truncated.
func TestNewMessageRejectsOversizedData(t *testing.T) {
	msg, err := NewMessage(1, make([]byte, DataMax+1))
	require.ErrorIs(t, err, kstatus.TooLarge)
	require.Nil(t, msg)

	msg, err = NewMessage(1, make([]byte, DataMax))
	require.NoError(t, err)
	require.NotNil(t, msg)
}
