package sockmux

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strconv"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newTestEngine(t *testing.T, opt ...Option) *Engine {
	t.Helper()

	base := []Option{BindHostOption("127.0.0.1"), LoggerOption(&mockLogger{})}
	e, err := New("test", append(base, opt...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { e.Shutdown() })
	return e
}

func openTestServer(t *testing.T, e *Engine) (EndpointID, int) {
	t.Helper()

	ep, err := e.OpenServer(0)
	if err != nil {
		t.Fatalf("OpenServer failed: %v", err)
	}
	port, err := e.LocalPort(ep)
	if err != nil {
		t.Fatalf("LocalPort failed: %v", err)
	}
	if port == 0 {
		t.Fatal("ephemeral port not resolved")
	}
	return ep, port
}

func dialRaw(t *testing.T, port int) net.Conn {
	t.Helper()

	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// dialSlow connects with a tiny receive buffer set before the handshake so
// the advertised window stays small.
func dialSlow(t *testing.T, port int) net.Conn {
	t.Helper()

	d := net.Dialer{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var serr error
			err := rc.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 4096)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	c, err := d.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// freePort returns a loopback port nothing is listening on.
func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// pollUntil drives the engines until cond holds or the deadline passes.
func pollUntil(t *testing.T, timeout time.Duration, cond func() bool, engines ...*Engine) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		for _, e := range engines {
			if err := e.Poll(10 * time.Millisecond); err != nil {
				t.Fatalf("Poll failed: %v", err)
			}
		}
	}
}

func clientCount(t *testing.T, e *Engine, ep EndpointID) int {
	t.Helper()

	ids, err := e.Clients(ep)
	if err != nil {
		t.Fatalf("Clients failed: %v", err)
	}
	return len(ids)
}

func waitClients(t *testing.T, e *Engine, ep EndpointID, n int) []ClientID {
	t.Helper()

	pollUntil(t, 2*time.Second, func() bool { return clientCount(t, e, ep) == n }, e)
	ids, _ := e.Clients(ep)
	return ids
}

func TestEngine_EndToEnd(t *testing.T) {
	e := newTestEngine(t)
	srv, port := openTestServer(t, e)

	cli, err := e.OpenClient("127.0.0.1", port, 0)
	if err != nil {
		t.Fatalf("OpenClient failed: %v", err)
	}
	cid, err := e.ClientOf(cli)
	if err != nil {
		t.Fatalf("ClientOf failed: %v", err)
	}

	body := bytes.Repeat([]byte("abcdefghijklm"), 3)[:37]
	if err := e.SendMessage(time.Second, cli, cid, 42, body); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	msg, err := e.GetMessage(2 * time.Second)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if msg.Endpoint != srv {
		t.Errorf("endpoint = %v, want %v", msg.Endpoint, srv)
	}
	if msg.Header.ID != 42 || msg.Header.Len != 37 || msg.Header.Format != FormatExtended {
		t.Errorf("header = %+v", msg.Header)
	}
	if !bytes.Equal(msg.Body, body) {
		t.Errorf("body = %q, want %q", msg.Body, body)
	}

	// reply on the accepted connection
	if err := e.SendMessage(time.Second, srv, msg.Client, 43, []byte("pong")); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	reply, err := e.GetMessage(2 * time.Second)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if reply.Endpoint != cli || reply.Client != cid {
		t.Errorf("reply arrived on %v/%v, want %v/%v", reply.Endpoint, reply.Client, cli, cid)
	}
	if reply.Header.ID != 43 || string(reply.Body) != "pong" {
		t.Errorf("reply = %+v %q", reply.Header, reply.Body)
	}

	stats := e.Stats()
	if stats.FramesRead != 2 || stats.FramesWritten != 2 || stats.Accepted != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEngine_GetMessageTimeout(t *testing.T) {
	e := newTestEngine(t)
	openTestServer(t, e)

	if _, err := e.GetMessage(0); !errors.Is(err, ErrNoMessage) {
		t.Errorf("zero timeout: err = %v, want ErrNoMessage", err)
	}

	start := time.Now()
	if _, err := e.GetMessage(50 * time.Millisecond); !errors.Is(err, ErrNoMessage) {
		t.Errorf("err = %v, want ErrNoMessage", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned after %v, want about 50ms", elapsed)
	}
}

func TestEngine_NothingToWaitOn(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.GetMessage(Forever); !errors.Is(err, ErrNoDescriptors) {
		t.Errorf("err = %v, want ErrNoDescriptors", err)
	}
}

func TestEngine_SequenceNumbers(t *testing.T) {
	e := newTestEngine(t)
	srv, port := openTestServer(t, e)
	raw := dialRaw(t, port)
	ids := waitClients(t, e, srv, 1)

	for i := 0; i < 2; i++ {
		if err := e.SendMessage(time.Second, srv, ids[0], 5, []byte("x")); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}

	var codec FrameCodec
	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	for want := uint32(1); want <= 2; want++ {
		msg, err := codec.Decode(raw)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if msg.Header.Seq != want {
			t.Errorf("seq = %d, want %d", msg.Header.Seq, want)
		}
	}
}

func TestEngine_ReceivesLegacyFrame(t *testing.T) {
	e := newTestEngine(t)
	srv, port := openTestServer(t, e)
	raw := dialRaw(t, port)

	frame, err := ConvertToLegacy(Header{ID: 5, Seq: 11}, []byte("hi!"))
	if err != nil {
		t.Fatalf("ConvertToLegacy failed: %v", err)
	}
	if _, err := raw.Write(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	msg, err := e.GetMessage(2 * time.Second)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if msg.Endpoint != srv {
		t.Errorf("endpoint = %v, want %v", msg.Endpoint, srv)
	}
	if msg.Header.Format != FormatLegacy || msg.Header.ID != 5 || msg.Header.Seq != 11 {
		t.Errorf("header = %+v", msg.Header)
	}
	if !bytes.Equal(msg.Body, []byte{'h', 'i', '!', 0}) {
		t.Errorf("body = %q, want padded hi!", msg.Body)
	}
}

func TestEngine_FrameSplitAcrossWrites(t *testing.T) {
	e := newTestEngine(t)
	_, port := openTestServer(t, e)
	raw := dialRaw(t, port)

	body := []byte("fragmented body")
	frame := AppendFrame(nil, Header{ID: 8}, body)
	for _, cut := range [][]byte{frame[:3], frame[3:20], frame[20:31], frame[31:]} {
		if _, err := raw.Write(cut); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		if err := e.Poll(20 * time.Millisecond); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
	}

	msg, err := e.GetMessage(2 * time.Second)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if msg.Header.ID != 8 || !bytes.Equal(msg.Body, body) {
		t.Errorf("got %+v %q", msg.Header, msg.Body)
	}
	if e.Stats().FramesRead != 1 {
		t.Errorf("FramesRead = %d, want 1", e.Stats().FramesRead)
	}
}

func TestEngine_OversizedFrameNeverDelivered(t *testing.T) {
	e := newTestEngine(t, MessageMaxSize(64))
	srv, port := openTestServer(t, e)
	raw := dialRaw(t, port)
	waitClients(t, e, srv, 1)

	hdr := EncodeExtended(Header{ID: 1, Len: 1 << 30})
	if _, err := raw.Write(hdr); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if msg, err := e.GetMessage(300 * time.Millisecond); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("GetMessage = %+v, %v; want ErrNoMessage", msg.Header, err)
	}
	if n := clientCount(t, e, srv); n != 0 {
		t.Errorf("clients = %d, want 0", n)
	}
	if e.Stats().Lost != 1 {
		t.Errorf("Lost = %d, want 1", e.Stats().Lost)
	}

	raw.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := raw.Read(make([]byte, 1)); err == nil {
		t.Error("peer still connected after oversized frame")
	}
}

func TestEngine_BadMagicDropsConnection(t *testing.T) {
	e := newTestEngine(t)
	srv, port := openTestServer(t, e)
	raw := dialRaw(t, port)
	waitClients(t, e, srv, 1)

	hdr := EncodeExtended(Header{ID: 1, Len: 4})
	hdr[MagicLen-1] ^= 0x01
	raw.Write(append(hdr, "body"...))

	if _, err := e.GetMessage(300 * time.Millisecond); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("err = %v, want ErrNoMessage", err)
	}
	if n := clientCount(t, e, srv); n != 0 {
		t.Errorf("clients = %d, want 0", n)
	}
}

func TestEngine_KillClientScrubsEverything(t *testing.T) {
	var gone []error
	e := newTestEngine(t, OnDisconnectOption(func(_ EndpointID, _ ClientID, err error) {
		gone = append(gone, err)
	}))
	srv, port := openTestServer(t, e)
	raw := dialRaw(t, port)
	ids := waitClients(t, e, srv, 1)

	// leave a partial frame behind so the connection dies mid-read
	raw.Write(EncodeExtended(Header{ID: 1, Len: 10})[:12])
	e.Poll(100 * time.Millisecond)

	c, _ := e.lookup(srv, ids[0])
	fd := c.fd

	if err := e.KillClient(srv, ids[0]); err != nil {
		t.Fatalf("KillClient failed: %v", err)
	}

	for name, set := range map[string]map[int]struct{}{"listen": e.listenSet, "read": e.readSet, "write": e.writeSet} {
		if _, ok := set[fd]; ok {
			t.Errorf("fd %d still in %s set", fd, name)
		}
	}
	if _, ok := e.byFD[fd]; ok {
		t.Errorf("fd %d still mapped", fd)
	}
	if _, err := e.ConnectionStatus(srv, ids[0]); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("status err = %v, want ErrInvalidClient", err)
	}
	if len(gone) != 1 || !errors.Is(gone[0], errKilled) {
		t.Errorf("disconnect callbacks = %v", gone)
	}

	raw.Write([]byte("more data that nobody reads"))
	if _, err := e.GetMessage(100 * time.Millisecond); !errors.Is(err, ErrNoMessage) {
		t.Errorf("err = %v, want ErrNoMessage", err)
	}
	if e.Stats().Killed != 1 {
		t.Errorf("Killed = %d, want 1", e.Stats().Killed)
	}
}

func TestEngine_PeerCloseRunsCallback(t *testing.T) {
	var gone []error
	e := newTestEngine(t, OnDisconnectOption(func(_ EndpointID, _ ClientID, err error) {
		gone = append(gone, err)
	}))
	srv, port := openTestServer(t, e)
	raw := dialRaw(t, port)
	waitClients(t, e, srv, 1)

	raw.Close()
	pollUntil(t, 2*time.Second, func() bool { return len(gone) == 1 }, e)

	if !errors.Is(gone[0], io.EOF) {
		t.Errorf("cause = %v, want io.EOF", gone[0])
	}
	if n := clientCount(t, e, srv); n != 0 {
		t.Errorf("clients = %d, want 0", n)
	}
}

func TestEngine_MisuseErrors(t *testing.T) {
	e := newTestEngine(t)
	srv, port := openTestServer(t, e)
	dialRaw(t, port)
	ids := waitClients(t, e, srv, 1)

	bogus := EndpointID(makeHandle(40, 1))
	if err := e.SendMessage(0, bogus, ids[0], 1, nil); !errors.Is(err, ErrInvalidEndpoint) {
		t.Errorf("bad endpoint: err = %v, want ErrInvalidEndpoint", err)
	}
	if err := e.SendMessage(0, srv, ClientID(makeHandle(40, 1)), 1, nil); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("bad client: err = %v, want ErrInvalidClient", err)
	}
	if _, err := e.SendMessageToAll(0, bogus, 1, nil, false); !errors.Is(err, ErrInvalidEndpoint) {
		t.Errorf("broadcast bad endpoint: err = %v", err)
	}
	if err := e.KillClient(srv, ClientID(makeHandle(40, 1))); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("kill bad client: err = %v", err)
	}
	if err := e.SendMessage(0, srv, ids[0], 1, make([]byte, defaultMaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversized send: err = %v, want ErrFrameTooLarge", err)
	}

	// a killed client's handle stays invalid even after its slot is reused
	e.KillClient(srv, ids[0])
	dialRaw(t, port)
	fresh := waitClients(t, e, srv, 1)
	if fresh[0] == ids[0] {
		t.Fatal("reused slot returned the old handle")
	}
	if err := e.SendMessage(0, srv, ids[0], 1, nil); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("stale client: err = %v, want ErrInvalidClient", err)
	}
}

func TestEngine_SendInProgress(t *testing.T) {
	e := newTestEngine(t, MessageMaxSize(16<<20), SocketBufferOption(0, 16*1024))
	srv, port := openTestServer(t, e)
	dialSlow(t, port)
	ids := waitClients(t, e, srv, 1)

	body := make([]byte, 8<<20)
	if err := e.SendMessage(0, srv, ids[0], 1, body); !errors.Is(err, ErrWritePending) {
		t.Fatalf("err = %v, want ErrWritePending", err)
	}

	st, err := e.ConnectionStatus(srv, ids[0])
	if err != nil {
		t.Fatalf("ConnectionStatus failed: %v", err)
	}
	if !st.Connected || !st.WritePending {
		t.Errorf("status = %+v, want connected with a pending write", st)
	}
	if err := e.SendMessage(0, srv, ids[0], 1, []byte("x")); !errors.Is(err, ErrSendInProgress) {
		t.Errorf("err = %v, want ErrSendInProgress", err)
	}
}

func TestEngine_ServerOnlyOperations(t *testing.T) {
	e := newTestEngine(t)
	_, port := openTestServer(t, e)

	cli, err := e.OpenClient("127.0.0.1", port, 0)
	if err != nil {
		t.Fatalf("OpenClient failed: %v", err)
	}
	if _, err := e.SendMessageToAll(0, cli, 1, nil, false); !errors.Is(err, ErrNotServer) {
		t.Errorf("broadcast on client: err = %v, want ErrNotServer", err)
	}
	if _, err := e.LocalPort(cli); !errors.Is(err, ErrNotServer) {
		t.Errorf("LocalPort on client: err = %v, want ErrNotServer", err)
	}
}

func TestEngine_MaxConnections(t *testing.T) {
	e := newTestEngine(t, MaxConnectionsOption(1))
	srv, port := openTestServer(t, e)

	dialRaw(t, port)
	waitClients(t, e, srv, 1)

	extra := dialRaw(t, port)
	e.Poll(200 * time.Millisecond)

	extra.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := extra.Read(make([]byte, 1)); err == nil {
		t.Error("connection beyond the cap was kept")
	}
	if n := clientCount(t, e, srv); n != 1 {
		t.Errorf("clients = %d, want 1", n)
	}
}

func TestEngine_MaxEndpoints(t *testing.T) {
	e := newTestEngine(t, MaxEndpointsOption(1))
	openTestServer(t, e)

	if _, err := e.OpenServer(0); !errors.Is(err, ErrRegistryFull) {
		t.Errorf("err = %v, want ErrRegistryFull", err)
	}
}

func TestEngine_CloseEndpoint(t *testing.T) {
	e := newTestEngine(t)
	srv, port := openTestServer(t, e)
	raw := dialRaw(t, port)
	waitClients(t, e, srv, 1)

	if err := e.Close(srv); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := e.Close(srv); !errors.Is(err, ErrInvalidEndpoint) {
		t.Errorf("second Close: err = %v, want ErrInvalidEndpoint", err)
	}
	if len(e.listenSet) != 0 || len(e.readSet) != 0 || len(e.byFD) != 0 {
		t.Errorf("sets not empty: listen %d read %d fds %d", len(e.listenSet), len(e.readSet), len(e.byFD))
	}

	raw.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := raw.Read(make([]byte, 1)); err == nil {
		t.Error("accepted connection survived Close")
	}
}

func TestEngine_Shutdown(t *testing.T) {
	e := newTestEngine(t)
	openTestServer(t, e)

	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, err := e.GetMessage(0); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("GetMessage: err = %v, want ErrEngineClosed", err)
	}
	if _, err := e.OpenServer(0); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("OpenServer: err = %v, want ErrEngineClosed", err)
	}
	if err := e.Shutdown(); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

type recordingRegistrar struct {
	registered   []Service
	unregistered []Service
}

func (r *recordingRegistrar) Register(svc Service) error {
	r.registered = append(r.registered, svc)
	return nil
}

func (r *recordingRegistrar) Unregister(svc Service) error {
	r.unregistered = append(r.unregistered, svc)
	return nil
}

func TestEngine_ServiceRegistration(t *testing.T) {
	reg := &recordingRegistrar{}
	e := newTestEngine(t, RegistrarOption(reg))

	ep, err := e.OpenServer(0, ServiceOption("relay", "chat", "one"))
	if err != nil {
		t.Fatalf("OpenServer failed: %v", err)
	}
	port, _ := e.LocalPort(ep)

	if len(reg.registered) != 1 {
		t.Fatalf("registered %d services, want 1", len(reg.registered))
	}
	svc := reg.registered[0]
	if svc.Type != "relay" || svc.Subtype != "chat" || svc.Instance != "one" || svc.Port != port {
		t.Errorf("service = %+v, want relay/chat/one on %d", svc, port)
	}

	// endpoints without a service identity are not announced
	if _, err := e.OpenServer(0); err != nil {
		t.Fatalf("OpenServer failed: %v", err)
	}
	if len(reg.registered) != 1 {
		t.Errorf("registered %d services, want 1", len(reg.registered))
	}

	e.Close(ep)
	if len(reg.unregistered) != 1 || reg.unregistered[0].Port != port {
		t.Errorf("unregistered = %+v", reg.unregistered)
	}
}

func TestEngine_OrphanDescriptorScrubbed(t *testing.T) {
	mock := &mockLogger{}
	e := newTestEngine(t, LoggerOption(mock))

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair failed: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })

	// armed for reading but never registered with a connection
	orphan := fds[0]
	e.readSet[orphan] = struct{}{}
	if _, err := unix.Write(fds[1], []byte{1}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := e.Poll(100 * time.Millisecond); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	for name, set := range map[string]map[int]struct{}{"listen": e.listenSet, "read": e.readSet, "write": e.writeSet} {
		if _, ok := set[orphan]; ok {
			t.Errorf("orphan fd still in %s set", name)
		}
	}
	if _, err := unix.FcntlInt(uintptr(orphan), unix.F_GETFD, 0); !errors.Is(err, unix.EBADF) {
		t.Errorf("fcntl err = %v, want EBADF (descriptor closed)", err)
	}
	if !mock.saw("descriptor has no connection, closing it") {
		t.Error("registry miss was not logged")
	}
}
