// Package sockmux multiplexes framed TCP messages over many sockets from a
// single goroutine.
//
// An Engine owns every descriptor it opens. Server endpoints accept any
// number of clients, client endpoints dial one peer and can redial it on a
// fixed interval. All calls that wait (GetMessage, SendMessage,
// SendMessageToAll, Poll) are bounded loops around one readiness pass, so
// an Engine must only be used from one goroutine at a time.
//
// Frames carry a type id, a length and a sequence number. Two header
// layouts are understood on receive; the extended one is always sent.
package sockmux

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Forever makes a waiting call block until its condition is met.
const Forever time.Duration = -1

// Errors returned for caller misuse. Each case has its own value so callers
// can switch on them with errors.Is.
var (
	// ErrInvalidEndpoint is returned for an unknown or closed endpoint.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrInvalidClient is returned for an unknown or released connection.
	ErrInvalidClient = errors.New("invalid client")
	// ErrConnectionDown is returned when sending on a connection that is
	// not currently connected.
	ErrConnectionDown = errors.New("connection down")
	// ErrSendInProgress is returned when the previous frame on the same
	// connection has not been fully written yet.
	ErrSendInProgress = errors.New("previous send still pending")
	// ErrNotServer is returned when a server-only operation targets a client endpoint.
	ErrNotServer = errors.New("endpoint is not a server")
	// ErrInvalidOption is returned by New for out-of-range options.
	ErrInvalidOption = errors.New("invalid option")
)

// Errors describing outcomes rather than misuse.
var (
	// ErrNoMessage is returned by GetMessage when the timeout expires
	// before any frame is complete.
	ErrNoMessage = errors.New("no message")
	// ErrWritePending is returned when a send is still queued at timeout.
	// The body must not be modified until the write finishes or the client
	// is killed.
	ErrWritePending = errors.New("write pending")
	// ErrFrameTooLarge is returned when a frame exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrRegistryFull is returned when no endpoint or connection slot is left.
	ErrRegistryFull = errors.New("registry full")
	// ErrEngineClosed is returned after Shutdown.
	ErrEngineClosed = errors.New("engine closed")
	// ErrNoDescriptors is returned when asked to wait forever with nothing to wait on.
	ErrNoDescriptors = errors.New("no descriptors to wait on")
	// ErrConnectTimeout is returned when a connect attempt exceeds its bound.
	ErrConnectTimeout = errors.New("connect timed out")
)

// errKilled is the teardown cause recorded for KillClient.
var errKilled = errors.New("killed by caller")

// Received is one frame handed to the caller by GetMessage. Body is owned
// by the caller.
type Received struct {
	Endpoint EndpointID
	Client   ClientID
	Header   Header
	Body     []byte
}

// Status describes one connection.
type Status struct {
	Connected    bool
	WritePending bool
	// Down is set while a client connection waits for its next redial.
	Down      bool
	DownSince time.Time
	Peer      string
}

// Stats are running totals for one engine.
type Stats struct {
	FramesRead    uint64
	FramesWritten uint64
	BytesRead     uint64
	BytesWritten  uint64
	Accepted      uint64
	Lost          uint64
	Killed        uint64
	Reconnects    uint64
}

// Engine is the reactor: it owns the endpoint registry, the three interest
// sets and the queue of connections holding a complete frame.
type Engine struct {
	appName string
	opts    options
	logger  Logger

	endpoints slotTable[*endpoint]
	byFD      map[int]*conn
	listeners map[int]*endpoint

	listenSet map[int]struct{}
	readSet   map[int]struct{}
	writeSet  map[int]struct{}

	ready   []*conn
	anyDown bool
	closed  bool
	stats   Stats

	pfds []unix.PollFd
	pidx map[int]int
}

// New creates an engine for the named application.
func New(appName string, opt ...Option) (*Engine, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	e := &Engine{
		appName:   appName,
		opts:      opts,
		logger:    opts.logger,
		byFD:      make(map[int]*conn),
		listeners: make(map[int]*endpoint),
		listenSet: make(map[int]struct{}),
		readSet:   make(map[int]struct{}),
		writeSet:  make(map[int]struct{}),
		pidx:      make(map[int]int),
	}
	e.endpoints.limit = opts.maxEndpoints
	RegisterMetrics()

	e.logger.Debug("engine created", "app", appName,
		"max_frame_size", opts.maxFrameSize,
		"connect_timeout", opts.connectTimeout)
	return e, nil
}

// AppName returns the name the engine was created with.
func (e *Engine) AppName() string {
	return e.appName
}

func (e *Engine) addEndpoint(ep *endpoint) error {
	h, err := e.endpoints.add(ep)
	if err != nil {
		return err
	}
	ep.id = EndpointID(h)
	ep.conns.limit = e.opts.maxConns
	return nil
}

func (e *Engine) endpoint(id EndpointID) (*endpoint, error) {
	if e.closed {
		return nil, ErrEngineClosed
	}
	ep, ok := e.endpoints.get(handle(id))
	if !ok {
		return nil, ErrInvalidEndpoint
	}
	return ep, nil
}

func (e *Engine) lookup(id EndpointID, client ClientID) (*conn, error) {
	ep, err := e.endpoint(id)
	if err != nil {
		return nil, err
	}
	c, ok := ep.connection(client)
	if !ok {
		return nil, ErrInvalidClient
	}
	return c, nil
}

// OpenServer listens on port (zero picks an ephemeral port) and returns the
// new endpoint.
func (e *Engine) OpenServer(port int, opt ...EndpointOption) (EndpointID, error) {
	if e.closed {
		return 0, ErrEngineClosed
	}

	fd, bound, err := listenSocket(e.opts.bindHost, port, e.opts.backlog)
	if err != nil {
		return 0, err
	}

	ep := &endpoint{role: RoleServer, host: e.opts.bindHost, port: bound, fd: fd}
	for _, o := range opt {
		o(ep)
	}
	if err := e.addEndpoint(ep); err != nil {
		unix.Close(fd)
		return 0, err
	}

	e.listeners[fd] = ep
	e.listenSet[fd] = struct{}{}
	e.logger.Info("server endpoint listening", "endpoint", ep.id, "port", bound)

	if ep.service != nil && e.opts.registrar != nil {
		ep.service.Host = ep.host
		ep.service.Port = bound
		if err := e.opts.registrar.Register(*ep.service); err != nil {
			e.logger.Warn("service registration failed", "endpoint", ep.id, "error", err)
		}
	}
	return ep.id, nil
}

// OpenClient dials host:port. With retry > 0 a failed or later dropped
// connection is redialed every retry interval by the engine itself, and a
// refused first attempt still yields a usable endpoint. With retry == 0 the
// dial error is returned.
func (e *Engine) OpenClient(host string, port int, retry time.Duration) (EndpointID, error) {
	if e.closed {
		return 0, ErrEngineClosed
	}
	if retry < 0 {
		retry = 0
	}

	ep := &endpoint{role: RoleClient, host: host, port: port, fd: -1, retry: retry}
	if err := e.addEndpoint(ep); err != nil {
		return 0, err
	}
	c := &conn{fd: -1, peer: sockaddrLabel(host, port)}
	if err := ep.addConnection(c); err != nil {
		e.endpoints.remove(handle(ep.id))
		return 0, err
	}

	fd, err := connectSocket(host, port, e.opts.connectTimeout)
	if err != nil {
		if retry == 0 {
			e.endpoints.remove(handle(ep.id))
			return 0, err
		}
		now := time.Now()
		c.down = true
		c.downSince = now
		c.lastRetry = now
		e.anyDown = true
		e.logger.Warn("client endpoint down, will retry", connFields(c, "retry", retry, "error", err)...)
		return ep.id, nil
	}

	if err := e.attach(c, fd); err != nil {
		unix.Close(fd)
		e.endpoints.remove(handle(ep.id))
		return 0, err
	}
	e.logger.Info("client endpoint connected", connFields(c)...)
	return ep.id, nil
}

// attach binds a freshly connected descriptor to c and arms it for reading.
func (e *Engine) attach(c *conn, fd int) error {
	if err := tuneSocket(fd, &e.opts); err != nil {
		return err
	}
	c.fd = fd
	c.epoch++
	c.down = false
	c.dead = false
	c.rd.reset()
	c.wr = writeState{seq: c.wr.seq}
	e.byFD[fd] = c
	e.readSet[fd] = struct{}{}
	recordConnectionUp(e.appName)
	return nil
}

// scrub closes c's descriptor and removes it from every interest set and
// from the ready queue.
func (e *Engine) scrub(c *conn) {
	if c.fd >= 0 {
		delete(e.byFD, c.fd)
		e.forget(c.fd)
		if err := unix.Close(c.fd); err != nil {
			e.logger.Debug("close failed", connFields(c, "error", err)...)
		}
		c.fd = -1
		recordConnectionDown(e.appName)
	}
	if c.queued {
		for i, q := range e.ready {
			if q == c {
				e.ready = append(e.ready[:i], e.ready[i+1:]...)
				break
			}
		}
		c.queued = false
	}
	c.rd.reset()
	c.wr = writeState{seq: c.wr.seq}
}

func (e *Engine) forget(fd int) {
	delete(e.listenSet, fd)
	delete(e.readSet, fd)
	delete(e.writeSet, fd)
}

// teardown handles a connection-fatal error. Server connections release
// their slot; client connections stay in theirs, either waiting for a
// redial or dead when retry is disabled.
func (e *Engine) teardown(c *conn, cause error) {
	e.logger.Info("connection lost", connFields(c, "error", cause)...)
	e.scrub(c)
	e.stats.Lost++
	recordConnectionLost(e.appName)

	ep := c.ep
	switch {
	case ep.role == RoleServer:
		ep.conns.remove(handle(c.id))
	case ep.retry > 0:
		now := time.Now()
		c.down = true
		c.downSince = now
		c.lastRetry = now
		e.anyDown = true
	default:
		c.dead = true
	}

	if e.opts.onDisconnect != nil {
		e.opts.onDisconnect(ep.id, c.id, cause)
	}
}

// findConnection maps a ready descriptor back to its connection. A miss
// means the interest sets disagree with the registry: the descriptor is
// closed and scrubbed.
func (e *Engine) findConnection(fd int) *conn {
	if c, ok := e.byFD[fd]; ok {
		return c
	}
	e.logger.Error("descriptor has no connection, closing it", "fd", fd)
	e.forget(fd)
	unix.Close(fd)
	return nil
}

// Close shuts an endpoint and all of its connections down.
func (e *Engine) Close(id EndpointID) error {
	ep, err := e.endpoint(id)
	if err != nil {
		return err
	}
	e.closeEndpoint(ep)
	return nil
}

func (e *Engine) closeEndpoint(ep *endpoint) {
	ep.conns.each(func(h handle, c *conn) bool {
		e.scrub(c)
		ep.conns.remove(h)
		return true
	})
	if ep.fd >= 0 {
		e.forget(ep.fd)
		delete(e.listeners, ep.fd)
		unix.Close(ep.fd)
		ep.fd = -1
	}
	if ep.service != nil && e.opts.registrar != nil {
		if err := e.opts.registrar.Unregister(*ep.service); err != nil {
			e.logger.Warn("service unregistration failed", "endpoint", ep.id, "error", err)
		}
	}
	e.endpoints.remove(handle(ep.id))
	e.logger.Info("endpoint closed", "endpoint", ep.id, "role", ep.role)
}

// Shutdown closes every endpoint. The engine cannot be used afterwards.
func (e *Engine) Shutdown() error {
	if e.closed {
		return nil
	}
	e.endpoints.each(func(_ handle, ep *endpoint) bool {
		e.closeEndpoint(ep)
		return true
	})
	e.closed = true
	return nil
}

// KillClient drops one connection. On a client endpoint with retry the
// engine will redial it later.
func (e *Engine) KillClient(id EndpointID, client ClientID) error {
	c, err := e.lookup(id, client)
	if err != nil {
		return err
	}
	e.kill(c)
	return nil
}

func (e *Engine) kill(c *conn) {
	e.stats.Killed++
	recordKilled(e.appName)
	if c.fd < 0 {
		if c.ep.role == RoleServer {
			c.ep.conns.remove(handle(c.id))
		}
		return
	}
	e.teardown(c, errKilled)
}

// ConnectionStatus reports whether a connection is up and whether a write
// on it is still pending.
func (e *Engine) ConnectionStatus(id EndpointID, client ClientID) (Status, error) {
	c, err := e.lookup(id, client)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Connected:    c.live(),
		WritePending: c.wr.pending(),
		Down:         c.down,
		DownSince:    c.downSince,
		Peer:         c.peer,
	}, nil
}

// Clients lists the connections of an endpoint that are currently up.
func (e *Engine) Clients(id EndpointID) ([]ClientID, error) {
	ep, err := e.endpoint(id)
	if err != nil {
		return nil, err
	}
	var ids []ClientID
	ep.conns.each(func(_ handle, c *conn) bool {
		if c.live() {
			ids = append(ids, c.id)
		}
		return true
	})
	return ids, nil
}

// ClientOf returns the connection handle of a client endpoint.
func (e *Engine) ClientOf(id EndpointID) (ClientID, error) {
	ep, err := e.endpoint(id)
	if err != nil {
		return 0, err
	}
	c := ep.only()
	if c == nil {
		return 0, ErrInvalidClient
	}
	return c.id, nil
}

// LocalPort returns the port a server endpoint is bound to.
func (e *Engine) LocalPort(id EndpointID) (int, error) {
	ep, err := e.endpoint(id)
	if err != nil {
		return 0, err
	}
	if ep.role != RoleServer {
		return 0, ErrNotServer
	}
	return ep.port, nil
}

// Stats returns the running totals.
func (e *Engine) Stats() Stats {
	return e.stats
}

// GetMessage returns the next complete frame, waiting up to timeout
// (Forever waits indefinitely, zero polls once). ErrNoMessage means the
// timeout expired first.
func (e *Engine) GetMessage(timeout time.Duration) (Received, error) {
	if e.closed {
		return Received{}, ErrEngineClosed
	}
	start := time.Now()
	for passes := 0; ; passes++ {
		if r, ok := e.popReady(); ok {
			return r, nil
		}
		wait := timeLeft(start, timeout)
		if passes > 0 && wait == 0 {
			return Received{}, ErrNoMessage
		}
		if _, err := e.pass(wait); err != nil {
			return Received{}, err
		}
	}
}

// Poll runs the engine until at least one descriptor was serviced or the
// timeout expires.
func (e *Engine) Poll(timeout time.Duration) error {
	if e.closed {
		return ErrEngineClosed
	}
	_, err := e.pass(timeout)
	return err
}

func (e *Engine) popReady() (Received, bool) {
	if len(e.ready) == 0 {
		return Received{}, false
	}
	c := e.ready[0]
	e.ready = e.ready[1:]
	c.queued = false

	r := Received{
		Endpoint: c.ep.id,
		Client:   c.id,
		Header:   c.rd.header,
		Body:     c.rd.body,
	}
	c.rd.reset()
	if c.fd >= 0 {
		e.readSet[c.fd] = struct{}{}
	}
	return r, true
}

// SendMessage frames body with typeID and writes it to one connection,
// waiting up to timeout for the write to finish. ErrWritePending means the
// frame is still queued and body must stay untouched until ConnectionStatus
// reports no pending write.
func (e *Engine) SendMessage(timeout time.Duration, id EndpointID, client ClientID, typeID uint32, body []byte) error {
	c, err := e.lookup(id, client)
	if err != nil {
		return err
	}
	if !c.live() {
		return ErrConnectionDown
	}
	if c.wr.pending() {
		return ErrSendInProgress
	}
	if len(body) > e.opts.maxFrameSize {
		return ErrFrameTooLarge
	}

	epoch := c.epoch
	if done, err := e.startWrite(c, typeID, body); err != nil || done {
		return err
	}

	start := time.Now()
	for {
		wait := timeLeft(start, timeout)
		if wait == 0 {
			return ErrWritePending
		}
		if _, err := e.pass(wait); err != nil {
			return err
		}
		if c.fd < 0 || c.epoch != epoch {
			return errors.Wrap(ErrConnectionDown, "connection lost during send")
		}
		if !c.wr.pending() {
			return nil
		}
	}
}

// startWrite loads a frame and pushes as much of it as the socket takes.
// An unfinished frame parks the descriptor in the write-pending set.
func (e *Engine) startWrite(c *conn, typeID uint32, body []byte) (bool, error) {
	c.beginWrite(typeID, body)
	done, err := e.writeStep(c)
	if err != nil {
		e.teardown(c, err)
		return false, errors.Wrap(ErrConnectionDown, err.Error())
	}
	if !done {
		e.writeSet[c.fd] = struct{}{}
	}
	return done, nil
}

// timeLeft returns how much of timeout remains since start, Forever for a
// negative timeout.
func timeLeft(start time.Time, timeout time.Duration) time.Duration {
	if timeout < 0 {
		return Forever
	}
	left := timeout - time.Since(start)
	if left < 0 {
		return 0
	}
	return left
}

// pass is one reactor iteration: wait for readiness, then service writable
// descriptors, then accept, then read. It reports how many descriptors were
// ready.
func (e *Engine) pass(wait time.Duration) (int, error) {
	if e.anyDown {
		if next := e.superviseReconnects(time.Now()); next >= 0 && (wait < 0 || next < wait) {
			wait = next
		}
	}

	e.pfds = e.pfds[:0]
	clear(e.pidx)
	add := func(set map[int]struct{}, events int16) {
		for fd := range set {
			if i, ok := e.pidx[fd]; ok {
				e.pfds[i].Events |= events
				continue
			}
			e.pidx[fd] = len(e.pfds)
			e.pfds = append(e.pfds, unix.PollFd{Fd: int32(fd), Events: events})
		}
	}
	add(e.writeSet, unix.POLLOUT)
	add(e.listenSet, unix.POLLIN)
	add(e.readSet, unix.POLLIN)

	if len(e.pfds) == 0 && wait < 0 {
		return 0, ErrNoDescriptors
	}

	n, err := pollFDs(e.pfds, wait)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	const broken = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

	// writes first, to relieve buffer pressure
	for _, p := range e.pfds {
		fd := int(p.Fd)
		if p.Revents&(unix.POLLOUT|broken) == 0 {
			continue
		}
		if _, ok := e.writeSet[fd]; ok {
			e.serviceWrite(fd)
		}
	}

	for _, p := range e.pfds {
		fd := int(p.Fd)
		if p.Revents&(unix.POLLIN|broken) == 0 {
			continue
		}
		if _, ok := e.listenSet[fd]; ok {
			e.serviceAccept(e.listeners[fd])
		}
	}

	for _, p := range e.pfds {
		fd := int(p.Fd)
		if p.Revents&(unix.POLLIN|broken) == 0 {
			continue
		}
		if _, ok := e.readSet[fd]; ok {
			e.serviceRead(fd)
		}
	}
	return n, nil
}

func (e *Engine) serviceWrite(fd int) {
	c := e.findConnection(fd)
	if c == nil {
		return
	}
	done, err := e.writeStep(c)
	if err != nil {
		e.teardown(c, err)
		return
	}
	if done {
		delete(e.writeSet, fd)
	}
}

func (e *Engine) serviceRead(fd int) {
	c := e.findConnection(fd)
	if c == nil {
		return
	}
	ready, err := e.readStep(c)
	if err != nil {
		e.teardown(c, err)
		return
	}
	if ready {
		delete(e.readSet, fd)
		c.queued = true
		e.ready = append(e.ready, c)
		e.stats.FramesRead++
		recordFrameRead(e.appName)
	}
}

// serviceAccept drains the accept queue of a listening endpoint. A fatal
// accept error disables accepting on that endpoint only.
func (e *Engine) serviceAccept(ep *endpoint) {
	if ep == nil {
		return
	}
	for {
		nfd, sa, err := unix.Accept(ep.fd)
		switch {
		case err == nil:
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return
		case err == unix.EINTR || err == unix.ECONNABORTED:
			continue
		case err == unix.EMFILE || err == unix.ENFILE || err == unix.ENOBUFS || err == unix.ENOMEM:
			e.logger.Warn("accept out of resources", "endpoint", ep.id, "error", err)
			return
		default:
			e.logger.Error("accept failed, disabling listener", "endpoint", ep.id, "error", err)
			delete(e.listenSet, ep.fd)
			ep.acceptDisabled = true
			return
		}

		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			e.logger.Warn("accepted socket setup failed", "endpoint", ep.id, "error", err)
			unix.Close(nfd)
			continue
		}

		c := &conn{fd: -1, peer: sockaddrString(sa)}
		if err := ep.addConnection(c); err != nil {
			e.logger.Warn("connection refused", "endpoint", ep.id, "peer", c.peer, "error", err)
			unix.Close(nfd)
			continue
		}
		if err := e.attach(c, nfd); err != nil {
			e.logger.Warn("accepted socket setup failed", connFields(c, "error", err)...)
			unix.Close(nfd)
			ep.conns.remove(handle(c.id))
			continue
		}

		e.stats.Accepted++
		recordAccepted(e.appName)
		e.logger.Debug("accepted connection", connFields(c)...)
	}
}
