package sockmux

import (
	"math"
	"time"
)

// Default configuration values.
const (
	// defaultMaxFrameSize is the default maximum body size of a single frame (1MB).
	defaultMaxFrameSize = 1024 * 1024
	// defaultConnectTimeout bounds each non-blocking connect attempt.
	defaultConnectTimeout = 500 * time.Millisecond
	// defaultListenBacklog is passed to listen(2) for server endpoints.
	defaultListenBacklog = 128
)

// options holds the configuration for an engine.
type options struct {
	logger    Logger
	registrar Registrar

	// onDisconnect is called after a connection is torn down by a fatal error.
	onDisconnect func(ep EndpointID, client ClientID, err error)

	maxFrameSize   int           // maximum declared body length accepted or sent
	connectTimeout time.Duration // bounded wait for each connect attempt
	maxConns       int           // per-endpoint connection slots, zero is unbounded
	maxEndpoints   int           // endpoint slots, zero is unbounded
	bindHost       string        // address server endpoints bind to
	backlog        int

	noDelay    bool
	readBuffer int // SO_RCVBUF, zero keeps the kernel default
	sendBuffer int // SO_SNDBUF, zero keeps the kernel default
}

// Option is a function that configures engine options.
type Option func(*options)

// checkOptions validates and sets default values for engine options.
func checkOptions(opts *options) error {
	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = defaultMaxFrameSize
	}

	// the extended header carries the body length in 32 bits
	if int64(opts.maxFrameSize) > math.MaxUint32 {
		return ErrInvalidOption
	}

	if opts.connectTimeout <= 0 {
		opts.connectTimeout = defaultConnectTimeout
	}

	if opts.backlog <= 0 {
		opts.backlog = defaultListenBacklog
	}

	if opts.maxConns < 0 || opts.maxEndpoints < 0 {
		return ErrInvalidOption
	}

	if opts.readBuffer < 0 || opts.sendBuffer < 0 {
		return ErrInvalidOption
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// MessageMaxSize returns an Option that sets the maximum frame body size.
// Frames declaring a larger body are rejected before any allocation and the
// connection that sent them is dropped.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxFrameSize = size
	}
}

// ConnectTimeoutOption returns an Option that bounds each connect attempt,
// both the initial one in OpenClient and every reconnect.
func ConnectTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = d
	}
}

// MaxConnectionsOption caps the connection slots of each endpoint.
// Accepts beyond the cap are refused and logged.
func MaxConnectionsOption(n int) Option {
	return func(o *options) {
		o.maxConns = n
	}
}

// MaxEndpointsOption caps the number of endpoints an engine may hold.
func MaxEndpointsOption(n int) Option {
	return func(o *options) {
		o.maxEndpoints = n
	}
}

// BindHostOption sets the address server endpoints listen on.
// The default is every IPv4 interface.
func BindHostOption(host string) Option {
	return func(o *options) {
		o.bindHost = host
	}
}

// ListenBacklogOption sets the listen(2) backlog of server endpoints.
func ListenBacklogOption(n int) Option {
	return func(o *options) {
		o.backlog = n
	}
}

// NoDelayOption toggles TCP_NODELAY on every connection.
func NoDelayOption(enabled bool) Option {
	return func(o *options) {
		o.noDelay = enabled
	}
}

// SocketBufferOption sets SO_RCVBUF and SO_SNDBUF on every connection.
// Zero keeps the kernel default for that direction.
func SocketBufferOption(read, send int) Option {
	return func(o *options) {
		o.readBuffer = read
		o.sendBuffer = send
	}
}

// RegistrarOption returns an Option that sets the service registrar that
// server endpoints opened with ServiceOption announce themselves to.
func RegistrarOption(r Registrar) Option {
	return func(o *options) {
		o.registrar = r
	}
}

// OnDisconnectOption returns an Option that sets the disconnect callback.
// It runs on the engine goroutine after the descriptor is closed.
func OnDisconnectOption(cb func(ep EndpointID, client ClientID, err error)) Option {
	return func(o *options) {
		o.onDisconnect = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// EndpointOption configures a single server endpoint.
type EndpointOption func(*endpoint)

// ServiceOption announces a server endpoint to the engine's registrar under
// the given identity once it is bound.
func ServiceOption(typ, subtype, instance string) EndpointOption {
	return func(ep *endpoint) {
		ep.service = &Service{Type: typ, Subtype: subtype, Instance: instance}
	}
}
