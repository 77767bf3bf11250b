// Package servmap announces sockmux server endpoints to a service mapper
// over UDP.
//
// Each announcement is one JSON datagram. Registered services are re-sent
// every refresh interval so a mapper that restarts relearns them without
// any action from the servers.
package servmap

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Zereker/sockmux"
)

// DefaultRefresh is how often registrations are repeated.
const DefaultRefresh = 30 * time.Second

// Operations carried in a datagram.
const (
	OpRegister   = "register"
	OpUnregister = "unregister"
)

// Logger is the subset of *slog.Logger the registrar uses.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Datagram is the wire form of one announcement.
type Datagram struct {
	Op       string `json:"op"`
	App      string `json:"app"`
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	Instance string `json:"instance"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

// UDPRegistrar implements sockmux.Registrar. Register and Unregister may be
// called from the engine goroutine while Run refreshes from its own.
type UDPRegistrar struct {
	app      string
	hostname string
	refresh  time.Duration
	conn     *net.UDPConn
	logger   Logger

	services *xsync.MapOf[string, sockmux.Service]
}

var _ sockmux.Registrar = (*UDPRegistrar)(nil)

// Option configures a UDPRegistrar.
type Option func(*UDPRegistrar)

// RefreshOption sets the re-announcement interval.
func RefreshOption(d time.Duration) Option {
	return func(r *UDPRegistrar) {
		r.refresh = d
	}
}

// LoggerOption sets the logger. The default is slog.Default().
func LoggerOption(l Logger) Option {
	return func(r *UDPRegistrar) {
		r.logger = l
	}
}

// HostnameOption overrides the host announced for services that were bound
// to the wildcard address.
func HostnameOption(host string) Option {
	return func(r *UDPRegistrar) {
		r.hostname = host
	}
}

// NewUDPRegistrar dials the mapper at addr (host:port).
func NewUDPRegistrar(app, addr string, opts ...Option) (*UDPRegistrar, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve mapper %s", addr)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial mapper %s", addr)
	}

	r := &UDPRegistrar{
		app:      app,
		refresh:  DefaultRefresh,
		conn:     conn,
		logger:   slog.Default(),
		services: xsync.NewMapOf[string, sockmux.Service](),
	}
	for _, o := range opts {
		o(r)
	}
	if r.hostname == "" {
		r.hostname, _ = os.Hostname()
	}
	if r.refresh <= 0 {
		r.refresh = DefaultRefresh
	}
	return r, nil
}

func serviceKey(svc sockmux.Service) string {
	return svc.Type + "/" + svc.Subtype + "/" + svc.Instance + "@" + strconv.Itoa(svc.Port)
}

// Register records svc and announces it immediately.
func (r *UDPRegistrar) Register(svc sockmux.Service) error {
	r.services.Store(serviceKey(svc), svc)
	return r.send(OpRegister, svc)
}

// Unregister forgets svc and tells the mapper.
func (r *UDPRegistrar) Unregister(svc sockmux.Service) error {
	r.services.Delete(serviceKey(svc))
	return r.send(OpUnregister, svc)
}

// Len returns how many services are currently registered.
func (r *UDPRegistrar) Len() int {
	return r.services.Size()
}

// Run re-announces every registered service each refresh interval until
// ctx is done.
func (r *UDPRegistrar) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.services.Range(func(_ string, svc sockmux.Service) bool {
				if err := r.send(OpRegister, svc); err != nil {
					r.logger.Warn("service refresh failed", "type", svc.Type, "instance", svc.Instance, "error", err)
				}
				return true
			})
		}
	}
}

// Close releases the UDP socket.
func (r *UDPRegistrar) Close() error {
	return r.conn.Close()
}

func (r *UDPRegistrar) send(op string, svc sockmux.Service) error {
	host := svc.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = r.hostname
	}
	b, err := json.Marshal(Datagram{
		Op:       op,
		App:      r.app,
		Type:     svc.Type,
		Subtype:  svc.Subtype,
		Instance: svc.Instance,
		Host:     host,
		Port:     svc.Port,
	})
	if err != nil {
		return errors.Wrap(err, "encode datagram")
	}
	if _, err := r.conn.Write(b); err != nil {
		return errors.Wrapf(err, "send %s", op)
	}
	r.logger.Debug("service announced", "op", op, "type", svc.Type, "instance", svc.Instance, "port", svc.Port)
	return nil
}
