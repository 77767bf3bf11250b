package sockmux

import (
	"time"
)

// Role tells server endpoints from client endpoints.
type Role uint8

const (
	// RoleServer endpoints listen and accept any number of connections.
	RoleServer Role = iota
	// RoleClient endpoints dial out and own exactly one connection.
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// endpoint is a listening server or an outbound client binding.
type endpoint struct {
	id    EndpointID
	role  Role
	host  string
	port  int
	fd    int // listening descriptor, -1 for clients
	conns slotTable[*conn]

	retry          time.Duration // clients: zero disables reconnection
	acceptDisabled bool
	service        *Service
}

// addConnection allocates a connection slot on ep.
func (ep *endpoint) addConnection(c *conn) error {
	h, err := ep.conns.add(c)
	if err != nil {
		return err
	}
	c.id = ClientID(h)
	c.ep = ep
	return nil
}

func (ep *endpoint) connection(id ClientID) (*conn, bool) {
	return ep.conns.get(handle(id))
}

// only returns the single connection of a client endpoint.
func (ep *endpoint) only() *conn {
	var found *conn
	ep.conns.each(func(_ handle, c *conn) bool {
		found = c
		return false
	})
	return found
}
