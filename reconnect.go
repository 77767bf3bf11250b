package sockmux

import (
	"time"

	"golang.org/x/sys/unix"
)

// superviseReconnects redials every down client connection whose retry
// interval has elapsed. It returns how long until the next redial is due,
// or Forever when nothing is down any more.
func (e *Engine) superviseReconnects(now time.Time) time.Duration {
	next := Forever
	down := 0

	e.endpoints.each(func(_ handle, ep *endpoint) bool {
		if ep.role != RoleClient || ep.retry <= 0 {
			return true
		}
		ep.conns.each(func(_ handle, c *conn) bool {
			if !c.down {
				return true
			}
			due := ep.retry - now.Sub(c.lastRetry)
			if due <= 0 {
				if e.redial(c) {
					return true
				}
				c.lastRetry = time.Now()
				due = ep.retry
			}
			down++
			if next < 0 || due < next {
				next = due
			}
			return true
		})
		return true
	})

	if down == 0 {
		e.anyDown = false
	}
	return next
}

// redial makes one bounded connect attempt for c.
func (e *Engine) redial(c *conn) bool {
	ep := c.ep
	fd, err := connectSocket(ep.host, ep.port, e.opts.connectTimeout)
	if err != nil {
		recordReconnect(e.appName, false)
		e.logger.Debug("reconnect failed", connFields(c, "error", err)...)
		return false
	}
	if err := e.attach(c, fd); err != nil {
		recordReconnect(e.appName, false)
		e.logger.Warn("reconnected socket setup failed", connFields(c, "error", err)...)
		unix.Close(fd)
		return false
	}

	recordReconnect(e.appName, true)
	e.stats.Reconnects++
	e.logger.Info("reconnected", connFields(c, "down_for", time.Since(c.downSince))...)
	return true
}
