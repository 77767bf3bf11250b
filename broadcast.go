package sockmux

import (
	"time"
)

// BroadcastResult counts what SendMessageToAll did with each connection.
type BroadcastResult struct {
	// Sent frames were fully written.
	Sent int
	// Pending frames were still queued at timeout; see PurgePending.
	Pending int
	// Killed clients would have blocked a forced broadcast.
	Killed int
	// Skipped clients already had a write pending and got nothing.
	Skipped int
}

// SendMessageToAll sends one frame to every connected client of a server
// endpoint. body is shared by all connections and never modified.
//
// A client whose socket would block is killed when force is set, and left
// queued otherwise. The call then drains the queued writes until they finish
// or timeout expires. ErrWritePending means some are still queued and still
// reference body: call PurgePending before reusing it.
func (e *Engine) SendMessageToAll(timeout time.Duration, id EndpointID, typeID uint32, body []byte, force bool) (BroadcastResult, error) {
	var res BroadcastResult

	ep, err := e.endpoint(id)
	if err != nil {
		return res, err
	}
	if ep.role != RoleServer {
		return res, ErrNotServer
	}
	if len(body) > e.opts.maxFrameSize {
		return res, ErrFrameTooLarge
	}

	type inflight struct {
		c     *conn
		epoch uint32
	}
	var waiting []inflight

	ep.conns.each(func(_ handle, c *conn) bool {
		if !c.live() {
			return true
		}
		if c.wr.pending() {
			res.Skipped++
			return true
		}
		done, err := e.startWrite(c, typeID, body)
		switch {
		case err != nil:
		case done:
			res.Sent++
		case force:
			e.logger.Debug("killing slow client", connFields(c)...)
			e.kill(c)
			res.Killed++
		default:
			waiting = append(waiting, inflight{c: c, epoch: c.epoch})
		}
		return true
	})

	start := time.Now()
	for len(waiting) > 0 {
		wait := timeLeft(start, timeout)
		if wait == 0 {
			break
		}
		if _, err := e.pass(wait); err != nil {
			return res, err
		}
		still := waiting[:0]
		for _, w := range waiting {
			switch {
			case w.c.fd < 0 || w.c.epoch != w.epoch:
			case w.c.wr.pending():
				still = append(still, w)
			default:
				res.Sent++
			}
		}
		waiting = still
	}

	res.Pending = len(waiting)
	if res.Pending > 0 {
		return res, ErrWritePending
	}
	return res, nil
}

// PurgePending kills every client of an endpoint that still has a write
// queued, so no connection references a caller buffer any more. It returns
// how many clients were killed.
func (e *Engine) PurgePending(id EndpointID) (int, error) {
	ep, err := e.endpoint(id)
	if err != nil {
		return 0, err
	}
	n := 0
	ep.conns.each(func(_ handle, c *conn) bool {
		if c.wr.pending() {
			e.kill(c)
			n++
		}
		return true
	})
	return n, nil
}
