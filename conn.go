package sockmux

import (
	"io"
	"time"

	"github.com/pkg/errors"
)

type readStatus uint8

const (
	readIdle readStatus = iota
	readHeader1
	readHeader2
	readBody
	readReady
)

type writeStatus uint8

const (
	writeIdle writeStatus = iota
	writeHeader
	writeBody
)

// readState assembles one inbound frame.
type readState struct {
	status readStatus
	hdr    [ExtendedHeaderLen]byte
	have   int // bytes of the current header or body collected so far
	header Header
	body   []byte
}

func (r *readState) reset() {
	r.status = readIdle
	r.have = 0
	r.header = Header{}
	r.body = nil
}

// writeState tracks one outbound frame. body belongs to the caller and is
// never copied or modified.
type writeState struct {
	status writeStatus
	hdr    [ExtendedHeaderLen]byte
	off    int
	body   []byte
	seq    uint32
}

func (w *writeState) pending() bool {
	return w.status != writeIdle
}

// conn is one TCP stream owned by an endpoint.
type conn struct {
	ep    *endpoint
	id    ClientID
	fd    int
	peer  string
	epoch uint32 // bumped on every attach

	down      bool // client connections only: waiting for a reconnect
	dead      bool // down with no retry; kept so status stays answerable
	queued    bool // a complete frame is waiting in the ready queue
	downSince time.Time
	lastRetry time.Time

	rd readState
	wr writeState
}

func (c *conn) live() bool {
	return !c.down && !c.dead && c.fd >= 0
}

// errPeerClosed marks an orderly shutdown by the peer.
var errPeerClosed = errors.Wrap(io.EOF, "peer closed connection")

// readStep advances the read state machine until it would block, a frame
// completes, or the connection fails. It returns true when a frame is ready.
func (e *Engine) readStep(c *conn) (bool, error) {
	r := &c.rd
	for {
		switch r.status {
		case readReady:
			return true, nil

		case readIdle:
			r.status = readHeader1
			r.have = 0

		case readHeader1:
			n, err := e.readSome(c, r.hdr[r.have:LegacyHeaderLen])
			if err != nil || n == 0 {
				return false, err
			}
			r.have += n
			if r.have < LegacyHeaderLen {
				continue
			}
			if isMagic(r.hdr[:LegacyHeaderLen]) {
				r.status = readHeader2
				continue
			}
			h, err := decodeLegacy(r.hdr[:LegacyHeaderLen])
			if err != nil {
				return false, err
			}
			if err := e.startBody(c, h); err != nil {
				return false, err
			}

		case readHeader2:
			n, err := e.readSome(c, r.hdr[r.have:ExtendedHeaderLen])
			if err != nil || n == 0 {
				return false, err
			}
			r.have += n
			if r.have < ExtendedHeaderLen {
				continue
			}
			h, err := decodeExtended(r.hdr[:])
			if err != nil {
				recordRejected(e.appName, "bad_magic")
				return false, err
			}
			if err := e.startBody(c, h); err != nil {
				return false, err
			}

		case readBody:
			if r.have == len(r.body) {
				r.status = readReady
				continue
			}
			n, err := e.readSome(c, r.body[r.have:])
			if err != nil || n == 0 {
				return false, err
			}
			r.have += n
		}
	}
}

// startBody validates the declared length before anything is allocated.
func (e *Engine) startBody(c *conn, h Header) error {
	if int64(h.Len) > int64(e.opts.maxFrameSize) {
		recordRejected(e.appName, "too_large")
		return errors.Wrapf(ErrFrameTooLarge, "declared length %d exceeds %d", h.Len, e.opts.maxFrameSize)
	}
	r := &c.rd
	r.header = h
	r.body = make([]byte, h.Len)
	r.have = 0
	r.status = readBody
	return nil
}

// readSome performs one read. It returns (0, nil) when the socket would
// block and errPeerClosed on end of stream.
func (e *Engine) readSome(c *conn, p []byte) (int, error) {
	n, err := readFD(c.fd, p)
	if err != nil {
		if isTransient(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "read")
	}
	if n == 0 {
		return 0, errPeerClosed
	}
	e.stats.BytesRead += uint64(n)
	recordBytesRead(e.appName, n)
	return n, nil
}

// beginWrite loads a new frame into the write state.
func (c *conn) beginWrite(typeID uint32, body []byte) {
	w := &c.wr
	w.seq++
	putExtended(w.hdr[:], Header{Format: FormatExtended, ID: typeID, Len: uint32(len(body)), Seq: w.seq})
	w.body = body
	w.off = 0
	w.status = writeHeader
}

// writeStep advances the write state machine until it would block, the
// frame is out, or the connection fails. It returns true once the frame is
// fully written.
func (e *Engine) writeStep(c *conn) (bool, error) {
	w := &c.wr
	for {
		var buf []byte
		switch w.status {
		case writeIdle:
			return true, nil
		case writeHeader:
			buf = w.hdr[w.off:]
		case writeBody:
			buf = w.body[w.off:]
		}

		if len(buf) > 0 {
			n, err := writeFD(c.fd, buf)
			if err != nil {
				if isTransient(err) {
					return false, nil
				}
				return false, errors.Wrap(err, "write")
			}
			w.off += n
			e.stats.BytesWritten += uint64(n)
			recordBytesWritten(e.appName, n)
			if n < len(buf) {
				continue
			}
		}

		w.off = 0
		if w.status == writeHeader {
			w.status = writeBody
			continue
		}
		w.status = writeIdle
		w.body = nil
		e.stats.FramesWritten++
		recordFrameWritten(e.appName)
	}
}
