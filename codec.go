package sockmux

import (
	"io"

	"github.com/pkg/errors"
)

// Message is one decoded frame.
type Message struct {
	Header Header
	Body   []byte
}

// Length returns the length of the message body.
func (m Message) Length() int {
	return len(m.Body)
}

// FrameCodec reads and writes frames on blocking streams such as a plain
// net.Conn. It accepts both header variants and always writes the extended
// one, the same as the engine does on its own sockets.
type FrameCodec struct {
	// MaxFrameSize bounds the declared body length; zero means the default.
	MaxFrameSize int
}

func (c *FrameCodec) limit() int64 {
	if c.MaxFrameSize <= 0 {
		return defaultMaxFrameSize
	}
	return int64(c.MaxFrameSize)
}

// Decode reads exactly one frame from r.
func (c *FrameCodec) Decode(r io.Reader) (Message, error) {
	var hdr [ExtendedHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:LegacyHeaderLen]); err != nil {
		return Message{}, err
	}

	var (
		h   Header
		err error
	)
	if isMagic(hdr[:LegacyHeaderLen]) {
		if _, err = io.ReadFull(r, hdr[LegacyHeaderLen:]); err != nil {
			return Message{}, errors.Wrap(err, "read extended header")
		}
		h, err = decodeExtended(hdr[:])
	} else {
		h, err = decodeLegacy(hdr[:LegacyHeaderLen])
	}
	if err != nil {
		return Message{}, err
	}

	if int64(h.Len) > c.limit() {
		return Message{}, errors.Wrapf(ErrFrameTooLarge, "declared length %d", h.Len)
	}

	body := make([]byte, h.Len)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, errors.Wrap(err, "read body")
	}
	return Message{Header: h, Body: body}, nil
}

// Encode renders m as an extended frame. The header's Len is derived from
// the body.
func (c *FrameCodec) Encode(m Message) ([]byte, error) {
	if int64(len(m.Body)) > c.limit() {
		return nil, ErrFrameTooLarge
	}
	h := m.Header
	h.Format = FormatExtended
	return AppendFrame(make([]byte, 0, ExtendedHeaderLen+len(m.Body)), h, m.Body), nil
}

// WriteFrame encodes m and writes it to w in one call.
func (c *FrameCodec) WriteFrame(w io.Writer, m Message) error {
	b, err := c.Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
