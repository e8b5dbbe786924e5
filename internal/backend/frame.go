package backend

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	json "github.com/goccy/go-json"
)

// ErrNacked is returned when the peer nacks a step of a framed exchange.
// The connection remains usable; the caller decides whether to retry.
var ErrNacked = fmt.Errorf("peer nacked frame")

// maxFrameSize bounds the declared length prefix of a single frame payload.
// A length beyond this (or one that casts negative off the wire) is a
// frame protocol violation: nack it and keep the connection alive instead
// of allocating an attacker- or bug-controlled buffer size.
const maxFrameSize = 256 << 20 // 256 MiB

var errFrameTooLarge = fmt.Errorf("declared frame length out of bounds")

// frameConn wraps one backend connection with the ack/nack length-prefixed
// framing protocol: an 8-byte little-endian length, an ack, the JSON
// payload, and a final ack, with a nack at either step aborting just that
// message.
type frameConn struct {
	net.Conn
	r *bufio.Reader
}

func newFrameConn(conn net.Conn) *frameConn {
	return &frameConn{Conn: conn, r: bufio.NewReaderSize(conn, 4096)}
}

// readAckNack consumes one lowercase "ack" or "nack" token from the
// connection's reader. The comparison is case-sensitive: the protocol uses
// lowercase tokens within the frame boundary, and uppercase legacy
// ACK/NAK variants are tolerated only in status tokens outside it.
func (c *frameConn) readAckNack() error {
	buf := make([]byte, 3)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return err
	}
	switch string(buf) {
	case "ack":
		return nil
	case "nac":
		k := make([]byte, 1)
		if _, err := io.ReadFull(c.r, k); err != nil {
			return err
		}
		if string(k) != "k" {
			return fmt.Errorf("malformed ack/nack token")
		}
		return ErrNacked
	default:
		return fmt.Errorf("malformed ack/nack token")
	}
}

func (c *frameConn) writeAck() error {
	_, err := c.Conn.Write([]byte("ack"))
	return err
}

func (c *frameConn) writeNack() error {
	_, err := c.Conn.Write([]byte("nack"))
	return err
}

func (c *frameConn) writeLengthPrefix(n int) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(n))
	_, err := c.Conn.Write(buf)
	return err
}

func (c *frameConn) readLengthPrefix() (int, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint64(buf)), nil
}

// writeFrame sends payload using the length-prefix / ack / payload / ack
// exchange. A nack at either step returns ErrNacked and aborts just this
// message; the connection stays open.
func (c *frameConn) writeFrame(payload []byte) error {
	if err := c.writeLengthPrefix(len(payload)); err != nil {
		return err
	}
	if err := c.readAckNack(); err != nil {
		return err
	}
	if _, err := c.Conn.Write(payload); err != nil {
		return err
	}
	return c.readAckNack()
}

// readFrame receives one framed payload, acking the length prefix and the
// payload in turn. A malformed or out-of-bounds length prefix (negative
// after the uint64->int cast, or larger than maxFrameSize) nacks the
// length step itself and returns an error without allocating; a failed
// payload read nacks and returns an error. In both cases the connection
// remains usable.
func (c *frameConn) readFrame() ([]byte, error) {
	length, err := c.readLengthPrefix()
	if err != nil {
		return nil, err
	}
	if length < 0 || length > maxFrameSize {
		c.writeNack()
		return nil, errFrameTooLarge
	}
	if err := c.writeAck(); err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		c.writeNack()
		return nil, err
	}
	if err := c.writeAck(); err != nil {
		return nil, err
	}
	return payload, nil
}

// writeJSON marshals v with the faster JSON encoder (hot path during
// full-index sweeps) and writes it as one frame.
func (c *frameConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeFrame(data)
}

// readJSON reads one frame and decodes it as JSON. By the time a decode
// failure is detectable the payload ack has already gone out, so the
// protocol offers no way to nack it; callers log and drop instead.
func (c *frameConn) readJSON(v any) error {
	data, err := c.readFrame()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
