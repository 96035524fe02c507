// Package wire frames control messages over a net.Conn: one message per
// line, either plain JSON or a sealed base64 blob when a key is configured.
//
//	plain:  <json>\n
//	sealed: <base64(nonce||box)>\n
package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.klb.dev/clipstage/internal/crypto"
	"go.klb.dev/clipstage/internal/message"
)

const (
	// MaxLineSize bounds a single framed line (16 MiB).
	MaxLineSize = 16 << 20

	readBufSize   = 64 << 10
	writeDeadline = 5 * time.Second
)

// ErrLineTooLong is returned by ReadMsg when a line exceeds MaxLineSize.
var ErrLineTooLong = errors.New("wire: line too long")

// Conn is a framed control connection. WriteMsg is safe for concurrent use;
// ReadMsg must be called from a single goroutine.
type Conn struct {
	conn net.Conn
	br   *bufio.Reader
	key  *crypto.Key

	wmu sync.Mutex
}

// New wraps conn. A nil key sends plain JSON lines.
func New(conn net.Conn, key *crypto.Key) *Conn {
	return &Conn{conn: conn, br: bufio.NewReaderSize(conn, readBufSize), key: key}
}

func (c *Conn) Close() error { return c.conn.Close() }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Encrypted reports whether lines are sealed.
func (c *Conn) Encrypted() bool { return c.key != nil }

// SetReadDeadline arms a read deadline d from now; zero clears it.
func (c *Conn) SetReadDeadline(d time.Duration) {
	var t time.Time
	if d > 0 {
		t = time.Now().Add(d)
	}
	_ = c.conn.SetReadDeadline(t)
}

// WriteMsg encodes, optionally seals, and writes msg as one line.
func (c *Conn) WriteMsg(msg *message.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	if c.key != nil {
		if raw, err = c.key.SealLine(raw); err != nil {
			return fmt.Errorf("wire: seal: %w", err)
		}
	}
	raw = append(raw, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_, err = c.conn.Write(raw)
	_ = c.conn.SetWriteDeadline(time.Time{})
	return err
}

// ReadMsg reads one line, optionally opens it, and decodes it.
func (c *Conn) ReadMsg() (*message.Message, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	if c.key != nil {
		if line, err = c.key.OpenLine(line); err != nil {
			return nil, fmt.Errorf("wire: %w", err)
		}
	}
	return message.Decode(line)
}

// Call writes req and returns the next message, converting an ERROR reply
// into a Go error.
func (c *Conn) Call(req *message.Message, timeout time.Duration) (*message.Message, error) {
	if err := c.WriteMsg(req); err != nil {
		return nil, err
	}
	c.SetReadDeadline(timeout)
	defer c.SetReadDeadline(0)
	resp, err := c.ReadMsg()
	if err != nil {
		return nil, err
	}
	if err := resp.AsError(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Conn) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := c.br.ReadSlice('\n')
		if len(buf)+len(chunk) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			return bytes.TrimRight(buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}
