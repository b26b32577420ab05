package coil

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// channelMagic opens every channel connection so both ends can verify
// they speak the same framing before any payload moves.
var channelMagic = []byte{'c', 'o', 'i', 'l'}

// maxChannelFrame bounds a single message so a corrupt length prefix
// cannot trigger an absurd allocation.
const maxChannelFrame = 64 << 20

// Channel carries typed messages between two kernels — usually in
// different processes — over a stream socket. Values are msgpack-encoded
// and length-prefixed; Send and Recv are blocking traps on the calling
// task.
type Channel struct {
	sock      *Socket
	handshook bool
}

// NewChannel wraps an already connected socket.
func NewChannel(sock *Socket) *Channel {
	return &Channel{sock: sock}
}

// DialChannel connects to a channel endpoint and performs the handshake.
func DialChannel(t *Task, addr string) (*Channel, error) {
	sock, err := Dial(t, addr)
	if err != nil {
		return nil, err
	}
	c := NewChannel(sock)
	if err := c.Handshake(t); err != nil {
		_ = sock.Close()
		return nil, err
	}
	return c, nil
}

// Handshake exchanges and verifies the framing magic with the peer.
// Send and Recv perform it lazily if the caller does not.
func (c *Channel) Handshake(t *Task) error {
	if c.handshook {
		return nil
	}
	c.handshook = true
	if _, err := c.sock.Write(t, channelMagic); err != nil {
		return err
	}
	peer := make([]byte, len(channelMagic))
	if err := c.readFull(t, peer); err != nil {
		return err
	}
	if !bytes.Equal(peer, channelMagic) {
		return fmt.Errorf("%w: channel handshake mismatch", ErrKernel)
	}
	return nil
}

// Send encodes v and writes it as one frame.
func (c *Channel) Send(t *Task, v any) error {
	if err := c.Handshake(t); err != nil {
		return err
	}
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: channel encode: %v", ErrKernel, err)
	}
	if len(body) > maxChannelFrame {
		return fmt.Errorf("%w: channel frame too large (%d bytes)", ErrKernel, len(body))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body))) //nolint:gosec // bounded by maxChannelFrame
	if _, err := c.sock.Write(t, header[:]); err != nil {
		return err
	}
	_, err = c.sock.Write(t, body)
	return err
}

// Recv reads one frame and decodes it into out, which must be a pointer.
func (c *Channel) Recv(t *Task, out any) error {
	if err := c.Handshake(t); err != nil {
		return err
	}
	var header [4]byte
	if err := c.readFull(t, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxChannelFrame {
		return fmt.Errorf("%w: channel frame too large (%d bytes)", ErrKernel, size)
	}
	body := make([]byte, size)
	if err := c.readFull(t, body); err != nil {
		return err
	}
	if err := msgpack.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: channel decode: %v", ErrKernel, err)
	}
	return nil
}

func (c *Channel) readFull(t *Task, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := c.sock.Read(t, buf[off:])
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

// Close releases the underlying socket.
func (c *Channel) Close() error { return c.sock.Close() }
