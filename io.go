package coil

import (
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// Socket wraps a nonblocking file descriptor with task-blocking I/O
// built on the read/write traps. It is deliberately thin: the kernel's
// single-reader/single-writer policy applies per fd, so one task may
// read while another writes, but two concurrent readers collide with
// ErrReadBusy.
type Socket struct {
	fd     int
	closed bool
}

// NewSocket adopts an existing descriptor, switching it to nonblocking
// mode.
func NewSocket(fd int) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("%w: set nonblock: %v", ErrKernel, err)
	}
	return &Socket{fd: fd}, nil
}

// SocketPair returns a connected pair of stream sockets.
func SocketPair() (*Socket, *Socket, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: socketpair: %v", ErrKernel, err)
	}
	return &Socket{fd: fds[0]}, &Socket{fd: fds[1]}, nil
}

// Listen opens a TCP listening socket on addr (host:port).
func Listen(addr string, backlog int) (*Socket, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %v", ErrKernel, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: reuseaddr: %v", ErrKernel, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: bind %s: %v", ErrKernel, addr, err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: listen: %v", ErrKernel, err)
	}
	return &Socket{fd: fd}, nil
}

// Dial connects to a TCP address, suspending the task while the connect
// is in flight.
func Dial(t *Task, addr string) (*Socket, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %v", ErrKernel, err)
	}
	s := &Socket{fd: fd}
	err = unix.Connect(fd, sa)
	if err == unix.EINPROGRESS {
		if werr := t.WriteWait(fd); werr != nil {
			_ = s.Close()
			return nil, werr
		}
		soerr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			_ = s.Close()
			return nil, fmt.Errorf("%w: getsockopt: %v", ErrKernel, gerr)
		}
		if soerr != 0 {
			_ = s.Close()
			return nil, fmt.Errorf("%w: connect %s: %v", ErrKernel, addr, unix.Errno(soerr))
		}
		return s, nil
	}
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: connect %s: %v", ErrKernel, addr, err)
	}
	return s, nil
}

// Fd returns the underlying descriptor.
func (s *Socket) Fd() int { return s.fd }

// Read fills buf with at least one byte, suspending until the socket is
// readable. A closed peer yields io.EOF.
func (s *Socket) Read(t *Task, buf []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, buf)
		switch {
		case err == nil && n == 0:
			return 0, io.EOF
		case err == nil:
			return n, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if werr := t.ReadWait(s.fd); werr != nil {
				return 0, werr
			}
		default:
			return 0, fmt.Errorf("%w: read: %v", ErrKernel, err)
		}
	}
}

// Write sends all of buf, suspending whenever the socket's buffer is
// full. It returns the number of bytes written, which is len(buf) unless
// an error occurred.
func (s *Socket) Write(t *Task, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Write(s.fd, buf[total:])
		switch {
		case err == nil:
			total += n
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if werr := t.WriteWait(s.fd); werr != nil {
				return total, werr
			}
		default:
			return total, fmt.Errorf("%w: write: %v", ErrKernel, err)
		}
	}
	return total, nil
}

// Accept waits for and returns the next inbound connection.
func (s *Socket) Accept(t *Task) (*Socket, error) {
	for {
		fd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			return &Socket{fd: fd}, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if werr := t.ReadWait(s.fd); werr != nil {
				return nil, werr
			}
		default:
			return nil, fmt.Errorf("%w: accept: %v", ErrKernel, err)
		}
	}
}

// Close releases the descriptor. Double closes are no-ops.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

// Addr returns the socket's local address.
func (s *Socket) Addr() (string, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return "", fmt.Errorf("%w: getsockname: %v", ErrKernel, err)
	}
	return sockaddrString(sa), nil
}

func resolveSockaddr(addr string) (unix.Sockaddr, int, error) {
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: resolve %s: %v", ErrKernel, addr, err)
	}
	ip := tcp.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: tcp.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: tcp.Port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(a.Addr[:]).String(), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]).String(), a.Port)
	default:
		return ""
	}
}
