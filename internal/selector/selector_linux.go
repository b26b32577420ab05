//go:build linux

package selector

import (
	"fortio.org/safecast"
	"golang.org/x/sys/unix"
)

// Direction selects which readiness a registration waits for.
type Direction uint8

const (
	// Read waits for input readiness (POLLIN).
	Read Direction = iota
	// Write waits for output readiness (POLLOUT).
	Write
)

// Event reports one ready (fd, direction) pair.
type Event struct {
	FD  int
	Dir Direction
}

// Selector is a thin wrapper over poll(2) with a self-pipe so foreign
// threads can interrupt a blocking wait. Registrations are per-fd,
// per-direction; ownership policy lives in the caller.
type Selector struct {
	reads  map[int]struct{}
	writes map[int]struct{}
	wakeR  int
	wakeW  int
}

// New builds a selector and its wake pipe.
func New() (*Selector, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &Selector{
		reads:  make(map[int]struct{}),
		writes: make(map[int]struct{}),
		wakeR:  p[0],
		wakeW:  p[1],
	}, nil
}

// Register adds a readiness registration for fd in the given direction.
func (s *Selector) Register(fd int, dir Direction) {
	if s == nil || fd < 0 {
		return
	}
	if dir == Write {
		s.writes[fd] = struct{}{}
		return
	}
	s.reads[fd] = struct{}{}
}

// Unregister drops the registration for fd in the given direction.
func (s *Selector) Unregister(fd int, dir Direction) {
	if s == nil {
		return
	}
	if dir == Write {
		delete(s.writes, fd)
		return
	}
	delete(s.reads, fd)
}

// Registered reports whether fd has a registration in the given direction.
func (s *Selector) Registered(fd int, dir Direction) bool {
	if s == nil {
		return false
	}
	if dir == Write {
		_, ok := s.writes[fd]
		return ok
	}
	_, ok := s.reads[fd]
	return ok
}

// Wakeup interrupts a blocking Wait from any thread. A full pipe means a
// wakeup is already pending, which is just as good.
func (s *Selector) Wakeup() {
	if s == nil {
		return
	}
	_, _ = unix.Write(s.wakeW, []byte{0})
}

// Wait blocks until a registration is ready, the timeout elapses, or a
// Wakeup arrives. timeoutMs < 0 blocks indefinitely. The wake pipe is
// drained internally and never reported.
func (s *Selector) Wait(timeoutMs int64) ([]Event, error) {
	if s == nil {
		return nil, nil
	}
	pfds := make([]unix.PollFd, 0, len(s.reads)+len(s.writes)+1)
	wakeFd, err := safecast.Conv[int32](s.wakeR)
	if err != nil {
		return nil, err
	}
	pfds = append(pfds, unix.PollFd{Fd: wakeFd, Events: unix.POLLIN})
	for fd := range s.reads {
		pfd, err := safecast.Conv[int32](fd)
		if err != nil {
			continue
		}
		pfds = append(pfds, unix.PollFd{Fd: pfd, Events: unix.POLLIN})
	}
	for fd := range s.writes {
		pfd, err := safecast.Conv[int32](fd)
		if err != nil {
			continue
		}
		pfds = append(pfds, unix.PollFd{Fd: pfd, Events: unix.POLLOUT})
	}

	timeout := -1
	maxTimeout := int64(^uint(0) >> 1)
	switch {
	case timeoutMs < 0:
		timeout = -1
	case timeoutMs > maxTimeout:
		timeout = int(maxTimeout)
	default:
		timeout = int(timeoutMs)
	}

	var n int
	for {
		n, err = unix.Poll(pfds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if n == 0 {
		return nil, nil
	}

	var events []Event
	for i, pfd := range pfds {
		if pfd.Revents == 0 {
			continue
		}
		if i == 0 {
			s.drainWakePipe()
			continue
		}
		fd := int(pfd.Fd)
		readReady := pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
		writeReady := pfd.Revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0
		if readReady && pfd.Events&unix.POLLIN != 0 {
			events = append(events, Event{FD: fd, Dir: Read})
		}
		if writeReady && pfd.Events&unix.POLLOUT != 0 {
			events = append(events, Event{FD: fd, Dir: Write})
		}
	}
	return events, nil
}

func (s *Selector) drainWakePipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases the wake pipe. Registered fds belong to the caller and
// are left open.
func (s *Selector) Close() error {
	if s == nil {
		return nil
	}
	err1 := unix.Close(s.wakeR)
	err2 := unix.Close(s.wakeW)
	if err1 != nil {
		return err1
	}
	return err2
}
