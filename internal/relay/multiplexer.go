package relay

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// multiplexer decides which sources are readable.
type multiplexer interface {
	// Wait blocks until at least one source is readable and returns the
	// readable sources' indexes in ascending order. The returned slice is
	// only valid until the next call.
	Wait() ([]int, error)
}

func newMultiplexer(sources []*Binding) multiplexer {
	if len(sources) == 1 {
		return singleSource{}
	}
	return newPollSet(sources)
}

// singleSource skips the readiness wait: the engine blocks directly in the
// only source's read.
type singleSource struct{}

var onlySource = []int{0}

func (singleSource) Wait() ([]int, error) { return onlySource, nil }

// pollSet waits on every source descriptor with poll(2) and no timeout.
type pollSet struct {
	fds   []unix.PollFd
	ready []int
}

func newPollSet(sources []*Binding) *pollSet {
	fds := make([]unix.PollFd, len(sources))
	for i, source := range sources {
		fds[i] = unix.PollFd{Fd: int32(source.socket.Fd()), Events: unix.POLLIN}
	}
	return &pollSet{fds: fds, ready: make([]int, 0, len(sources))}
}

func (p *pollSet) Wait() ([]int, error) {
	for {
		_, err := unix.Poll(p.fds, -1)
		// The Go runtime signals its threads for preemption; an
		// interrupted wait is restarted, not fatal.
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	p.ready = p.ready[:0]
	for i, fd := range p.fds {
		if fd.Revents&unix.POLLNVAL != 0 {
			return nil, fmt.Errorf("source descriptor %d: %w", fd.Fd, unix.EBADF)
		}
		// POLLERR and POLLHUP are handed to read, which reports them.
		if fd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			p.ready = append(p.ready, i)
		}
	}
	return p.ready, nil
}
