//go:build unix

package sockfab

import "golang.org/x/sys/unix"

// PollSet is an ordered, contiguous vector of watched descriptors: slot 0
// is proto-TCP, slot 1 is proto-UDP, then the role-grouped listener and
// UDP-bridge blocks, then sub-connection sockets appended at the end. A
// single unix.Poll call covers the whole vector.
type PollSet struct {
	fds []unix.PollFd
}

const (
	PollIn  = int16(unix.POLLIN)
	PollErr = int16(unix.POLLERR)
	PollHup = int16(unix.POLLHUP)
)

func NewPollSet() *PollSet { return &PollSet{} }

func (p *PollSet) Len() int { return len(p.fds) }

// Append adds a new slot at the end of the vector. A negative fd is legal
// and keeps the slot in place while poll(2) ignores it.
func (p *PollSet) Append(fd int, events int16) int {
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: events})
	return len(p.fds) - 1
}

// Insert adds a new slot at position idx, shifting the tail right. Bridge
// registration uses this to keep the listener block immediately before
// the UDP-bridge block as bridges are configured in order.
func (p *PollSet) Insert(idx int, fd int, events int16) {
	p.fds = append(p.fds, unix.PollFd{})
	copy(p.fds[idx+1:], p.fds[idx:])
	p.fds[idx] = unix.PollFd{Fd: int32(fd), Events: events}
}

func (p *PollSet) FD(idx int) int        { return int(p.fds[idx].Fd) }
func (p *PollSet) Revents(idx int) int16 { return p.fds[idx].Revents }
func (p *PollSet) SetEvents(idx int, events int16) {
	p.fds[idx].Events = events
}

// RemoveSwap erases slot idx by swapping the last slot into its place and
// popping the back, keeping the vector contiguous for a single poll(2)
// call. It reports
// whether a slot was moved into idx (false means idx was already last, so
// nothing now occupies that position and the vector just got shorter) and,
// when true, the fd that is now at idx so the caller can fix up that
// entry's PfdIndex back-reference.
func (p *PollSet) RemoveSwap(idx int) (moved bool, newFD int) {
	last := len(p.fds) - 1
	if idx == last {
		p.fds = p.fds[:last]
		return false, 0
	}
	p.fds[idx] = p.fds[last]
	p.fds = p.fds[:last]
	return true, int(p.fds[idx].Fd)
}

// Poll blocks up to timeoutMs milliseconds waiting for any slot to become
// ready. timeoutMs<0 blocks indefinitely; the engine never calls it that
// way outside of tests.
func (p *PollSet) Poll(timeoutMs int) (int, error) {
	if len(p.fds) == 0 {
		return 0, nil
	}
	return unix.Poll(p.fds, timeoutMs)
}

// PollOne re-polls a single slot at the given timeout, used to drain a
// burst on one descriptor without re-polling the whole vector.
func (p *PollSet) PollOne(idx int, timeoutMs int) error {
	one := []unix.PollFd{p.fds[idx]}
	if _, err := unix.Poll(one, timeoutMs); err != nil {
		return err
	}
	p.fds[idx].Revents = one[0].Revents
	return nil
}
