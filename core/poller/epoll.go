//go:build linux

package poller

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// readEvents is what a registered descriptor is watched for while read
// interest is on. Level-triggered on purpose: the event loop drains as much
// as it chooses per cycle and epoll re-reports the rest.
const readEvents = unix.EPOLLIN | unix.EPOLLRDHUP

// EpollPoller is the epoll-based Poller used on Linux. A nonblocking
// eventfd registered alongside the sockets carries Wake calls from worker
// goroutines into the waiting loop.
type EpollPoller struct {
	epfd     int
	wakeFD   int
	interest map[int]uint32
	events   []unix.EpollEvent
	out      []Event
}

// NewPoller creates the platform Poller (Linux: epoll).
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &EpollPoller{
		epfd:     epfd,
		wakeFD:   wakeFD,
		interest: make(map[int]uint32),
		events:   make([]unix.EpollEvent, 1024),
		out:      make([]Event, 0, 1024),
	}

	if err := p.Add(wakeFD); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

func (p *EpollPoller) Add(fd int) error {
	ev := unix.EpollEvent{Events: readEvents, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.interest[fd] = readEvents
	return nil
}

func (p *EpollPoller) modify(fd int, set, clear uint32) error {
	want := (p.interest[fd] | set) &^ clear
	if want == p.interest[fd] {
		return nil
	}
	ev := unix.EpollEvent{Events: want, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	p.interest[fd] = want
	return nil
}

func (p *EpollPoller) SetRead(fd int, enable bool) error {
	if enable {
		return p.modify(fd, readEvents, 0)
	}
	return p.modify(fd, 0, readEvents)
}

func (p *EpollPoller) SetWrite(fd int, enable bool) error {
	if enable {
		return p.modify(fd, unix.EPOLLOUT, 0)
	}
	return p.modify(fd, 0, unix.EPOLLOUT)
}

func (p *EpollPoller) Remove(fd int) error {
	delete(p.interest, fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *EpollPoller) Wait(timeoutMs int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil && err != unix.EINTR {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	p.out = p.out[:0]
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakeFD {
			p.drainWake()
			continue
		}
		// Error and hangup conditions surface on both paths so the loop
		// notices them whichever interest it currently holds.
		errCond := ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
		p.out = append(p.out, Event{
			FD:       fd,
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 || errCond,
			Writable: ev.Events&unix.EPOLLOUT != 0 || errCond,
		})
	}
	return p.out, nil
}

func (p *EpollPoller) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(p.wakeFD, buf[:])
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			// Counter saturated; the pending wake already covers us.
			return nil
		default:
			return err
		}
	}
}

func (p *EpollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFD, buf[:]); err != unix.EINTR {
			return
		}
	}
}

func (p *EpollPoller) Close() error {
	unix.Close(p.wakeFD)
	return unix.Close(p.epfd)
}

// SetNonblock sets non-blocking mode on fd.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
