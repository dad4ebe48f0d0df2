//go:build darwin

package poller

import "golang.org/x/sys/unix"

// KqueuePoller is the kqueue-based Poller used on macOS. A nonblocking pipe
// registered for read readiness carries Wake calls from worker goroutines
// into the waiting loop.
type KqueuePoller struct {
	kqfd     int
	wakeRead int
	wakeWrit int
	events   []unix.Kevent_t
	out      []Event
}

// NewPoller creates the platform Poller (macOS: kqueue).
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	var pipeFDs [2]int
	if err := unix.Pipe(pipeFDs[:]); err != nil {
		unix.Close(kqfd)
		return nil, err
	}
	for _, fd := range pipeFDs {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(pipeFDs[0])
			unix.Close(pipeFDs[1])
			unix.Close(kqfd)
			return nil, err
		}
	}

	p := &KqueuePoller{
		kqfd:     kqfd,
		wakeRead: pipeFDs[0],
		wakeWrit: pipeFDs[1],
		events:   make([]unix.Kevent_t, 1024),
		out:      make([]Event, 0, 1024),
	}

	if err := p.Add(p.wakeRead); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *KqueuePoller) Add(fd int) error {
	// Level-triggered (no EV_CLEAR): the loop drains what it chooses per
	// cycle and kqueue re-reports the rest.
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}
	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (p *KqueuePoller) SetRead(fd int, enable bool) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
	}
	if enable {
		ev.Flags = unix.EV_ENABLE
	} else {
		ev.Flags = unix.EV_DISABLE
	}
	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (p *KqueuePoller) SetWrite(fd int, enable bool) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_WRITE,
	}
	if enable {
		ev.Flags = unix.EV_ADD | unix.EV_ENABLE
	} else {
		ev.Flags = unix.EV_DELETE
	}
	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	if !enable && err == unix.ENOENT {
		// Write interest was never registered; nothing to disable.
		return nil
	}
	return err
}

func (p *KqueuePoller) Remove(fd int) error {
	read := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE}
	write := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE}
	if _, err := unix.Kevent(p.kqfd, []unix.Kevent_t{read}, nil, nil); err != nil {
		return err
	}
	if _, err := unix.Kevent(p.kqfd, []unix.Kevent_t{write}, nil, nil); err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}

func (p *KqueuePoller) Wait(timeoutMs int) ([]Event, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64(timeoutMs%1000) * 1_000_000,
		}
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil && err != unix.EINTR {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	p.out = p.out[:0]
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Ident)
		if fd == p.wakeRead {
			p.drainWake()
			continue
		}
		errCond := ev.Flags&(unix.EV_ERROR|unix.EV_EOF) != 0
		p.out = append(p.out, Event{
			FD:       fd,
			Readable: ev.Filter == unix.EVFILT_READ || errCond,
			Writable: ev.Filter == unix.EVFILT_WRITE || errCond,
		})
	}
	return p.out, nil
}

func (p *KqueuePoller) Wake() error {
	for {
		_, err := unix.Write(p.wakeWrit, []byte{1})
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			// Pipe full; the pending wake already covers us.
			return nil
		default:
			return err
		}
	}
}

func (p *KqueuePoller) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeRead, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < len(buf) {
			return
		}
	}
}

func (p *KqueuePoller) Close() error {
	unix.Close(p.wakeRead)
	unix.Close(p.wakeWrit)
	return unix.Close(p.kqfd)
}

// SetNonblock sets non-blocking mode on fd.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
