// Package console gives a running server two keyboard controls: Ctrl+S
// requests graceful shutdown and Ctrl+P dumps a status snapshot. Stdin is
// switched to raw mode so the bytes arrive unbuffered; the terminal state is
// restored on release. Acquire fails when stdin is not a terminal, which is
// how daemonized servers skip the console entirely.
package console

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/atuldpatil/pulsar/logger"
)

// Control bytes read off the raw terminal.
const (
	keyShutdown = 0x13 // Ctrl+S
	keyStatus   = 0x10 // Ctrl+P
)

// Console owns stdin while acquired. onShutdown and onStatus are invoked
// from the console's own goroutine and must be safe to call from there.
type Console struct {
	fd    int
	saved unix.Termios
	log   logger.Logger

	onShutdown func()
	onStatus   func()

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Acquire switches stdin to raw mode and starts listening for control
// bytes. The error is not fatal to the server: without a terminal there is
// simply no console.
func Acquire(onShutdown, onStatus func(), log logger.Logger) (*Console, error) {
	if log == nil {
		log = logger.Nop()
	}
	fd := int(os.Stdin.Fd())

	termios, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return nil, fmt.Errorf("console: stdin is not a terminal: %w", err)
	}

	c := &Console{
		fd:         fd,
		saved:      *termios,
		log:        log,
		onShutdown: onShutdown,
		onStatus:   onStatus,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	raw := *termios
	// No line buffering, no echo; IXON off so Ctrl+S reaches us instead of
	// pausing the terminal. ISIG stays on, Ctrl+C still delivers SIGINT.
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Iflag &^= unix.IXON
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &raw); err != nil {
		return nil, fmt.Errorf("console: setting raw mode: %w", err)
	}

	go c.run()
	c.log.Info("console ready, Ctrl+S to shut down, Ctrl+P for status")
	return c, nil
}

// Release stops listening and restores the terminal. Safe to call more than
// once.
func (c *Console) Release() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	unix.IoctlSetTermios(c.fd, ioctlSetTermios, &c.saved)
}

// run polls stdin with a timeout so Release can interrupt it; a blocking
// read would pin the goroutine until the next keypress.
func (c *Console) run() {
	defer close(c.done)

	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	var buf [1]byte
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		n, err := unix.Poll(fds, 200)
		if err == unix.EINTR || n == 0 {
			continue
		}
		if err != nil || fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err = unix.Read(c.fd, buf[:])
		if n <= 0 || err != nil {
			continue
		}

		switch buf[0] {
		case keyShutdown:
			c.log.Info("shutdown key pressed")
			c.onShutdown()
		case keyStatus:
			c.onStatus()
		default:
			// Anything else is ignored.
		}
	}
}
