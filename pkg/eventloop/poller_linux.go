//go:build linux

package eventloop

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// EpollPoller implements Poller over epoll, with an eventfd for wake-ups.
type EpollPoller struct {
	epfd     int
	wakefd   int
	eventBuf []unix.EpollEvent
}

// NewEpollPoller creates the production poller.
func NewEpollPoller() (*EpollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventloop: eventfd: %w", err)
	}
	p := &EpollPoller{epfd: epfd, wakefd: wakefd, eventBuf: make([]unix.EpollEvent, 64)}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		p.Close()
		return nil, fmt.Errorf("eventloop: register wake fd: %w", err)
	}
	return p, nil
}

func epollEvents(events Events) uint32 {
	var ev uint32
	if events&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *EpollPoller) Register(fd int, events Events) error {
	ev := unix.EpollEvent{Events: epollEvents(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *EpollPoller) Update(fd int, events Events) error {
	ev := unix.EpollEvent{Events: epollEvents(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *EpollPoller) Deregister(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *EpollPoller) Wait(timeout time.Duration, deliver func(fd int, ev Events)) error {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}
	n, err := unix.EpollWait(p.epfd, p.eventBuf, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("eventloop: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		e := p.eventBuf[i]
		fd := int(e.Fd)
		if fd == p.wakefd {
			var buf [8]byte
			_, _ = unix.Read(p.wakefd, buf[:])
			continue
		}
		var ev Events
		if e.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ev |= EventRead
		}
		if e.Events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ev |= EventWrite
		}
		deliver(fd, ev)
	}
	return nil
}

func (p *EpollPoller) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakefd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *EpollPoller) Close() error {
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
