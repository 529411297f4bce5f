// Package eventfd wraps Linux event file descriptors and a small epoll set.
// They carry queue notifications between the driver side and the device
// workers: the driver kicks after publishing chains and the device calls back
// after publishing used elements.
package eventfd

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// EventFD is an event file descriptor. Kick and Drain may be called from
// different goroutines at the same time.
type EventFD struct {
	fd int
}

// New returns a non-blocking event file descriptor with a zero counter.
func New() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return EventFD{}, fmt.Errorf("create eventfd: %w", err)
	}
	return EventFD{fd: fd}, nil
}

// Kick adds one to the counter, waking up anyone waiting on the descriptor.
func (e *EventFD) Kick() error {
	// The counter is host endian, which is little endian on every platform
	// this runs on.
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

// Drain reads and resets the counter. It returns 0 when nothing was kicked
// since the last drain.
func (e *EventFD) Drain() (uint64, error) {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Close releases the descriptor. Closing twice is a no-op.
func (e *EventFD) Close() error {
	if e.fd != 0 {
		err := unix.Close(e.fd)
		e.fd = 0
		return err
	}
	return nil
}

func (e *EventFD) FD() int {
	return e.fd
}

// Epoll waits for any of a set of descriptors to become readable. It is level
// triggered: a descriptor stays ready until it is drained.
type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

// NewEpoll returns an empty epoll set that reports up to maxEvents ready
// descriptors per wait.
func NewEpoll(maxEvents int) (Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return Epoll{}, fmt.Errorf("create epoll: %w", err)
	}
	return Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, max(maxEvents, 1)),
	}, nil
}

func (ep *Epoll) AddEvent(fdToAdd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fdToAdd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fdToAdd, &event)
}

// Block waits until at least one descriptor is readable and returns the ready
// descriptors. An interrupted wait returns no descriptors and no error.
func (ep *Epoll) Block() ([]int, error) {
	n, err := unix.EpollWait(ep.fd, ep.events, -1)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	fds := make([]int, n)
	for i := range n {
		fds[i] = int(ep.events[i].Fd)
	}
	return fds, nil
}

func (ep *Epoll) Close() error {
	if ep.fd != 0 {
		err := unix.Close(ep.fd)
		ep.fd = 0
		return err
	}
	return nil
}
