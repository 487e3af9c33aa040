//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// epollWaitMS bounds each epoll_wait so cancellation is noticed.
const epollWaitMS = 200

// readInputDevices reads from all input devices in one goroutine using epoll.
func readInputDevices(ctx context.Context, files []*os.File, events chan<- deviceEvent, readErr chan<- error) {
	if err := readInputEventsEpoll(ctx, files, events); err != nil {
		select {
		case readErr <- err:
		default:
		}
	}
}

// readInputEventsEpoll multiplexes the devices with epoll.
// The kernel wakes us only when a device has data. Returns nil on cancellation.
func readInputEventsEpoll(ctx context.Context, files []*os.File, events chan<- deviceEvent) error {
	if len(files) == 0 {
		return fmt.Errorf("no input devices provided")
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	// Map file descriptors back to device indices
	fdToDevice := make(map[int]int, len(files))

	for i, f := range files {
		fd := int(f.Fd())
		fdToDevice[fd] = i

		event := unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(fd),
		}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			return fmt.Errorf("epoll_ctl_add %s: %w", f.Name(), err)
		}
	}

	const maxEvents = 32
	epollEvents := make([]unix.EpollEvent, maxEvents)
	buf := make([]byte, inputEventSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := unix.EpollWait(epfd, epollEvents, epollWaitMS)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(epollEvents[i].Fd)
			dev := fdToDevice[fd]
			f := files[dev]

			// Any device error is fatal for the source
			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				return fmt.Errorf("device error/hangup: %s", f.Name())
			}

			if _, err := f.Read(buf); err != nil {
				return fmt.Errorf("read from %s: %w", f.Name(), err)
			}

			ev, err := decodeInputEvent(buf)
			if err != nil {
				continue
			}

			select {
			case events <- deviceEvent{Device: dev, Event: ev}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
