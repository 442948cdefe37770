// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package netpoll

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

type fdAttachment struct {
	filter IOFilter
	att    interface{}
}

// Poller is the epoll-backed implementation of the polling contract.
// epoll has no native timer or user filters, so each timer registration
// owns a timerfd and each user event owns an eventfd. The owned
// descriptor is returned from Add* and must be closed by the caller
// after Delete*.
type Poller struct {
	fd          int
	events      []unix.EpollEvent
	attachments map[int]*fdAttachment
	drainBuf    []byte
}

// OpenPoller creates an epoll instance ready for registrations.
func OpenPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:          epfd,
		attachments: make(map[int]*fdAttachment),
		drainBuf:    make([]byte, 8),
	}, nil
}

// Close closes the epoll descriptor. Owned timerfds and eventfds belong
// to their registrations and are closed by the caller.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}

// Wait blocks until readiness or timeout and fills batch with at most
// len(batch) slot events. timeoutMS < 0 blocks indefinitely. A wait
// interrupted by a signal reports zero events and no error.
//
// Timer and user-event counters are read and discarded here so the
// descriptor is quiescent again before the caller dispatches.
func (p *Poller) Wait(timeoutMS int64, batch []SlotEvent) (int, error) {
	if len(p.events) < len(batch) {
		p.events = make([]unix.EpollEvent, len(batch))
	}
	n, err := unix.EpollWait(p.fd, p.events[:len(batch)], int(timeoutMS))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	filled := 0
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		fa, ok := p.attachments[int(ev.Fd)]
		if !ok {
			continue
		}
		if fa.filter == FilterTimer || fa.filter == FilterUser {
			// The 8-byte counter drain also provides coalescing:
			// triggers between waits accumulate in one counter and
			// surface as one notification.
			if _, err := unix.Read(int(ev.Fd), p.drainBuf); err != nil && err != unix.EAGAIN {
				continue
			}
		}
		batch[filled] = SlotEvent{
			Filter:     fa.filter,
			EOF:        ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Attachment: fa.att,
		}
		filled++
	}
	return filled, nil
}

// AddServerRead registers read interest on a listening socket.
func (p *Poller) AddServerRead(fd int, att interface{}) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd,
		&unix.EpollEvent{Fd: int32(fd), Events: unix.EPOLLIN})
	if err != nil {
		return err
	}
	p.attachments[fd] = &fdAttachment{filter: FilterRead, att: att}
	return nil
}

// AddPeerRead registers read interest on an accepted connection.
// EPOLLRDHUP turns orderly peer shutdowns into EOF notifications.
func (p *Poller) AddPeerRead(fd int, att interface{}) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd,
		&unix.EpollEvent{Fd: int32(fd), Events: unix.EPOLLIN | unix.EPOLLRDHUP})
	if err != nil {
		return err
	}
	p.attachments[fd] = &fdAttachment{filter: FilterRead, att: att}
	return nil
}

// AddTimer registers a repeating timer firing every intervalMS
// milliseconds, backed by a timerfd which is returned as the owned fd.
func (p *Poller) AddTimer(_ uint16, intervalMS int64, att interface{}) (int, error) {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	interval := unix.NsecToTimespec(intervalMS * 1e6)
	spec := unix.ItimerSpec{Interval: interval, Value: interval}
	if err = unix.TimerfdSettime(tfd, 0, &spec, nil); err != nil {
		_ = unix.Close(tfd)
		return -1, err
	}
	err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, tfd,
		&unix.EpollEvent{Fd: int32(tfd), Events: unix.EPOLLIN})
	if err != nil {
		_ = unix.Close(tfd)
		return -1, err
	}
	p.attachments[tfd] = &fdAttachment{filter: FilterTimer, att: att}
	return tfd, nil
}

// AddUserEvent registers a user-triggered wakeup, backed by an eventfd
// which is returned as the owned fd.
func (p *Poller) AddUserEvent(_ uint16, att interface{}) (int, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, efd,
		&unix.EpollEvent{Fd: int32(efd), Events: unix.EPOLLIN})
	if err != nil {
		_ = unix.Close(efd)
		return -1, err
	}
	p.attachments[efd] = &fdAttachment{filter: FilterUser, att: att}
	return efd, nil
}

// TriggerUserEvent fires a registered user event by bumping its eventfd
// counter. Safe from any thread.
func (p *Poller) TriggerUserEvent(_ uint16, fd int) error {
	// The counter is a host-endian uint64.
	one := uint64(1)
	_, err := unix.Write(fd, (*[8]byte)(unsafe.Pointer(&one))[:])
	return err
}

// ClearUserEvent is a no-op on epoll; Wait already drained the counter.
func (p *Poller) ClearUserEvent(_ uint16, _ int) error {
	return nil
}

// DeleteRead removes read interest from a descriptor and forgets its
// attachment.
func (p *Poller) DeleteRead(fd int) error {
	delete(p.attachments, fd)
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// DeleteTimer removes a timer registration. The timerfd stays open
// until the caller closes the owned fd.
func (p *Poller) DeleteTimer(_ uint16, fd int) error {
	delete(p.attachments, fd)
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// DeleteUserEvent removes a user event registration. The eventfd stays
// open until the caller closes the owned fd.
func (p *Poller) DeleteUserEvent(_ uint16, fd int) error {
	delete(p.attachments, fd)
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}
