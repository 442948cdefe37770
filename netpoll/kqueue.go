// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

package netpoll

import (
	"time"

	"golang.org/x/sys/unix"
)

type kevKey struct {
	filter int16
	ident  uint64
}

// Poller is the kqueue-backed implementation of the polling contract.
// Timers and user events are native kqueue filters here, so no
// descriptors are owned on their behalf and every owned-fd result is -1.
type Poller struct {
	fd          int
	events      []unix.Kevent_t
	attachments map[kevKey]interface{}
}

// OpenPoller creates a kqueue instance ready for registrations.
func OpenPoller() (*Poller, error) {
	kfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:          kfd,
		attachments: make(map[kevKey]interface{}),
	}, nil
}

// Close closes the kqueue descriptor. Registered idents die with it.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}

// Wait blocks until readiness or timeout and fills batch with at most
// len(batch) slot events. timeoutMS < 0 blocks indefinitely. A wait
// interrupted by a signal reports zero events and no error.
func (p *Poller) Wait(timeoutMS int64, batch []SlotEvent) (int, error) {
	var ts *unix.Timespec
	if timeoutMS >= 0 {
		t := unix.NsecToTimespec(timeoutMS * int64(time.Millisecond))
		ts = &t
	}
	if len(p.events) < len(batch) {
		p.events = make([]unix.Kevent_t, len(batch))
	}
	n, err := unix.Kevent(p.fd, nil, p.events[:len(batch)], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	filled := 0
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		var filter IOFilter
		switch ev.Filter {
		case unix.EVFILT_READ:
			filter = FilterRead
		case unix.EVFILT_WRITE:
			filter = FilterWrite
		case unix.EVFILT_TIMER:
			filter = FilterTimer
		case unix.EVFILT_USER:
			filter = FilterUser
		default:
			continue
		}
		att, ok := p.attachments[kevKey{ev.Filter, ev.Ident}]
		if !ok {
			continue
		}
		batch[filled] = SlotEvent{
			Filter:     filter,
			EOF:        ev.Flags&unix.EV_EOF != 0,
			Attachment: att,
		}
		filled++
	}
	return filled, nil
}

// AddServerRead registers read interest on a listening socket.
func (p *Poller) AddServerRead(fd int, att interface{}) error {
	return p.addRead(fd, att)
}

// AddPeerRead registers read interest on an accepted connection.
// Hangups surface as FilterRead with EOF set.
func (p *Poller) AddPeerRead(fd int, att interface{}) error {
	return p.addRead(fd, att)
}

func (p *Poller) addRead(fd int, att interface{}) error {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD,
	}}, nil, nil)
	if err != nil {
		return err
	}
	p.attachments[kevKey{unix.EVFILT_READ, uint64(fd)}] = att
	return nil
}

// AddTimer registers a repeating timer firing every intervalMS
// milliseconds. The returned owned fd is always -1 on kqueue.
func (p *Poller) AddTimer(id uint16, intervalMS int64, att interface{}) (int, error) {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  uint64(id),
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_ADD,
		Fflags: timerFflags,
		Data:   intervalMS,
	}}, nil, nil)
	if err != nil {
		return -1, err
	}
	p.attachments[kevKey{unix.EVFILT_TIMER, uint64(id)}] = att
	return -1, nil
}

// AddUserEvent registers a user-triggered wakeup. EV_CLEAR makes
// triggers between waits coalesce into a single notification. The
// returned owned fd is always -1 on kqueue.
func (p *Poller) AddUserEvent(id uint16, att interface{}) (int, error) {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  uint64(id),
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		return -1, err
	}
	p.attachments[kevKey{unix.EVFILT_USER, uint64(id)}] = att
	return -1, nil
}

// TriggerUserEvent fires a registered user event. Safe from any thread.
func (p *Poller) TriggerUserEvent(id uint16, _ int) error {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  uint64(id),
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
	return err
}

// ClearUserEvent re-arms a delivered user event so the next trigger
// produces a fresh notification.
func (p *Poller) ClearUserEvent(id uint16, _ int) error {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  uint64(id),
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	return err
}

// DeleteRead removes read interest from a descriptor and forgets its
// attachment. Pending notifications for the ident are dropped by the
// kernel.
func (p *Poller) DeleteRead(fd int) error {
	delete(p.attachments, kevKey{unix.EVFILT_READ, uint64(fd)})
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_DELETE,
	}}, nil, nil)
	return err
}

// DeleteTimer removes a timer registration.
func (p *Poller) DeleteTimer(id uint16, _ int) error {
	delete(p.attachments, kevKey{unix.EVFILT_TIMER, uint64(id)})
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  uint64(id),
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_DELETE,
	}}, nil, nil)
	return err
}

// DeleteUserEvent removes a user event registration.
func (p *Poller) DeleteUserEvent(id uint16, _ int) error {
	delete(p.attachments, kevKey{unix.EVFILT_USER, uint64(id)})
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  uint64(id),
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_DELETE,
	}}, nil, nil)
	return err
}
