// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || netbsd || openbsd || linux
// +build darwin dragonfly freebsd netbsd openbsd linux

package woodpeckers

import (
	"github.com/woodpeckers/woodpeckers/errors"
	"github.com/woodpeckers/woodpeckers/logging"
)

// AddTimer registers a repeating timer firing every intervalMS
// milliseconds. didFire runs on the loop goroutine on every expiry.
func (el *EventLoop) AddTimer(id EventID, intervalMS int64, didFire TimerCallback) error {
	if _, ok := el.timers[id]; ok {
		logging.Errorf(logTag, "timer %d is already registered", id)
		return errors.ErrDuplicateEventID
	}
	ev := &event{
		kind:       eventTimer,
		id:         id,
		fd:         -1,
		active:     true,
		intervalMS: intervalMS,
		didFire:    didFire,
	}
	ownedFD, err := el.poller.AddTimer(uint16(id), intervalMS, ev)
	if err != nil {
		logging.Errnof(logTag, err, "registering timer %d failed", id)
		return err
	}
	ev.fd = ownedFD
	el.timers[id] = ev
	return nil
}

// HasTimer reports whether a timer with this id is registered.
func (el *EventLoop) HasTimer(id EventID) bool {
	_, ok := el.timers[id]
	return ok
}

// RemoveTimer retires a timer. Removing an absent id is a no-op.
func (el *EventLoop) RemoveTimer(id EventID) error {
	ev, ok := el.timers[id]
	if !ok {
		logging.Debugf(logTag, "timer %d is not registered, nothing to remove", id)
		return nil
	}
	delete(el.timers, id)
	if err := el.poller.DeleteTimer(uint16(id), ev.fd); err != nil {
		logging.Errnof(logTag, err, "deleting timer %d failed", id)
	}
	el.deactivate(ev)
	return nil
}
