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

// AddUserEvent registers a wakeup that fires didTrigger when
// TriggerUserEvent is called. Triggers arriving between dispatches
// coalesce into one callback.
func (el *EventLoop) AddUserEvent(id EventID, didTrigger UserEventCallback) error {
	if id == MaxEventID {
		logging.Errorf(logTag, "user event id %d is reserved", id)
		return errors.ErrReservedEventID
	}
	if _, ok := el.userEvents[id]; ok {
		logging.Errorf(logTag, "user event %d is already registered", id)
		return errors.ErrDuplicateEventID
	}
	ev := &event{
		kind:       eventUser,
		id:         id,
		fd:         -1,
		active:     true,
		didTrigger: didTrigger,
	}
	ownedFD, err := el.poller.AddUserEvent(uint16(id), ev)
	if err != nil {
		logging.Errnof(logTag, err, "registering user event %d failed", id)
		return err
	}
	ev.fd = ownedFD
	el.userEvents[id] = ev
	return nil
}

// HasUserEvent reports whether a user event with this id is registered.
// The internal wakeup id always reports false.
func (el *EventLoop) HasUserEvent(id EventID) bool {
	if id == MaxEventID {
		return false
	}
	_, ok := el.userEvents[id]
	return ok
}

// RemoveUserEvent retires a user event. Removing an absent id or the
// internal wakeup id is a no-op.
func (el *EventLoop) RemoveUserEvent(id EventID) error {
	if id == MaxEventID {
		return nil
	}
	ev, ok := el.userEvents[id]
	if !ok {
		logging.Debugf(logTag, "user event %d is not registered, nothing to remove", id)
		return nil
	}
	delete(el.userEvents, id)
	if err := el.poller.DeleteUserEvent(uint16(id), ev.fd); err != nil {
		logging.Errnof(logTag, err, "deleting user event %d failed", id)
	}
	el.deactivate(ev)
	return nil
}

// TriggerUserEvent fires a registered user event. Like the rest of the
// registration surface it belongs to the loop goroutine; cross-goroutine
// wakeups go through Stop.
func (el *EventLoop) TriggerUserEvent(id EventID) error {
	if id == MaxEventID {
		logging.Errorf(logTag, "user event id %d is reserved", id)
		return errors.ErrReservedEventID
	}
	ev, ok := el.userEvents[id]
	if !ok {
		logging.Errorf(logTag, "user event %d is not registered", id)
		return errors.ErrUnknownEventID
	}
	if err := el.poller.TriggerUserEvent(uint16(id), ev.fd); err != nil {
		logging.Errnof(logTag, err, "triggering user event %d failed", id)
		return err
	}
	return nil
}
