// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || netbsd || openbsd || linux
// +build darwin dragonfly freebsd netbsd openbsd linux

// Package woodpeckers implements a single-threaded reactor multiplexing
// interval timers, user-triggered wakeups and loopback TCP servers over
// the platform readiness facility (kqueue or epoll).
//
// One goroutine owns the loop: every callback runs on the goroutine
// inside Run or RunOnce, and all registration methods must be called
// from that goroutine too. The only cross-goroutine entry points are
// Stop and the poller-level trigger it rides on.
package woodpeckers

import (
	"github.com/eapache/queue"

	"github.com/woodpeckers/woodpeckers/errors"
	"github.com/woodpeckers/woodpeckers/logging"
	"github.com/woodpeckers/woodpeckers/netpoll"
)

const (
	// eventsToProcess bounds one dispatch batch. Keeping it small keeps
	// timers honest while a server floods.
	eventsToProcess = 5

	receiveBufferSize = 1024

	logTag = "eventloop"
)

// EventLoop is the reactor. Zero value is not usable; construct with
// NewEventLoop.
type EventLoop struct {
	poller *netpoll.Poller

	servers    map[EventID]*event
	peers      map[EventID]*event
	timers     map[EventID]*event
	userEvents map[EventID]*event

	// deactivated holds records removed during dispatch until the end
	// of the batch, so a callback can retire any event, including the
	// one it is running for.
	deactivated *queue.Queue

	stopEvent *event

	keepRunning     bool
	closed          bool
	nextPeerID      EventID
	callbackContext interface{}

	batch [eventsToProcess]netpoll.SlotEvent
}

// NewEventLoop opens the polling backend and registers the internal
// stop wakeup.
func NewEventLoop() (*EventLoop, error) {
	poller, err := netpoll.OpenPoller()
	if err != nil {
		logging.Errnof(logTag, err, "opening poller failed")
		return nil, err
	}
	el := &EventLoop{
		poller:      poller,
		servers:     make(map[EventID]*event),
		peers:       make(map[EventID]*event),
		timers:      make(map[EventID]*event),
		userEvents:  make(map[EventID]*event),
		deactivated: queue.New(),
	}
	stop := &event{kind: eventUser, id: MaxEventID, fd: -1, active: true}
	stop.didTrigger = func(el *EventLoop, _ EventID, _ interface{}) {
		el.keepRunning = false
	}
	ownedFD, err := poller.AddUserEvent(uint16(MaxEventID), stop)
	if err != nil {
		logging.Errnof(logTag, err, "registering the stop wakeup failed")
		_ = poller.Close()
		return nil, err
	}
	stop.fd = ownedFD
	el.stopEvent = stop
	el.userEvents[MaxEventID] = stop
	return el, nil
}

// Close retires every registration, closes their descriptors and shuts
// the polling backend down. The loop is unusable afterwards.
func (el *EventLoop) Close() error {
	if el.closed {
		return errors.ErrEventLoopClosed
	}
	for id := range el.servers {
		_ = el.RemoveServer(id)
	}
	for id := range el.timers {
		_ = el.RemoveTimer(id)
	}
	for id, ev := range el.userEvents {
		delete(el.userEvents, id)
		if err := el.poller.DeleteUserEvent(uint16(id), ev.fd); err != nil {
			logging.Errnof(logTag, err, "deleting user event %d failed", id)
		}
		el.deactivate(ev)
	}
	el.stopEvent = nil
	el.drainDeactivated()
	el.closed = true
	if err := el.poller.Close(); err != nil {
		logging.Errnof(logTag, err, "closing poller failed")
		return err
	}
	return nil
}

// SetCallbackContext sets the opaque value handed to every callback.
func (el *EventLoop) SetCallbackContext(ctx interface{}) {
	el.callbackContext = ctx
}

// Run dispatches until Stop is called. It must run on the goroutine
// that owns the loop.
func (el *EventLoop) Run() error {
	el.keepRunning = true
	for el.keepRunning {
		if err := el.RunOnce(-1); err != nil {
			return err
		}
	}
	return nil
}

// Stop wakes the loop and makes Run return after the batch in flight
// finishes. Safe to call from any goroutine, including signal handlers.
func (el *EventLoop) Stop() {
	stop := el.stopEvent
	if stop == nil {
		return
	}
	if err := el.poller.TriggerUserEvent(uint16(MaxEventID), stop.fd); err != nil {
		logging.Errnof(logTag, err, "triggering the stop wakeup failed")
	}
}

// RunOnce waits up to timeoutMS milliseconds for readiness, dispatches
// at most one batch of events and drains deferred deactivations. A
// negative timeout blocks until readiness.
func (el *EventLoop) RunOnce(timeoutMS int64) error {
	n, err := el.poller.Wait(timeoutMS, el.batch[:])
	if err != nil {
		logging.Errnof(logTag, err, "waiting for events failed")
		return err
	}
	for i := 0; i < n; i++ {
		slot := &el.batch[i]
		ev, ok := slot.Attachment.(*event)
		if !ok || ev == nil {
			continue
		}
		if !ev.active || ev.deactivationPending {
			continue
		}
		switch ev.kind {
		case eventServer:
			el.acceptPeer(ev)
		case eventPeer:
			el.readPeer(ev)
		case eventTimer:
			if ev.didFire != nil {
				ev.didFire(el, ev.id, el.callbackContext)
			}
		case eventUser:
			if ev.didTrigger != nil {
				ev.didTrigger(el, ev.id, el.callbackContext)
			}
			if ev.active && !ev.deactivationPending {
				if err := el.poller.ClearUserEvent(uint16(ev.id), ev.fd); err != nil {
					logging.Errnof(logTag, err, "re-arming user event %d failed", ev.id)
				}
			}
		}
	}
	el.drainDeactivated()
	return nil
}

// deactivate marks a record dead and parks it until the end of the
// batch. The caller removes it from its registry first, so membership
// checks see the removal immediately.
func (el *EventLoop) deactivate(ev *event) {
	ev.active = false
	ev.deactivationPending = true
	el.deactivated.Add(ev)
}

func (el *EventLoop) drainDeactivated() {
	for el.deactivated.Length() > 0 {
		ev := el.deactivated.Remove().(*event)
		el.finalize(ev)
	}
}

func (el *EventLoop) finalize(ev *event) {
	if ev.fd != -1 {
		if err := closeFD(ev.fd); err != nil {
			logging.Errnof(logTag, err, "closing fd %d of event %d failed", ev.fd, ev.id)
		}
		ev.fd = -1
	}
	ev.deactivationPending = false
}
