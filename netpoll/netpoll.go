// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package netpoll wraps the platform readiness facility (kqueue on the
// BSDs and Darwin, epoll on Linux) behind one narrow polling contract.
//
// A Poller multiplexes three sources of readiness: file descriptors
// registered for reading, interval timers, and user-triggered wakeups.
// Each registration carries an opaque attachment which is handed back
// verbatim on readiness, so the caller dispatches without any lookup of
// its own. The kernel cannot retain Go pointers, therefore the poller
// keeps the ident-to-attachment table itself.
package netpoll

// IOFilter identifies which readiness source produced a SlotEvent.
type IOFilter int

// Filters reported by Poller.Wait.
const (
	// FilterRead reports a readable descriptor, a listening socket with
	// a pending connection, or a hangup (see SlotEvent.EOF).
	FilterRead IOFilter = iota + 1
	// FilterWrite reports a writable descriptor. Reserved; the poller
	// never registers write interest today.
	FilterWrite
	// FilterTimer reports an expired interval timer.
	FilterTimer
	// FilterUser reports a user-triggered wakeup.
	FilterUser
)

// SlotEvent is one readiness notification delivered by Poller.Wait.
type SlotEvent struct {
	Filter IOFilter
	// EOF is set on FilterRead when the peer has hung up. Pending data
	// may still be readable before the zero read.
	EOF bool
	// Attachment is the value supplied at registration time.
	Attachment interface{}
}
