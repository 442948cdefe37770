// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package woodpeckers

import "net"

// EventID names one registered event within its registry. Servers,
// peers, timers and user events each draw from an independent id space,
// so the same id may be live in several registries at once.
type EventID uint16

// MaxEventID is reserved for the internal stop wakeup: it cannot be
// registered as a user event or triggered through the public surface,
// and it is never assigned as a peer id. Timers and servers do not
// reject it.
const MaxEventID EventID = 0xFFFF

// ShouldAcceptCallback is consulted before a pending connection is
// accepted, with the remote address of the connecting peer. Returning
// false refuses and closes the connection.
type ShouldAcceptCallback func(el *EventLoop, serverID EventID, addr net.Addr, ctx interface{}) bool

// DidAcceptCallback reports a newly accepted peer and its remote
// address.
type DidAcceptCallback func(el *EventLoop, serverID, peerID EventID, addr net.Addr, ctx interface{})

// DidReceiveDataCallback delivers bytes read from a peer. data is only
// valid for the duration of the call; the receive buffer is reused.
type DidReceiveDataCallback func(el *EventLoop, serverID, peerID EventID, data []byte, ctx interface{})

// PeerDidDisconnectCallback reports that a peer hung up or failed. The
// peer id is already retired when the callback runs.
type PeerDidDisconnectCallback func(el *EventLoop, serverID, peerID EventID, ctx interface{})

// TimerCallback runs on every expiry of an interval timer.
type TimerCallback func(el *EventLoop, timerID EventID, ctx interface{})

// UserEventCallback runs when a user event has been triggered. Multiple
// triggers between dispatches coalesce into a single call.
type UserEventCallback func(el *EventLoop, eventID EventID, ctx interface{})

// ServerCallbacks bundles the callbacks attached to one server. Any of
// them may be nil.
type ServerCallbacks struct {
	ShouldAccept      ShouldAcceptCallback
	DidAccept         DidAcceptCallback
	DidReceiveData    DidReceiveDataCallback
	PeerDidDisconnect PeerDidDisconnectCallback
}

type eventKind int

const (
	eventServer eventKind = iota
	eventPeer
	eventTimer
	eventUser
)

// event is one registry record. The same record is handed to the poller
// as the registration attachment, so dispatch routes straight back to
// it without a registry lookup.
type event struct {
	kind eventKind
	id   EventID

	// fd is the socket for servers and peers. For timers and user
	// events it is the descriptor owned on their behalf by the polling
	// backend, or -1 where the backend needs none.
	fd int

	active              bool
	deactivationPending bool

	// server and peer fields.
	serverID      EventID
	port          uint16
	callbacks     ServerCallbacks
	receiveBuffer []byte

	// timer fields.
	intervalMS int64
	didFire    TimerCallback

	// user event fields.
	didTrigger UserEventCallback
}
