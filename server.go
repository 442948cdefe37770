// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || netbsd || openbsd || linux
// +build darwin dragonfly freebsd netbsd openbsd linux

package woodpeckers

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/woodpeckers/woodpeckers/errors"
	"github.com/woodpeckers/woodpeckers/logging"
)

func closeFD(fd int) error {
	return unix.Close(fd)
}

// AddServer opens a nonblocking listening socket bound to
// 127.0.0.1:port and registers it. Peers accepted through it inherit
// the server's callbacks.
func (el *EventLoop) AddServer(id EventID, port uint16, callbacks ServerCallbacks) error {
	if _, ok := el.servers[id]; ok {
		logging.Errorf(logTag, "server %d is already registered", id)
		return errors.ErrDuplicateEventID
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		logging.Errnof(logTag, err, "creating the listening socket for server %d failed", id)
		return err
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		logging.Errnof(logTag, err, "marking the listening socket of server %d nonblocking failed", id)
		_ = unix.Close(fd)
		return err
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		logging.Errnof(logTag, err, "setting SO_REUSEADDR on server %d failed", id)
		_ = unix.Close(fd)
		return err
	}
	sa := &unix.SockaddrInet4{Port: int(port), Addr: [4]byte{127, 0, 0, 1}}
	if err = unix.Bind(fd, sa); err != nil {
		logging.Errnof(logTag, err, "binding server %d to 127.0.0.1:%d failed", id, port)
		_ = unix.Close(fd)
		return err
	}
	if err = unix.Listen(fd, unix.SOMAXCONN); err != nil {
		logging.Errnof(logTag, err, "listening on server %d failed", id)
		_ = unix.Close(fd)
		return err
	}
	ev := &event{
		kind:      eventServer,
		id:        id,
		fd:        fd,
		active:    true,
		port:      port,
		callbacks: callbacks,
	}
	if err = el.poller.AddServerRead(fd, ev); err != nil {
		logging.Errnof(logTag, err, "registering server %d with the poller failed", id)
		_ = unix.Close(fd)
		return err
	}
	el.servers[id] = ev
	return nil
}

// HasServer reports whether a server with this id is registered.
func (el *EventLoop) HasServer(id EventID) bool {
	_, ok := el.servers[id]
	return ok
}

// RemoveServer retires a server and drops its live peers without
// running their disconnect callbacks. Removing an absent id is a no-op.
func (el *EventLoop) RemoveServer(id EventID) error {
	ev, ok := el.servers[id]
	if !ok {
		logging.Debugf(logTag, "server %d is not registered, nothing to remove", id)
		return nil
	}
	delete(el.servers, id)
	for peerID, peer := range el.peers {
		if peer.serverID != id {
			continue
		}
		delete(el.peers, peerID)
		if err := el.poller.DeleteRead(peer.fd); err != nil {
			logging.Errnof(logTag, err, "deleting peer %d of server %d failed", peerID, id)
		}
		if err := unix.Shutdown(peer.fd, unix.SHUT_RDWR); err != nil && err != unix.ENOTCONN {
			logging.Errnof(logTag, err, "shutting down peer %d of server %d failed", peerID, id)
		}
		el.deactivate(peer)
	}
	// The registration to retire is the read interest of the listening
	// socket itself.
	if err := el.poller.DeleteRead(ev.fd); err != nil {
		logging.Errnof(logTag, err, "deleting server %d failed", id)
	}
	el.deactivate(ev)
	return nil
}

// assignPeerID hands out the next free peer id from a monotonic
// counter, skipping ids still held by live peers and the reserved id.
func (el *EventLoop) assignPeerID() EventID {
	for {
		id := el.nextPeerID
		el.nextPeerID++
		if id == MaxEventID {
			continue
		}
		if _, live := el.peers[id]; live {
			continue
		}
		return id
	}
}

func (el *EventLoop) acceptPeer(server *event) {
	nfd, sa, err := unix.Accept(server.fd)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		logging.Errnof(logTag, err, "accepting on server %d failed", server.id)
		return
	}
	if cb := server.callbacks.ShouldAccept; cb != nil && !cb(el, server.id, sockaddrToAddr(sa), el.callbackContext) {
		_ = unix.Close(nfd)
		return
	}
	if err = unix.SetNonblock(nfd, true); err != nil {
		logging.Errnof(logTag, err, "marking a peer of server %d nonblocking failed", server.id)
		_ = unix.Close(nfd)
		return
	}
	peerID := el.assignPeerID()
	peer := &event{
		kind:      eventPeer,
		id:        peerID,
		fd:        nfd,
		active:    true,
		serverID:  server.id,
		callbacks: server.callbacks,
	}
	if err = el.poller.AddPeerRead(nfd, peer); err != nil {
		logging.Errnof(logTag, err, "registering peer %d of server %d failed", peerID, server.id)
		_ = unix.Close(nfd)
		return
	}
	el.peers[peerID] = peer
	if cb := server.callbacks.DidAccept; cb != nil {
		cb(el, server.id, peerID, sockaddrToAddr(sa), el.callbackContext)
	}
}

func (el *EventLoop) readPeer(peer *event) {
	if peer.receiveBuffer == nil {
		peer.receiveBuffer = make([]byte, receiveBufferSize)
	}
	n, err := unix.Read(peer.fd, peer.receiveBuffer)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		logging.Errnof(logTag, err, "reading from peer %d failed", peer.id)
		el.disconnectPeer(peer)
		return
	}
	if n == 0 {
		el.disconnectPeer(peer)
		return
	}
	if cb := peer.callbacks.DidReceiveData; cb != nil {
		cb(el, peer.serverID, peer.id, peer.receiveBuffer[:n], el.callbackContext)
	}
}

func (el *EventLoop) disconnectPeer(peer *event) {
	delete(el.peers, peer.id)
	if err := el.poller.DeleteRead(peer.fd); err != nil {
		logging.Errnof(logTag, err, "deleting peer %d failed", peer.id)
	}
	if cb := peer.callbacks.PeerDidDisconnect; cb != nil {
		cb(el, peer.serverID, peer.id, el.callbackContext)
	}
	el.deactivate(peer)
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(sa.Addr[0:]), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(sa.Addr[0:]), Port: sa.Port}
	}
	return nil
}
