// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || netbsd || openbsd || linux
// +build darwin dragonfly freebsd netbsd openbsd linux

package woodpeckers

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woodpeckers/woodpeckers/errors"
)

func countOpenFDs(t *testing.T) int {
	entries, err := os.ReadDir("/dev/fd")
	require.NoError(t, err)
	return len(entries)
}

func TestRunOnceTimesOut(t *testing.T) {
	el, err := NewEventLoop()
	require.NoError(t, err)
	defer func() { require.NoError(t, el.Close()) }()

	start := time.Now()
	require.NoError(t, el.RunOnce(250))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 240*time.Millisecond)
}

func TestRegistersTimers(t *testing.T) {
	el, err := NewEventLoop()
	require.NoError(t, err)
	defer func() { require.NoError(t, el.Close()) }()

	assert.False(t, el.HasTimer(1))

	require.NoError(t, el.AddTimer(1, 250, nil))
	assert.True(t, el.HasTimer(1))

	require.NoError(t, el.RemoveTimer(1))

	// Removals finish at the end of a dispatch pass.
	require.NoError(t, el.RunOnce(0))

	assert.False(t, el.HasTimer(1))
}

func TestRegistersUserEvents(t *testing.T) {
	el, err := NewEventLoop()
	require.NoError(t, err)
	defer func() { require.NoError(t, el.Close()) }()

	assert.False(t, el.HasUserEvent(2))

	require.NoError(t, el.AddUserEvent(2, nil))
	assert.True(t, el.HasUserEvent(2))

	require.NoError(t, el.RemoveUserEvent(2))

	require.NoError(t, el.RunOnce(0))

	assert.False(t, el.HasUserEvent(2))
}

func TestTimersFireOnce(t *testing.T) {
	el, err := NewEventLoop()
	require.NoError(t, err)
	defer func() { require.NoError(t, el.Close()) }()

	counter := 0
	el.SetCallbackContext(&counter)
	require.NoError(t, el.AddTimer(1, 100, func(_ *EventLoop, _ EventID, ctx interface{}) {
		*ctx.(*int)++
	}))

	require.NoError(t, el.RunOnce(200))

	assert.Equal(t, 1, counter)
}

func TestTimersFireRepeatedly(t *testing.T) {
	el, err := NewEventLoop()
	require.NoError(t, err)
	defer func() { require.NoError(t, el.Close()) }()

	counter := 0
	el.SetCallbackContext(&counter)
	require.NoError(t, el.AddTimer(1, 100, func(el *EventLoop, _ EventID, ctx interface{}) {
		count := ctx.(*int)
		*count++
		if *count >= 5 {
			el.Stop()
		}
	}))

	require.NoError(t, el.Run())

	assert.Equal(t, 5, counter)
}

func TestDuplicateTimerRejected(t *testing.T) {
	el, err := NewEventLoop()
	require.NoError(t, err)
	defer func() { require.NoError(t, el.Close()) }()

	require.NoError(t, el.AddTimer(1, 100, nil))
	before := countOpenFDs(t)

	err = el.AddTimer(1, 100, nil)
	assert.ErrorIs(t, err, errors.ErrDuplicateEventID)
	assert.Equal(t, before, countOpenFDs(t))
}

func TestDuplicateUserEventRejected(t *testing.T) {
	el, err := NewEventLoop()
	require.NoError(t, err)
	defer func() { require.NoError(t, el.Close()) }()

	require.NoError(t, el.AddUserEvent(7, nil))
	before := countOpenFDs(t)

	err = el.AddUserEvent(7, nil)
	assert.ErrorIs(t, err, errors.ErrDuplicateEventID)
	assert.Equal(t, before, countOpenFDs(t))
}

func TestReservedUserEventID(t *testing.T) {
	el, err := NewEventLoop()
	require.NoError(t, err)
	defer func() { require.NoError(t, el.Close()) }()

	err = el.AddUserEvent(MaxEventID, nil)
	assert.ErrorIs(t, err, errors.ErrReservedEventID)

	assert.False(t, el.HasUserEvent(MaxEventID))
	assert.NoError(t, el.RemoveUserEvent(MaxEventID))

	err = el.TriggerUserEvent(MaxEventID)
	assert.ErrorIs(t, err, errors.ErrReservedEventID)
}

func TestTriggerUnknownUserEvent(t *testing.T) {
	el, err := NewEventLoop()
	require.NoError(t, err)
	defer func() { require.NoError(t, el.Close()) }()

	err = el.TriggerUserEvent(3)
	assert.ErrorIs(t, err, errors.ErrUnknownEventID)
}

func TestRemovalVisibleInsideCallback(t *testing.T) {
	el, err := NewEventLoop()
	require.NoError(t, err)
	defer func() { require.NoError(t, el.Close()) }()

	sawRemoval := false
	require.NoError(t, el.AddUserEvent(4, func(el *EventLoop, id EventID, _ interface{}) {
		require.NoError(t, el.RemoveUserEvent(id))
		sawRemoval = !el.HasUserEvent(id)
	}))
	require.NoError(t, el.TriggerUserEvent(4))

	require.NoError(t, el.RunOnce(100))

	assert.True(t, sawRemoval)
	assert.False(t, el.HasUserEvent(4))
}

func TestTriggersCoalesce(t *testing.T) {
	el, err := NewEventLoop()
	require.NoError(t, err)
	defer func() { require.NoError(t, el.Close()) }()

	counter := 0
	require.NoError(t, el.AddUserEvent(5, func(_ *EventLoop, _ EventID, _ interface{}) {
		counter++
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, el.TriggerUserEvent(5))
	}

	require.NoError(t, el.RunOnce(100))
	assert.Equal(t, 1, counter)

	// A fresh trigger after dispatch fires again.
	require.NoError(t, el.TriggerUserEvent(5))
	require.NoError(t, el.RunOnce(100))
	assert.Equal(t, 2, counter)
}

func TestCloseBalancesFileDescriptors(t *testing.T) {
	before := countOpenFDs(t)

	el, err := NewEventLoop()
	require.NoError(t, err)
	require.NoError(t, el.AddTimer(1, 1000, nil))
	require.NoError(t, el.AddUserEvent(1, nil))
	require.NoError(t, el.AddServer(1, 5355, ServerCallbacks{}))

	require.NoError(t, el.Close())

	assert.Equal(t, before, countOpenFDs(t))
}

func TestStopWakesRun(t *testing.T) {
	el, err := NewEventLoop()
	require.NoError(t, err)
	defer func() { require.NoError(t, el.Close()) }()

	go func() {
		time.Sleep(50 * time.Millisecond)
		el.Stop()
	}()

	done := make(chan error, 1)
	go func() { done <- el.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
