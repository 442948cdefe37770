// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || netbsd || openbsd || linux
// +build darwin dragonfly freebsd netbsd openbsd linux

package controller

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woodpeckers/woodpeckers/config"
	"github.com/woodpeckers/woodpeckers/errors"
)

func newController(t *testing.T) *Controller {
	c, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func runUntil(t *testing.T, c *Controller, what string, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "timed out waiting for %s", what)
		require.NoError(t, c.loop.RunOnce(10))
	}
}

func addTestBird(t *testing.T, c *Controller) {
	require.NoError(t, c.AddMemoryOutput("Light"))
	require.NoError(t, c.AddMemoryOutput("Motor Back"))
	require.NoError(t, c.AddMemoryOutput("Motor Forward"))
	require.NoError(t, c.AddBird("Woody",
		[]string{"Light"}, []string{"Motor Back"}, []string{"Motor Forward"}))
}

func TestStartsInInitialState(t *testing.T) {
	c := newController(t)
	assert.Equal(t, StateInitial, c.State())
}

func TestRandomInStaysInBounds(t *testing.T) {
	c := newController(t)

	for i := 0; i < 100; i++ {
		v := c.randomIn(1, 3)
		assert.GreaterOrEqual(t, v, uint32(1))
		assert.LessOrEqual(t, v, uint32(3))
	}

	assert.Equal(t, uint32(5), c.randomIn(5, 5))
	assert.Equal(t, uint32(5), c.randomIn(5, 2))
}

func TestRejectsDuplicateOutputName(t *testing.T) {
	c := newController(t)

	require.NoError(t, c.AddMemoryOutput("Light"))
	err := c.AddMemoryOutput("Light")
	assert.ErrorIs(t, err, errors.ErrDuplicateOutputName)
}

func TestRejectsDuplicateBirdName(t *testing.T) {
	c := newController(t)

	require.NoError(t, c.AddBird("Woody", nil, nil, nil))
	err := c.AddBird("Woody", nil, nil, nil)
	assert.ErrorIs(t, err, errors.ErrDuplicateBirdName)
}

func TestRejectsUnknownOutputReference(t *testing.T) {
	c := newController(t)

	err := c.AddBird("Woody", []string{"No Such Output"}, nil, nil)
	assert.ErrorIs(t, err, errors.ErrUnknownOutputName)
}

func TestConfigureAppliesDocument(t *testing.T) {
	c := newController(t)

	cfg := config.Default()
	cfg.Settings.MinWait = 10
	cfg.Settings.MaxWait = 20
	cfg.Outputs = []config.Output{
		{Name: "Light", Type: config.OutputTypeMemory},
		{Name: "Motor", Type: config.OutputTypeMemory},
	}
	cfg.Birds = []config.Bird{
		{Name: "Woody", Statics: []string{"Light"}, Forwards: []string{"Motor"}},
	}

	require.NoError(t, c.Configure(cfg))

	assert.Equal(t, uint32(10), c.minWait)
	assert.Equal(t, uint32(20), c.maxWait)
	_, ok := c.Output("Light")
	assert.True(t, ok)
	_, ok = c.Output("Motor")
	assert.True(t, ok)
	require.Len(t, c.birds, 1)
	assert.Equal(t, "Woody", c.birds[0].name)
}

func TestConfigureRejectsBrokenDocument(t *testing.T) {
	c := newController(t)

	cfg := config.Default()
	cfg.Birds = []config.Bird{{Name: "Woody", Statics: []string{"Ghost"}}}

	err := c.Configure(cfg)
	assert.ErrorIs(t, err, errors.ErrUnknownOutputName)
}

func TestRunRequiresSetUp(t *testing.T) {
	c := newController(t)

	err := c.Run()
	assert.ErrorIs(t, err, errors.ErrControllerNotSetUp)
}

func TestSetUpFailsOnGPIOOutput(t *testing.T) {
	c := newController(t)

	require.NoError(t, c.AddGPIOOutput("Servo", 42))
	err := c.SetUp()
	assert.ErrorIs(t, err, errors.ErrOutputNotImplemented)
}

func TestSetUpAndTearDownCycleStates(t *testing.T) {
	c := newController(t)
	addTestBird(t, c)

	require.NoError(t, c.SetUp())
	assert.Equal(t, StateStartup, c.State())

	c.TearDown()
	assert.Equal(t, StateInitial, c.State())

	// A torn down controller can be set up again.
	require.NoError(t, c.SetUp())
	assert.Equal(t, StateStartup, c.State())
}

func TestStartupPositionsBirds(t *testing.T) {
	c := newController(t)
	addTestBird(t, c)

	require.NoError(t, c.SetUp())
	require.NoError(t, c.loop.TriggerUserEvent(startupEventID))
	runUntil(t, c, "the waiting state", func() bool { return c.State() == StateWaiting })

	light, _ := c.Output("Light")
	back, _ := c.Output("Motor Back")
	forward, _ := c.Output("Motor Forward")
	assert.True(t, light.Value())
	assert.True(t, back.Value())
	assert.False(t, forward.Value())
}

func TestPeckCycleSwingsAndReturnsToWaiting(t *testing.T) {
	c := newController(t)
	addTestBird(t, c)
	c.SetMinWait(10)
	c.SetMaxWait(20)
	c.SetMinPecks(1)
	c.SetMaxPecks(1)
	c.SetPeckWait(5)

	require.NoError(t, c.SetUp())
	require.NoError(t, c.loop.TriggerUserEvent(startupEventID))
	runUntil(t, c, "the waiting state", func() bool { return c.State() == StateWaiting })

	forward, _ := c.Output("Motor Forward")
	swungForward := false
	runUntil(t, c, "the pecking state", func() bool { return c.State() == StatePecking })
	runUntil(t, c, "the peck run to finish", func() bool {
		if forward.Value() {
			swungForward = true
		}
		return c.State() == StateWaiting
	})

	assert.True(t, swungForward)
	assert.False(t, forward.Value())
}

func TestPeckRequestShortensTheWait(t *testing.T) {
	c := newController(t)
	addTestBird(t, c)
	c.SetMinWait(60000)
	c.SetMaxWait(60000)
	c.SetMinPecks(1)
	c.SetMaxPecks(1)
	c.SetPeckWait(5)

	require.NoError(t, c.SetUp())
	require.NoError(t, c.loop.TriggerUserEvent(startupEventID))
	runUntil(t, c, "the waiting state", func() bool { return c.State() == StateWaiting })

	require.NoError(t, c.loop.TriggerUserEvent(peckRequestEventID))
	runUntil(t, c, "the pecking state", func() bool { return c.State() == StatePecking })
}

func TestPeckRequestIgnoredWhilePecking(t *testing.T) {
	c := newController(t)
	addTestBird(t, c)
	c.SetMinWait(10)
	c.SetMaxWait(10)
	c.SetMinPecks(100)
	c.SetMaxPecks(100)
	c.SetPeckWait(60000)

	require.NoError(t, c.SetUp())
	require.NoError(t, c.loop.TriggerUserEvent(startupEventID))
	runUntil(t, c, "the pecking state", func() bool { return c.State() == StatePecking })

	require.NoError(t, c.loop.TriggerUserEvent(peckRequestEventID))
	require.NoError(t, c.loop.RunOnce(50))
	assert.Equal(t, StatePecking, c.State())
}

func TestControlServerStopsTheRun(t *testing.T) {
	c := newController(t)
	addTestBird(t, c)
	c.SetMinWait(60000)
	c.SetMaxWait(60000)
	c.SetControlPort(5370)

	require.NoError(t, c.SetUp())

	go func() {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", 5370), 2*time.Second)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("status\nstop\n"))
	}()

	done := make(chan error, 1)
	go func() { done <- c.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("the control server did not stop the run")
	}
}

func TestControlServerTriggersPecks(t *testing.T) {
	c := newController(t)
	addTestBird(t, c)
	c.SetMinWait(60000)
	c.SetMaxWait(60000)
	c.SetMinPecks(1)
	c.SetMaxPecks(1)
	c.SetPeckWait(5)
	c.SetControlPort(5371)

	require.NoError(t, c.SetUp())
	require.NoError(t, c.loop.TriggerUserEvent(startupEventID))
	runUntil(t, c, "the waiting state", func() bool { return c.State() == StateWaiting })

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", 5371), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("pe"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("ck\n"))
	require.NoError(t, err)

	runUntil(t, c, "the pecking state", func() bool { return c.State() == StatePecking })
}

func TestUnknownControlCommandIsIgnored(t *testing.T) {
	c := newController(t)
	addTestBird(t, c)
	c.SetMinWait(60000)
	c.SetMaxWait(60000)
	c.SetControlPort(5372)

	require.NoError(t, c.SetUp())
	require.NoError(t, c.loop.TriggerUserEvent(startupEventID))
	runUntil(t, c, "the waiting state", func() bool { return c.State() == StateWaiting })

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", 5372), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("dance\n"))
	require.NoError(t, err)

	require.NoError(t, c.loop.RunOnce(100))
	assert.Equal(t, StateWaiting, c.State())
}
