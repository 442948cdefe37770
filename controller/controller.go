// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package controller runs the woodpecker show. It owns the event loop,
// the outputs and the birds, and cycles between waiting a random
// interval and performing a random number of pecks.
//
// A bird is a set of outputs: statics are held on for the whole run,
// backs and forwards model the two positions of the mechanical pecker.
// One peck is a full back-forward-back swing.
package controller

import (
	"bytes"
	"math/rand"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/woodpeckers/woodpeckers"
	"github.com/woodpeckers/woodpeckers/config"
	"github.com/woodpeckers/woodpeckers/errors"
	"github.com/woodpeckers/woodpeckers/logging"
	"github.com/woodpeckers/woodpeckers/output"
)

const logTag = "controller"

const (
	defaultMinWait  = 1000
	defaultMaxWait  = 5000
	defaultMinPecks = 2
	defaultMaxPecks = 4
	defaultPeckWait = 500
)

const (
	waitTimerID woodpeckers.EventID = 1
	peckTimerID woodpeckers.EventID = 2

	startupEventID     woodpeckers.EventID = 1
	peckRequestEventID woodpeckers.EventID = 2

	controlServerID woodpeckers.EventID = 1
)

// State is the controller's lifecycle state.
type State int

// Controller states, in the order they are normally entered.
const (
	StateInitial State = iota
	StateStartup
	StateWaiting
	StatePecking
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateStartup:
		return "Startup"
	case StateWaiting:
		return "Waiting"
	case StatePecking:
		return "Pecking"
	}
	return "Unknown"
}

type bird struct {
	name     string
	statics  []output.Output
	backs    []output.Output
	forwards []output.Output
	forward  bool
}

func (b *bird) position(forward bool) {
	b.forward = forward
	for _, o := range b.backs {
		o.SetValue(!forward)
	}
	for _, o := range b.forwards {
		o.SetValue(forward)
	}
}

// Controller drives the show. Construct with New, then configure, set
// up and run. All methods belong to the goroutine running the loop.
type Controller struct {
	minWait  uint32
	maxWait  uint32
	minPecks uint32
	maxPecks uint32
	peckWait uint32

	controlPort uint16

	loop  *woodpeckers.EventLoop
	state State

	outputs     map[string]output.Output
	outputOrder []output.Output
	birds       []*bird
	birdNames   map[string]bool

	pecksRemaining uint32
	rng            *rand.Rand

	// pending accumulates partial command lines per control peer.
	pending map[woodpeckers.EventID][]byte

	isSetUp bool
}

// New creates a controller with default settings and a fresh event
// loop.
func New() (*Controller, error) {
	loop, err := woodpeckers.NewEventLoop()
	if err != nil {
		return nil, err
	}
	return &Controller{
		minWait:   defaultMinWait,
		maxWait:   defaultMaxWait,
		minPecks:  defaultMinPecks,
		maxPecks:  defaultMaxPecks,
		peckWait:  defaultPeckWait,
		loop:      loop,
		outputs:   make(map[string]output.Output),
		birdNames: make(map[string]bool),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		pending:   make(map[woodpeckers.EventID][]byte),
	}, nil
}

// Close tears the controller down and closes the event loop.
func (c *Controller) Close() error {
	c.TearDown()
	return c.loop.Close()
}

// SetMinWait sets the minimum random wait between peck runs, in
// milliseconds.
func (c *Controller) SetMinWait(value uint32) { c.minWait = value }

// SetMaxWait sets the maximum random wait between peck runs, in
// milliseconds.
func (c *Controller) SetMaxWait(value uint32) { c.maxWait = value }

// SetMinPecks sets the minimum number of pecks per run.
func (c *Controller) SetMinPecks(value uint32) { c.minPecks = value }

// SetMaxPecks sets the maximum number of pecks per run.
func (c *Controller) SetMaxPecks(value uint32) { c.maxPecks = value }

// SetPeckWait sets the swing interval within a peck run, in
// milliseconds.
func (c *Controller) SetPeckWait(value uint32) { c.peckWait = value }

// SetControlPort enables the loopback control server on port. Zero
// leaves it disabled.
func (c *Controller) SetControlPort(port uint16) { c.controlPort = port }

// State reports the current lifecycle state.
func (c *Controller) State() State { return c.state }

// Output returns the output declared under name.
func (c *Controller) Output(name string) (output.Output, bool) {
	o, ok := c.outputs[name]
	return o, ok
}

// Configure applies a parsed configuration: settings, outputs and
// birds.
func (c *Controller) Configure(cfg *config.Config) error {
	c.minWait = cfg.Settings.MinWait
	c.maxWait = cfg.Settings.MaxWait
	c.minPecks = cfg.Settings.MinPecks
	c.maxPecks = cfg.Settings.MaxPecks
	c.peckWait = cfg.Settings.PeckWait
	for _, o := range cfg.Outputs {
		var err error
		switch o.Type {
		case config.OutputTypeMemory:
			err = c.AddMemoryOutput(o.Name)
		case config.OutputTypeFile:
			err = c.AddFileOutput(o.Name, o.Path)
		case config.OutputTypeGPIO:
			err = c.AddGPIOOutput(o.Name, o.Pin)
		default:
			err = errors.ErrUnknownOutputType
		}
		if err != nil {
			return err
		}
	}
	for _, b := range cfg.Birds {
		if err := c.AddBird(b.Name, b.Statics, b.Backs, b.Forwards); err != nil {
			return err
		}
	}
	return nil
}

// AddMemoryOutput declares an in-process output.
func (c *Controller) AddMemoryOutput(name string) error {
	return c.addOutput(output.NewMemory(name))
}

// AddFileOutput declares a file-backed output.
func (c *Controller) AddFileOutput(name, path string) error {
	return c.addOutput(output.NewFile(name, path))
}

// AddGPIOOutput declares a hardware pin output.
func (c *Controller) AddGPIOOutput(name string, pin int) error {
	return c.addOutput(output.NewGPIO(name, pin))
}

func (c *Controller) addOutput(o output.Output) error {
	if _, ok := c.outputs[o.Name()]; ok {
		logging.Errorf(logTag, "output %s is already declared", o.Name())
		return errors.ErrDuplicateOutputName
	}
	c.outputs[o.Name()] = o
	c.outputOrder = append(c.outputOrder, o)
	return nil
}

// AddBird declares a bird and resolves its output names.
func (c *Controller) AddBird(name string, statics, backs, forwards []string) error {
	if c.birdNames[name] {
		logging.Errorf(logTag, "bird %s is already declared", name)
		return errors.ErrDuplicateBirdName
	}
	b := &bird{name: name}
	for _, group := range []struct {
		names  []string
		target *[]output.Output
	}{
		{statics, &b.statics},
		{backs, &b.backs},
		{forwards, &b.forwards},
	} {
		for _, outputName := range group.names {
			o, ok := c.outputs[outputName]
			if !ok {
				logging.Errorf(logTag, "bird %s references unknown output %s", name, outputName)
				return errors.ErrUnknownOutputName
			}
			*group.target = append(*group.target, o)
		}
	}
	c.birdNames[name] = true
	c.birds = append(c.birds, b)
	return nil
}

// SetUp prepares outputs and registrations. The first dispatch after
// Run starts the wait-peck cycle.
func (c *Controller) SetUp() error {
	c.changeState(StateStartup)
	for _, o := range c.outputOrder {
		if err := o.SetUp(); err != nil {
			return err
		}
	}
	err := c.loop.AddUserEvent(startupEventID, func(_ *woodpeckers.EventLoop, _ woodpeckers.EventID, _ interface{}) {
		c.startup()
	})
	if err != nil {
		return err
	}
	err = c.loop.AddUserEvent(peckRequestEventID, func(_ *woodpeckers.EventLoop, _ woodpeckers.EventID, _ interface{}) {
		c.peckRequested()
	})
	if err != nil {
		return err
	}
	if c.controlPort != 0 {
		err = c.loop.AddServer(controlServerID, c.controlPort, woodpeckers.ServerCallbacks{
			DidReceiveData:    c.controlDataReceived,
			PeerDidDisconnect: c.controlPeerDisconnected,
		})
		if err != nil {
			return err
		}
	}
	c.isSetUp = true
	return nil
}

// TearDown unwinds SetUp. The controller can be set up again
// afterwards.
func (c *Controller) TearDown() {
	if !c.isSetUp {
		return
	}
	_ = c.loop.RemoveTimer(waitTimerID)
	_ = c.loop.RemoveTimer(peckTimerID)
	_ = c.loop.RemoveUserEvent(startupEventID)
	_ = c.loop.RemoveUserEvent(peckRequestEventID)
	if c.controlPort != 0 {
		_ = c.loop.RemoveServer(controlServerID)
	}
	for _, o := range c.outputOrder {
		o.TearDown()
	}
	c.pending = make(map[woodpeckers.EventID][]byte)
	c.isSetUp = false
	c.changeState(StateInitial)
}

// Run blocks in the event loop until Stop is called.
func (c *Controller) Run() error {
	if !c.isSetUp {
		logging.Errorf(logTag, "run requested before set up")
		return errors.ErrControllerNotSetUp
	}
	if err := c.loop.TriggerUserEvent(startupEventID); err != nil {
		return err
	}
	return c.loop.Run()
}

// Stop makes Run return. Safe to call from any goroutine.
func (c *Controller) Stop() {
	c.loop.Stop()
}

// EventLoop exposes the loop for callers driving it manually.
func (c *Controller) EventLoop() *woodpeckers.EventLoop {
	return c.loop
}

func (c *Controller) changeState(newState State) {
	logging.Infof(logTag, "Changing state from %s to %s", c.state, newState)
	c.state = newState
}

func (c *Controller) startup() {
	for _, b := range c.birds {
		for _, o := range b.statics {
			o.SetValue(true)
		}
		b.position(false)
	}
	c.beginWaiting()
}

func (c *Controller) beginWaiting() {
	c.changeState(StateWaiting)
	interval := c.randomIn(c.minWait, c.maxWait)
	if err := c.loop.AddTimer(waitTimerID, int64(interval), func(_ *woodpeckers.EventLoop, _ woodpeckers.EventID, _ interface{}) {
		c.waitFinished()
	}); err != nil {
		logging.Errorf(logTag, "scheduling the wait timer failed: %v", err)
	}
}

func (c *Controller) waitFinished() {
	_ = c.loop.RemoveTimer(waitTimerID)
	c.beginPecking()
}

func (c *Controller) beginPecking() {
	c.changeState(StatePecking)
	c.pecksRemaining = c.randomIn(c.minPecks, c.maxPecks)
	logging.Debugf(logTag, "Pecking %d times", c.pecksRemaining)
	if err := c.loop.AddTimer(peckTimerID, int64(c.peckWait), func(_ *woodpeckers.EventLoop, _ woodpeckers.EventID, _ interface{}) {
		c.peckSwing()
	}); err != nil {
		logging.Errorf(logTag, "scheduling the peck timer failed: %v", err)
	}
}

func (c *Controller) peckSwing() {
	forward := false
	for _, b := range c.birds {
		b.position(!b.forward)
		forward = b.forward
	}
	if forward {
		return
	}
	// Every bird is back again, one full peck is done.
	if c.pecksRemaining > 0 {
		c.pecksRemaining--
	}
	if c.pecksRemaining == 0 {
		_ = c.loop.RemoveTimer(peckTimerID)
		c.beginWaiting()
	}
}

func (c *Controller) peckRequested() {
	if c.state != StateWaiting {
		logging.Debugf(logTag, "Peck requested while %s, ignoring", c.state)
		return
	}
	_ = c.loop.RemoveTimer(waitTimerID)
	c.beginPecking()
}

// randomIn picks uniformly from [min, max], inclusive at both ends.
func (c *Controller) randomIn(min, max uint32) uint32 {
	if max <= min {
		return min
	}
	return min + uint32(c.rng.Intn(int(max-min)+1))
}

func (c *Controller) controlDataReceived(_ *woodpeckers.EventLoop, _, peerID woodpeckers.EventID, data []byte, _ interface{}) {
	buffered := append(c.pending[peerID], data...)
	for {
		idx := bytes.IndexByte(buffered, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(buffered[:idx])
		buffered = buffered[idx+1:]
		if len(line) > 0 {
			c.handleControlCommand(string(line))
		}
	}
	if len(buffered) == 0 {
		delete(c.pending, peerID)
	} else {
		c.pending[peerID] = buffered
	}
}

func (c *Controller) controlPeerDisconnected(_ *woodpeckers.EventLoop, _, peerID woodpeckers.EventID, _ interface{}) {
	delete(c.pending, peerID)
}

func (c *Controller) handleControlCommand(command string) {
	switch command {
	case "status":
		c.logStatus()
	case "peck":
		if err := c.loop.TriggerUserEvent(peckRequestEventID); err != nil {
			logging.Errorf(logTag, "requesting a peck failed: %v", err)
		}
	case "stop":
		logging.Infof(logTag, "Stop requested over the control server")
		c.Stop()
	default:
		logging.Warnf(logTag, "Unknown control command %q", command)
	}
}

func (c *Controller) logStatus() {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	_, _ = buf.WriteString("state=")
	_, _ = buf.WriteString(c.state.String())
	for _, b := range c.birds {
		_, _ = buf.WriteString(" bird:")
		_, _ = buf.WriteString(b.name)
		if b.forward {
			_, _ = buf.WriteString("=forward")
		} else {
			_, _ = buf.WriteString("=back")
		}
	}
	for _, o := range c.outputOrder {
		_, _ = buf.WriteString(" output:")
		_, _ = buf.WriteString(o.Name())
		if o.Value() {
			_, _ = buf.WriteString("=on")
		} else {
			_, _ = buf.WriteString("=off")
		}
	}
	logging.Infof(logTag, "%s", buf.String())
}
