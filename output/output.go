// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package output drives the physical and simulated actuators. An
// output is a named boolean cell: memory outputs hold the value in
// process, file outputs persist it as a '1' or '0' byte, GPIO outputs
// target a hardware pin.
package output

import (
	"os"

	"github.com/woodpeckers/woodpeckers/errors"
	"github.com/woodpeckers/woodpeckers/logging"
)

const logTag = "output"

// Output is one named boolean actuator.
type Output interface {
	// Name returns the name the output was declared under.
	Name() string
	// SetUp acquires whatever the output writes to. It must be called
	// before the first SetValue.
	SetUp() error
	// TearDown releases the resources acquired by SetUp.
	TearDown()
	// Value reports the current value. Memory and GPIO outputs report
	// the last value written, or false before any write; a File output
	// reads its cell back from the file, which may hold a value written
	// before SetUp.
	Value() bool
	// SetValue writes a new value.
	SetValue(value bool)
}

// Memory is an in-process output used for tests and dry runs.
type Memory struct {
	name  string
	value bool
}

// NewMemory returns a memory output.
func NewMemory(name string) *Memory {
	return &Memory{name: name}
}

func (m *Memory) Name() string        { return m.name }
func (m *Memory) SetUp() error        { return nil }
func (m *Memory) TearDown()           {}
func (m *Memory) Value() bool         { return m.value }
func (m *Memory) SetValue(value bool) { m.value = value }

// File is an output persisting its value as a single byte at the start
// of a file, '1' for on and '0' for off.
type File struct {
	name string
	path string
	file *os.File
}

// NewFile returns a file output writing to path.
func NewFile(name, path string) *File {
	return &File{name: name, path: path}
}

func (f *File) Name() string { return f.name }

// SetUp opens or creates the backing file.
func (f *File) SetUp() error {
	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		logging.Errnof(logTag, err, "opening %s for output %s failed", f.path, f.name)
		return err
	}
	f.file = file
	return nil
}

// TearDown closes the backing file.
func (f *File) TearDown() {
	if f.file == nil {
		return
	}
	if err := f.file.Close(); err != nil {
		logging.Errnof(logTag, err, "closing %s for output %s failed", f.path, f.name)
	}
	f.file = nil
}

// Value reads the cell back from the file.
func (f *File) Value() bool {
	if f.file == nil {
		return false
	}
	var cell [1]byte
	if _, err := f.file.ReadAt(cell[:], 0); err != nil {
		return false
	}
	return cell[0] == '1'
}

// SetValue writes the cell.
func (f *File) SetValue(value bool) {
	if f.file == nil {
		return
	}
	cell := byte('0')
	if value {
		cell = '1'
	}
	if _, err := f.file.WriteAt([]byte{cell}, 0); err != nil {
		logging.Errnof(logTag, err, "writing %s for output %s failed", f.path, f.name)
	}
}

// GPIO is an output targeting a hardware pin.
//
// TODO: drive the pin through the character device interface; until
// then SetUp fails and the value is only tracked in process.
type GPIO struct {
	name  string
	pin   int
	value bool
}

// NewGPIO returns a GPIO output for pin.
func NewGPIO(name string, pin int) *GPIO {
	return &GPIO{name: name, pin: pin}
}

func (g *GPIO) Name() string { return g.name }

// Pin returns the declared pin number.
func (g *GPIO) Pin() int { return g.pin }

// SetUp reports that GPIO hardware is not driven yet.
func (g *GPIO) SetUp() error {
	logging.Errorf(logTag, "output %s: gpio pin %d is not supported on this host", g.name, g.pin)
	return errors.ErrOutputNotImplemented
}

func (g *GPIO) TearDown() {}

func (g *GPIO) Value() bool { return g.value }

func (g *GPIO) SetValue(value bool) { g.value = value }
