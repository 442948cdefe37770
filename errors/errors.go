// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package errors holds the sentinel errors shared across the module.
package errors

import "errors"

var (
	// ErrDuplicateEventID occurs when registering an event id that is already live in its registry.
	ErrDuplicateEventID = errors.New("event id is already registered")
	// ErrReservedEventID occurs when registering or triggering the internal wakeup id.
	ErrReservedEventID = errors.New("event id is reserved for internal use")
	// ErrUnknownEventID occurs when triggering a user event that was never registered.
	ErrUnknownEventID = errors.New("no user event with this id")
	// ErrEventLoopClosed occurs when operating on an event loop after Close.
	ErrEventLoopClosed = errors.New("event loop is closed")

	// ================================== configuration errors ==================================.

	// ErrMissingItemName occurs when an outputs or birds list item carries no null-valued name key.
	ErrMissingItemName = errors.New("list item has no name key")
	// ErrUnknownConfigKey occurs when a mapping carries a key the schema does not define.
	ErrUnknownConfigKey = errors.New("unknown configuration key")
	// ErrMissingOutputType occurs when an output item has no Type key.
	ErrMissingOutputType = errors.New("output has no type")
	// ErrUnknownOutputType occurs when an output Type is not Memory, File or GPIO.
	ErrUnknownOutputType = errors.New("unknown output type")
	// ErrMissingOutputPath occurs when a File output has no Path key.
	ErrMissingOutputPath = errors.New("file output has no path")
	// ErrMissingOutputPin occurs when a GPIO output has no Pin key.
	ErrMissingOutputPin = errors.New("gpio output has no pin")
	// ErrMalformedConfig occurs when the document shape is not the expected mapping or sequence.
	ErrMalformedConfig = errors.New("malformed configuration document")

	// ==================================== controller errors ====================================.

	// ErrUnknownOutputName occurs when a bird references an output that was never added.
	ErrUnknownOutputName = errors.New("no output with this name")
	// ErrDuplicateOutputName occurs when adding two outputs under one name.
	ErrDuplicateOutputName = errors.New("output name is already taken")
	// ErrDuplicateBirdName occurs when adding two birds under one name.
	ErrDuplicateBirdName = errors.New("bird name is already taken")
	// ErrOutputNotImplemented occurs when setting up an output kind with no host support.
	ErrOutputNotImplemented = errors.New("output kind is not implemented on this host")
	// ErrControllerNotSetUp occurs when running a controller before SetUp.
	ErrControllerNotSetUp = errors.New("controller is not set up")
)
