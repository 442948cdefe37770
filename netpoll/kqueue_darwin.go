// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build darwin
// +build darwin

package netpoll

import "golang.org/x/sys/unix"

// NOTE_CRITICAL keeps timer deadlines strict under timer coalescing.
const timerFflags = unix.NOTE_CRITICAL
