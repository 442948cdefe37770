// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build dragonfly || freebsd || netbsd || openbsd
// +build dragonfly freebsd netbsd openbsd

package netpoll

// The BSDs default EVFILT_TIMER to milliseconds and have no coalescing
// hint to suppress.
const timerFflags = 0
