// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sys holds system- and configuration-dependent constants
// used by the scheduler.
package sys

// PtrSize is the size in bytes of a pointer: 4 on 32-bit systems,
// 8 on 64-bit systems.
const PtrSize = 4 << (^uintptr(0) >> 63)
