// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package atomic provides the small set of atomic primitives the
// scheduler needs, in the shape the scheduler code wants to use them.
package atomic

import (
	hostatomic "sync/atomic"
	"unsafe"
)

// Load reads *addr.
func Load(addr *uint32) uint32 {
	return hostatomic.LoadUint32(addr)
}

// Xadd adds delta to *addr and returns the new value.
// A negative delta works by two's-complement wraparound.
func Xadd(addr *uint32, delta int32) uint32 {
	return hostatomic.AddUint32(addr, uint32(delta))
}

// Cas executes the compare-and-swap *addr == old -> new,
// reporting whether it succeeded.
func Cas(addr *uint32, old, new uint32) bool {
	return hostatomic.CompareAndSwapUint32(addr, old, new)
}

// Loadint32 reads *addr.
func Loadint32(addr *int32) int32 {
	return hostatomic.LoadInt32(addr)
}

// Storeint32 writes v to *addr.
func Storeint32(addr *int32, v int32) {
	hostatomic.StoreInt32(addr, v)
}

// StorepNoWB publishes val at *ptr with release semantics, so that
// walkers reading the location without a lock observe a fully
// initialized object.
func StorepNoWB(ptr unsafe.Pointer, val unsafe.Pointer) {
	hostatomic.StorePointer((*unsafe.Pointer)(ptr), val)
}
