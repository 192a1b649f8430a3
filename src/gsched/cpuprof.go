// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsched

import (
	"time"

	"github.com/veezhang/gsched/internal/atomic"
)

// CPU profiling. On a real system a timer signal interrupts each
// worker hz times a second; here each worker runs a ticker at the
// configured rate and samples its current task. The profiler table
// has its own lock and must never be held across notesleep.
var prof struct {
	lock  mutex
	fn    func([]uintptr)
	hz    int32
	pcbuf [100]uintptr
}

// sigprof delivers one profiling sample for gp to the installed
// callback. Safe to call with no profiler installed.
func sigprof(gp *G) {
	if prof.fn == nil || prof.hz == 0 {
		return
	}
	lock(&prof.lock)
	if prof.fn == nil {
		unlock(&prof.lock)
		return
	}
	n := 0
	if gp != nil && gp.gopc != 0 {
		prof.pcbuf[n] = gp.gopc
		n++
	}
	if gp != nil && gp.sched.pc != 0 && gp.sched.pc != goexitPC {
		prof.pcbuf[n] = gp.sched.pc
		n++
	}
	if n > 0 {
		prof.fn(prof.pcbuf[:n])
	}
	unlock(&prof.lock)
}

// SetCPUProfileRate installs fn as the profiling callback, invoked
// with a pc buffer roughly hz times a second per busy worker.
// A zero rate, or a nil fn, disables profiling.
func SetCPUProfileRate(fn func([]uintptr), hz int32) {
	// Force sane arguments.
	if hz < 0 {
		hz = 0
	}
	if hz == 0 {
		fn = nil
	}
	if fn == nil {
		hz = 0
	}

	lock(&prof.lock)
	prof.fn = fn
	prof.hz = hz
	unlock(&prof.lock)

	schedlock(nil)
	atomic.Storeint32(&sched.profilehz, hz)
	schedunlock(nil)
}

// resetcpuprofiler adjusts the worker's sampling tick to hz. Called
// from the scheduler when the configured rate changes. The tick
// samples m.curg without the scheduler lock, the way a profiling
// signal would.
func resetcpuprofiler(mp *M, hz int32) {
	if mp.profstop != nil {
		close(mp.profstop)
		mp.profstop = nil
	}
	mp.profilehz = hz
	if hz <= 0 {
		return
	}
	stop := make(chan struct{})
	mp.profstop = stop
	go func() {
		tick := time.NewTicker(time.Second / time.Duration(hz))
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				sigprof(mp.curg)
			}
		}
	}()
}
