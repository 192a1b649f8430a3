// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsched

import "runtime"

// newosproc starts a new worker OS thread running mstart. The
// scheduler task's goroutine is wired to the thread for its lifetime.
func newosproc(mp *M) {
	go func() {
		runtime.LockOSThread()
		mstart(mp)
	}()
}

// minit is called to initialize a new m.
// Called on the new thread, can not allocate memory.
func minit(mp *M) {
}

// osyield briefly surrenders the cpu to other threads.
func osyield() {
	runtime.Gosched()
}

// exit terminates the scheduled world with the given status code.
// The first call wins; Run reports the code to the caller.
func exit(code int32) {
	if sched.exited {
		return
	}
	sched.exited = true
	sched.exitcode = code
	notewakeup(&sched.done)
}
