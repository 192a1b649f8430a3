// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsched

import (
	"reflect"
	"runtime"

	"github.com/veezhang/gsched/internal/sys"
)

// Context switching.
//
// On real hardware these are a handful of assembly routines that save
// and restore registers. Here every task is backed by a parked host
// goroutine and the routines move control between them: gogo wakes a
// task, mcall hands a function to the M's scheduler task and parks,
// and gogocall starts a fresh task goroutine running the entry
// through the call adapter.

// gosave saves the task's context into its sched buffer.
func gosave(gp *G) {
	gp.sched.sp = gp.cursp
	gp.sched.pc = getcallerpc()
	gp.sched.g = gp
}

// gogo resumes gp, delivering ret as the value of the mcall that
// parked it. gogo never blocks: the wake slot holds one pending
// resume, so a wakeup may arrive before the task has parked.
func gogo(gp *G, ret uintptr) {
	gp.wake <- ret
}

// gogocall launches a fresh task: a new host goroutine runs fn on
// gp's stack and falls into goexit0 when it returns.
func gogocall(gp *G, fn *funcval) {
	go gentry(gp, fn)
}

// mcall switches to the M's scheduler task, runs fn(m, gp) there, and
// parks gp until something calls gogo(gp). The scheduler task runs in
// the mstart loop, so each mcall reuses the context saved at mstart
// rather than growing a call chain.
func mcall(gp *G, fn mcallfn) uintptr {
	mp := gp.m
	if gp == mp.g0 {
		throw("mcall called on m->g0 stack")
	}
	gosave(gp)
	mp.calls <- mcallreq{fn, gp}
	ret := <-gp.wake
	if gp.unwindargp != 0 {
		// recovery rewired the task to resume at a frame below
		// us; unwind the host stack out to its call adapter.
		argp := gp.unwindargp
		gp.unwindargp = 0
		panic(&stkunwind{g: gp, argp: argp})
	}
	return ret
}

// Control-transfer tokens thrown across the host stack.
// stkunwind unwinds to the call adapter owning argp (recovery);
// gexitunwind unwinds all the way out of the task (Goexit).
type stkunwind struct {
	g    *G
	argp uintptr
}

type gexitunwind struct {
	g *G
}

// gentry is the outermost frame of every task's host goroutine.
func gentry(gp *G, fn *funcval) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				if ex, ok := r.(*gexitunwind); !ok || ex.g != gp {
					panic(r)
				}
			}
		}()
		gp.cursp = gp.sched.sp - sys.PtrSize
		docall(gp, fn, gp.sched.sp)
	}()
	goexit0(gp)
}

// goexit0 is where a task lands when its entry function returns: the
// task becomes moribund and its M's scheduler takes over. A fresh
// task's saved pc points here so schedule can tell kickoff from
// resume. The host goroutine exits on return.
func goexit0(gp *G) {
	gp.status = _Gmoribund
	mp := gp.m
	mp.calls <- mcallreq{schedule, gp}
}

var goexitPC uintptr

func init() {
	goexitPC = funcPC(goexit0)
}

// docall invokes fn with its argument frame at argp and runs the
// frame's epilogue: deferred calls whose argp matches, then the
// return. It is also the catch point for recovery: when an in-flight
// panic is recovered by a deferred call of this frame, the unwind
// lands here and the frame returns 1 instead of 0, the signal the
// epilogue protocol uses for "jump to the function exit".
func docall(gp *G, fn *funcval, argp uintptr) (ret uintptr) {
	defer func() {
		if r := recover(); r != nil {
			uw, ok := r.(*stkunwind)
			if !ok || uw.g != gp || uw.argp != argp {
				panic(r)
			}
			deferreturn(gp, argp)
			ret = 1
		}
	}()
	fn.fn(gp, argp)
	deferreturn(gp, argp)
	return 0
}

// getcallerpc returns the pc of the caller of the function calling
// getcallerpc.
func getcallerpc() uintptr {
	pc, _, _, ok := runtime.Caller(2)
	if !ok {
		return 0
	}
	return pc
}

// funcPC returns the entry pc of f, for pc sentinels and profiling.
func funcPC(f interface{}) uintptr {
	return reflect.ValueOf(f).Pointer()
}
