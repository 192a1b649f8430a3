// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsched

import "github.com/veezhang/gsched/internal/sys"

// fatalError is the value thrown on invariant violations. Nothing in
// the scheduler recovers it; the host runtime kills the process when
// it reaches the top of a worker's stack.
type fatalError string

func (e fatalError) Error() string { return string(e) }

func throw(s string) {
	print("fatal error: ", s, "\n")
	panic(fatalError(s))
}

// Pool of defer records, so a defer-heavy task does not allocate on
// every call. Records marked nofree never enter the pool.
var deferpool struct {
	lock mutex
	free *_defer
}

func newdefer(siz int32) *_defer {
	lock(&deferpool.lock)
	d := deferpool.free
	if d != nil && int32(cap(d.args)) >= siz {
		deferpool.free = d.link
	} else {
		d = nil
	}
	unlock(&deferpool.lock)
	if d == nil {
		return &_defer{args: make([]byte, siz)}
	}
	d.args = d.args[:siz]
	d.nofree = false
	d.link = nil
	return d
}

func freedefer(d *_defer) {
	if d.nofree {
		return
	}
	d.fn = nil
	d.argp = 0
	d.pc = 0
	lock(&deferpool.lock)
	d.link = deferpool.free
	deferpool.free = d
	unlock(&deferpool.lock)
}

// deferproc pushes a deferred call of fn onto gp's defer chain. The
// argument frame of the deferring function begins at argp; siz bytes
// of it are snapshotted now and restored when the call runs.
// deferproc returns 0 normally. A deferred func that stops a panic
// makes the frame's call site return 1 instead, and the epilogue
// protocol jumps to the function exit on a nonzero return.
func deferproc(gp *G, siz int32, fn *funcval, argp uintptr) uintptr {
	if siz < 0 {
		throw("deferproc: negative argument size")
	}
	siz = (siz + sys.PtrSize - 1) &^ (sys.PtrSize - 1)
	d := newdefer(siz)
	d.fn = fn
	d.siz = siz
	d.pc = getcallerpc()
	d.argp = argp
	if siz > 0 {
		stkread(d.args[:siz], argp)
	}
	d.link = gp._defer
	gp._defer = d
	return 0
}

// deferreturn runs the deferred calls belonging to the frame at argp,
// most recent first. Each run restores the frame's argument snapshot
// before jumping into the deferred function, which reuses the frame.
// The compiler epilogue would chain one pop per pass; the loop here
// is that chain.
func deferreturn(gp *G, argp uintptr) {
	for {
		d := gp._defer
		if d == nil || d.argp != argp {
			return
		}
		gp._defer = d.link
		if d.siz > 0 {
			stkwrite(argp, d.args[:d.siz])
		}
		fn := d.fn
		freedefer(d)
		fn.fn(gp, argp)
	}
}

// rundefer runs all remaining deferred calls of the task, regardless
// of frame, through the reflective-call trampoline. Goexit uses it.
func rundefer(gp *G) {
	for {
		d := gp._defer
		if d == nil {
			return
		}
		gp._defer = d.link
		reflectcall(gp, d.fn, d.args[:d.siz], uint32(d.siz))
		freedefer(d)
	}
}

func printpanics(p *_panic) {
	if p.link != nil {
		printpanics(p.link)
		print("\t")
	}
	print("panic: ")
	printany(p.arg)
	if p.recovered {
		print(" [recovered]")
	}
	print("\n")
}

func printany(i interface{}) {
	switch v := i.(type) {
	case nil:
		print("nil")
	case bool:
		print(v)
	case int:
		print(v)
	case int32:
		print(v)
	case int64:
		print(v)
	case uint:
		print(v)
	case uint32:
		print(v)
	case uint64:
		print(v)
	case uintptr:
		print(v)
	case float64:
		print(v)
	case string:
		print(v)
	case error:
		print(v.Error())
	default:
		print("(", v, ")")
	}
}

// gopanic starts a panic on gp: a panic record is pushed and the
// defer chain is walked, each entry run in its own panic-tagged
// stack segment. If a deferred call recovers, control transfers to
// recovery on the scheduler task; if the chain empties first, the
// panic chain is printed and the process aborts.
func gopanic(gp *G, e interface{}) {
	p := &_panic{
		arg:       e,
		link:      gp._panic,
		stackbase: gp.stackbase,
	}
	gp._panic = p

	for {
		d := gp._defer
		if d == nil {
			break
		}
		// take defer off list in case of recursive panic
		gp._defer = d.link
		gp.ispanic = true // rock for newstack, where reflectcall ends up
		reflectcall(gp, d.fn, d.args[:d.siz], uint32(d.siz))
		if p.recovered {
			gp._panic = p.link
			if gp._panic == nil { // must be done with signal
				gp.sig = 0
			}
			// put recovering defer back on list
			// for the scheduler to find.
			d.link = gp._defer
			gp._defer = d
			mcall(gp, recovery)
			throw("recovery failed") // mcall should not return
		}
		freedefer(d)
	}

	// ran out of deferred calls - old-school panic now
	printpanics(gp._panic)
	fatalpanic()
}

// fatalpanic aborts the process after an unrecovered panic.
func fatalpanic() {
	exit(2)
	throw("panic")
}

// recovery runs on the scheduler task after a deferred call recovered
// an in-flight panic. It pops the recovering defer, rewinds the
// task's stack to the frame that registered it, and resumes the task
// so that the frame's defer site returns 1.
func recovery(mp *M, gp *G) {
	d := gp._defer
	if d == nil {
		throw("recovery with no defer")
	}
	gp._defer = d.link

	// Unwind to the stack frame with d's arguments in it.
	unwindstack(mp, gp, d.argp)

	gp.sched.sp = d.argp
	gp.sched.pc = d.pc
	gp.unwindargp = d.argp
	freedefer(d)
	gogo(gp, 1)
}

// gorecover is the recover operation: argp is the argument frame
// address of the function calling it. It succeeds only while a panic
// is in flight and the caller is the topmost frame of a segment
// created to run a deferred call for that panic.
func gorecover(gp *G, argp uintptr) interface{} {
	// Must be a panic going on.
	p := gp._panic
	if p == nil || p.recovered {
		return nil
	}

	// Frame must be at the top of the stack segment, because each
	// deferred call starts a new segment as a side effect of using
	// the reflective-call trampoline. Accept any argp between top
	// and top-argsize as indicating the top of the segment.
	top := gp.curtop
	if top == nil || argp < top.addr-uintptr(top.argsize) || top.addr < argp {
		return nil
	}

	// The deferred call makes a segment big enough for the argument
	// frame but not necessarily for the function's locals, so the
	// function might have grown its own segment immediately. If so,
	// back up to the older header, the one the trampoline made.
	// The argp comparison checks that the argument frame copied
	// during the split abuts the old top of stack.
	oldtop := top.prev
	if oldtop != nil && top.argp == oldtop.addr-uintptr(top.argsize) {
		top = oldtop
	}

	// Now we have the segment that was created to run this call.
	// It must have been marked as a panic segment.
	if !top.panic {
		return nil
	}

	p.recovered = true
	return p.arg
}
