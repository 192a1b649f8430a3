// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsched

import (
	"os"
	"strconv"
	"unsafe"

	"github.com/veezhang/gsched/internal/atomic"
)

// Task scheduler
//
// The scheduler's job is to match ready-to-run tasks (G's) with
// waiting-for-work workers (M's). If there are ready G's and no
// waiting M's, the matcher starts a new M running in a new OS
// thread, so that all ready G's can run simultaneously, up to a
// limit. For now, M's never go away.
//
// By default only one worker runs user code at a time; other workers
// may be blocked in the operating system. Setting $GOMAXPROCS or
// calling GOMAXPROCS changes the number of workers allowed to
// execute simultaneously.

const debug = false

// The atomic word in sched holds these fields.
//
//	[15 bits] mcpu		number of m's executing on cpu
//	[15 bits] mcpumax	max number of m's allowed on cpu
//	[1 bit] waitstop	some g is waiting on stopped
//	[1 bit] gwaiting	gwait != 0
//
// These fields are the information needed by entersyscall and
// exitsyscall to decide whether to coordinate with the scheduler.
// Packing them into a single word lets those paths use a single
// atomic read-modify-write and no lock/unlock. This greatly reduces
// contention in syscall-heavy programs.
//
// Except for entersyscall and exitsyscall, the manipulations to
// these fields only happen while holding the schedlock, so the
// routines holding schedlock only need to worry about what
// entersyscall and exitsyscall do, not the other routines.
//
// In particular, outside the schedlock entersyscall and exitsyscall
// only read mcpumax, waitstop, and gwaiting; entersyscall clears
// waitstop only on its slow path, with schedlock held. Thus, writes to
// those fields can be done (holding schedlock) without fear of
// write conflicts. There may still be logic conflicts: for example,
// the set of waitstop must be conditioned on mcpu >= mcpumax or else
// the wait may be a spurious sleep.
const (
	mcpuWidth = 15
	mcpuMask  = 1<<mcpuWidth - 1
	mcpuShift = 0

	mcpumaxShift  = mcpuShift + mcpuWidth
	waitstopShift = mcpumaxShift + mcpuWidth
	gwaitingShift = waitstopShift + 1

	// The max value of GOMAXPROCS is constrained by the bit fields
	// of the atomic word. Reserve a few high values so that we can
	// detect accidental decrement beyond zero.
	maxgomaxprocs = mcpuMask - 10
)

func atomicMcpu(v uint32) int32    { return int32(v >> mcpuShift & mcpuMask) }
func atomicMcpumax(v uint32) int32 { return int32(v >> mcpumaxShift & mcpuMask) }
func atomicWaitstop(v uint32) bool { return v>>waitstopShift&1 != 0 }
func atomicGwaiting(v uint32) bool { return v>>gwaitingShift&1 != 0 }

func setmcpumax(n uint32) {
	for {
		v := atomic.Load(&sched.atomic)
		w := v
		w &^= mcpuMask << mcpumaxShift
		w |= n << mcpumaxShift
		if atomic.Cas(&sched.atomic, v, w) {
			break
		}
	}
}

// The bootstrap sequence is:
//
//	call schedinit
//	make & queue the main G
//	call initdone
//
// Run drives the sequence and then waits for the world to exit.
// schedinit reinitializes the scheduler from scratch, which is also
// how tests reset it.
func schedinit() {
	sched.gfree = nil
	sched.goidgen = 0
	sched.ghead = nil
	sched.gtail = nil
	sched.gwait = 0
	sched.gcount = 0
	sched.grunning = 0
	sched.mhead = nil
	sched.mwait = 0
	sched.mcount = 0
	sched.atomic = 0
	sched.profilehz = 0
	sched.exitcode = 0
	sched.exited = false
	noteclear(&sched.stopped)
	noteclear(&sched.done)
	allg = nil
	lastg = nil
	allm = nil
	mwakeup = nil
	gcwaiting = 0
	stkinit()

	gomaxprocs = 1
	if p := os.Getenv("GOMAXPROCS"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			if n > maxgomaxprocs {
				n = maxgomaxprocs
			}
			gomaxprocs = int32(n)
		}
	}
	setmcpumax(uint32(gomaxprocs))
	singleproc = gomaxprocs == 1
	sched.predawn = true
}

// Lock the scheduler. mp is the worker doing the locking, or nil
// when the caller is not running on a worker.
func schedlock(mp *M) {
	lock(&sched.lock)
	if mp != nil {
		mp.locks++
	}
}

// Unlock the scheduler, delivering the batched worker wakeup
// recorded by mnextg now that the lock is no longer held.
func schedunlock(mp *M) {
	wake := mwakeup
	mwakeup = nil
	if mp != nil {
		mp.locks--
	}
	unlock(&sched.lock)
	if wake != nil {
		notewakeup(&wake.havenextg)
	}
}

// Called after the main task is queued; main will start on return.
func initdone() {
	sched.predawn = false

	// If anything was spawned pre-dawn, kick off new m's to handle
	// it, like ready would have, had it not been pre-dawn.
	schedlock(nil)
	matchmg(nil)
	schedunlock(nil)
}

func mcommoninit(mp *M) {
	// Add to allm so walkers can enumerate workers. Iteration can
	// happen without schedlock, so publish it safely.
	mp.alllink = allm
	atomic.StorepNoWB(unsafe.Pointer(&allm), unsafe.Pointer(mp))

	mp.id = sched.mcount
	sched.mcount++
	mp.stackalloc = new(fixalloc)
	mp.stackalloc.init(fixedStack)
	mp.calls = make(chan mcallreq, 1)
}

// Try to increment mcpu. Report whether succeeded.
func canaddmcpu() bool {
	for {
		v := atomic.Load(&sched.atomic)
		if atomicMcpu(v) >= atomicMcpumax(v) {
			return false
		}
		if atomic.Cas(&sched.atomic, v, v+1<<mcpuShift) {
			return true
		}
	}
}

// Put on `g' queue. Sched must be locked.
func gput(gp *G) {
	// If g is wired, hand it off directly.
	if mp := gp.lockedm; mp != nil && canaddmcpu() {
		mnextg(mp, gp)
		return
	}

	// If g is the idle goroutine for an m, hand it off.
	if gp.idlem != nil {
		if gp.idlem.idleg != nil {
			print("m", gp.idlem.id, " idle out of sync: g", gp.idlem.idleg.goid, " g", gp.goid, "\n")
			throw("gsched: double idle")
		}
		gp.idlem.idleg = gp
		return
	}

	gp.schedlink = nil
	if sched.ghead == nil {
		sched.ghead = gp
	} else {
		sched.gtail.schedlink = gp
	}
	sched.gtail = gp

	// increment gwait.
	// if it transitions to nonzero, set atomic gwaiting bit.
	// gwaiting is the sign bit of the word, so the same
	// two's-complement delta sets and clears it.
	if sched.gwait == 0 {
		atomic.Xadd(&sched.atomic, -1<<gwaitingShift)
	}
	sched.gwait++
}

// Report whether gget would return something.
func haveg(mp *M) bool {
	return sched.ghead != nil || (mp != nil && mp.idleg != nil)
}

// Get from `g' queue. Sched must be locked.
func gget(mp *M) *G {
	gp := sched.ghead
	if gp != nil {
		sched.ghead = gp.schedlink
		if sched.ghead == nil {
			sched.gtail = nil
		}
		// decrement gwait.
		// if it transitions to zero, clear atomic gwaiting bit.
		sched.gwait--
		if sched.gwait == 0 {
			atomic.Xadd(&sched.atomic, -1<<gwaitingShift)
		}
	} else if mp != nil && mp.idleg != nil {
		gp = mp.idleg
		mp.idleg = nil
	}
	return gp
}

// Put on `m' list. Sched must be locked.
func mput(mp *M) {
	mp.schedlink = sched.mhead
	sched.mhead = mp
	sched.mwait++
}

// Get an `m' to run `g'. Sched must be locked.
func mget(gp *G) *M {
	// if g has its own m, use it.
	if mp := gp.lockedm; mp != nil {
		return mp
	}

	// otherwise use general m pool.
	mp := sched.mhead
	if mp != nil {
		sched.mhead = mp.schedlink
		sched.mwait--
	}
	return mp
}

// Mark gp ready to run. Sched is already locked, and mp is the
// worker of the caller, if any. The task might be running already
// and about to stop; the sched lock protects its status from
// changing underfoot.
func readylocked(mp *M, gp *G) {
	if gp.m != nil {
		// Running on another worker. Ready it when it stops.
		gp.readyonstop = true
		return
	}

	// Mark runnable.
	if gp.status == _Grunnable || gp.status == _Grunning {
		print("goroutine ", gp.goid, " has status ", statusString(gp), "\n")
		throw("bad g->status in ready")
	}
	gp.status = _Grunnable

	gput(gp)
	if !sched.predawn {
		matchmg(mp)
	}
}

// Ready marks gp, a task that parked itself in _Gwaiting, ready to
// run. External blocking primitives call it when the event the task
// is waiting on has happened.
func Ready(gp *G) {
	schedlock(nil)
	readylocked(nil, gp)
	schedunlock(nil)
}

// Same as readylocked but a different name so that stack traces of
// new tasks are recognizable.
func newprocreadylocked(mp *M, gp *G) {
	readylocked(mp, gp)
}

// Pass gp to mp for running. Caller has already incremented mcpu.
func mnextg(mp *M, gp *G) {
	sched.grunning++
	mp.nextg = gp
	if mp.waitnextg != 0 {
		mp.waitnextg = 0
		if mwakeup != nil {
			notewakeup(&mwakeup.havenextg)
		}
		mwakeup = mp
	}
}

// Get the next task that mp should run. Sched must be locked on
// entry, is unlocked on exit. Makes sure that at most mcpumax
// workers are running on cpus (not in system calls) at any given
// time.
func nextgandunlock(mp *M) *G {
	if atomicMcpu(atomic.Load(&sched.atomic)) >= maxgomaxprocs {
		throw("negative mcpu")
	}

	// If there is a g waiting as m->nextg, the mcpu++
	// happened before it was passed to mnextg.
	if mp.nextg != nil {
		gp := mp.nextg
		mp.nextg = nil
		schedunlock(mp)
		return gp
	}

	if mp.lockedg != nil {
		// We can only run one g, and it's not available.
		// Make sure some other cpu is running to handle
		// the ordinary run queue.
		if sched.gwait != 0 {
			matchmg(mp)
			// m->lockedg might have been on the queue.
			if mp.nextg != nil {
				gp := mp.nextg
				mp.nextg = nil
				schedunlock(mp)
				return gp
			}
		}
	} else {
		// Look for work on global queue.
		for haveg(mp) && canaddmcpu() {
			gp := gget(mp)
			if gp == nil {
				throw("gget inconsistency")
			}

			if gp.lockedm != nil {
				mnextg(gp.lockedm, gp)
				continue
			}
			sched.grunning++
			schedunlock(mp)
			return gp
		}

		// The loop ended either because the g queue is empty or
		// because we have maxed out our m procs running go code
		// (mcpu >= mcpumax). We need to check that concurrent
		// actions by entersyscall/exitsyscall cannot invalidate
		// the decision to end the loop.
		//
		// We hold the sched lock, so no one else is manipulating
		// the g queue or changing mcpumax. Entersyscall can
		// decrement mcpu, but if it does so when there is
		// something on the g queue, the gwait bit will be set, so
		// entersyscall will take the slow path and use the sched
		// lock. So it cannot invalidate our decision.
		//
		// Wait on global m queue.
		mput(mp)
	}

	v := atomic.Load(&sched.atomic)
	if sched.grunning == 0 && !sched.exited {
		throw("all goroutines are asleep - deadlock!")
	}
	mp.nextg = nil
	mp.waitnextg = 1
	noteclear(&mp.havenextg)

	// Stoptheworld is waiting for all but its cpu to go to stop.
	// Entersyscall might have decremented mcpu too, but if so it
	// will see the waitstop and take the slow path. Exitsyscall can
	// push mcpu past mcpumax, but then it reschedules through
	// gosched, and schedule takes the increment back.
	if atomicWaitstop(v) && atomicMcpu(v) <= atomicMcpumax(v) {
		// set waitstop = 0 (known to be 1)
		atomic.Xadd(&sched.atomic, -1<<waitstopShift)
		notewakeup(&sched.stopped)
	}
	schedunlock(mp)

	notesleep(&mp.havenextg)
	gp := mp.nextg
	if gp == nil {
		throw("bad m->nextg in nextgoroutine")
	}
	mp.nextg = nil
	return gp
}

// Kick off new m's as needed (up to mcpumax). mp is the calling
// worker, if any; matching is suppressed while it is allocating or
// collecting. Sched is locked.
func matchmg(mp *M) {
	if mp != nil && (mp.mallocing != 0 || mp.gcing != 0) {
		return
	}

	for haveg(mp) && canaddmcpu() {
		gp := gget(mp)
		if gp == nil {
			throw("gget inconsistency")
		}

		// Find the m that will run g.
		mp2 := mget(gp)
		if mp2 == nil {
			mp2 = new(M)
			mcommoninit(mp2)
			mp2.g0 = malg(nil, 8192)
			mp2.g0.m = mp2
			newosproc(mp2)
		}
		mnextg(mp2, gp)
	}
}

// Called to start an M. Runs on the worker's own OS thread.
func mstart(mp *M) {
	gp := mp.g0
	if gp == nil {
		throw("bad mstart")
	}

	// Record the scheduler task context for use by mcall. Once we
	// call schedule we're never coming back, so later switches
	// reuse this point through the calls loop.
	gosave(gp)
	gp.sched.pc = ^uintptr(0) // make sure it is never used

	minit(mp)
	schedule(mp, nil)
	for {
		req := <-mp.calls
		req.fn(mp, req.gp)
	}
}

// One round of scheduler: find a task and run it. The argument is
// the task that was running before schedule was called, or nil if
// this is the worker's first call. Control returns to the mstart
// loop once the chosen task has been dispatched.
func schedule(mp *M, gp *G) {
	schedlock(mp)
	if gp != nil {
		if sched.predawn {
			throw("init rescheduling")
		}

		// Just finished running gp.
		gp.m = nil
		sched.grunning--

		// atomic { mcpu-- }
		v := atomic.Xadd(&sched.atomic, -1<<mcpuShift)
		if atomicMcpu(v) > maxgomaxprocs {
			throw("negative mcpu in scheduler")
		}

		switch gp.status {
		case _Grunnable, _Gdead:
			// Shouldn't have been running!
			throw("bad gp->status in sched")
		case _Grunning:
			gp.status = _Grunnable
			gput(gp)
		case _Gmoribund:
			gp.status = _Gdead
			if gp.lockedm != nil {
				gp.lockedm = nil
				mp.lockedg = nil
			}
			gp.idlem = nil
			unwindstack(mp, gp, 0)
			gfput(gp)
			sched.gcount--
			if sched.gcount == 0 {
				exit(0)
			}
		}
		if gp.readyonstop {
			gp.readyonstop = false
			readylocked(mp, gp)
		}
	}

	// Find (or wait for) g to run. Unlocks sched.
	gp = nextgandunlock(mp)
	gp.readyonstop = false
	gp.status = _Grunning
	mp.curg = gp
	gp.m = mp
	if debug {
		print("m", mp.id, ": run g", gp.goid, "\n")
	}

	// Check whether the profiler needs to be turned on or off.
	hz := atomic.Loadint32(&sched.profilehz)
	if mp.profilehz != hz {
		resetcpuprofiler(mp, hz)
	}

	if gp.sched.pc == goexitPC { // kickoff
		gogocall(gp, gp.entry)
		return
	}
	gogo(gp, 0)
}

// gosched re-enters the scheduler: the current task is re-queued and
// everyone else who is waiting runs before it runs again.
func gosched(gp *G) {
	if gp.m.locks != 0 {
		throw("gosched holding locks")
	}
	if gp == gp.m.g0 {
		throw("gosched of g0")
	}
	mcall(gp, schedule)
}

// Gosched yields the processor, allowing other tasks to run. It does
// not suspend the task, which resumes automatically.
func (gp *G) Gosched() {
	gosched(gp)
}

// Goexit terminates the task, running all deferred calls first.
// No other task is affected.
func (gp *G) Goexit() {
	rundefer(gp)
	panic(&gexitunwind{g: gp})
}

// The task gp is about to enter a system call. Record that it's not
// using the cpu anymore. This is called by the task itself, just
// before making the blocking call.
//
// The fast path gets through without stopping if it does:
//	mcpu--
//	gwait not true
//	waitstop && mcpu <= mcpumax not true
// as a single atomic add; otherwise it takes the slow path under the
// scheduler lock. It's okay to call matchmg and notewakeup even
// after decrementing mcpu, because the lock is not released until
// the coordination is done.
func (gp *G) Entersyscall() {
	if sched.predawn {
		return
	}

	// Leave SP around for gc and traceback.
	gosave(gp)
	gp.gcsp = gp.sched.sp
	gp.gcstack = gp.stackbase
	gp.gcguard = gp.stackguard
	gp.status = _Gsyscall
	if gp.gcsp < gp.gcguard-stackGuard || gp.gcstack < gp.gcsp {
		throw("entersyscall")
	}

	v := atomic.Xadd(&sched.atomic, -1<<mcpuShift)
	if !atomicGwaiting(v) && (!atomicWaitstop(v) || atomicMcpu(v) > atomicMcpumax(v)) {
		return
	}

	mp := gp.m
	schedlock(mp)
	v = atomic.Load(&sched.atomic)
	if atomicGwaiting(v) {
		matchmg(mp)
		v = atomic.Load(&sched.atomic)
	}
	if atomicWaitstop(v) && atomicMcpu(v) <= atomicMcpumax(v) {
		atomic.Xadd(&sched.atomic, -1<<waitstopShift)
		notewakeup(&sched.stopped)
	}

	// Re-save sched in case one of the calls
	// (notewakeup, matchmg) triggered something using it.
	gosave(gp)
	gp.gcsp = gp.sched.sp

	schedunlock(mp)
}

// The task gp exited its system call. Arrange for it to run on a cpu
// again.
func (gp *G) Exitsyscall() {
	if sched.predawn {
		return
	}

	// Fast path: if we can do the mcpu++ bookkeeping and find that
	// we still have mcpu <= mcpumax, start executing immediately,
	// without schedlock/schedunlock.
	v := atomic.Xadd(&sched.atomic, 1<<mcpuShift)
	if gp.m.profilehz == atomic.Loadint32(&sched.profilehz) && atomicMcpu(v) <= atomicMcpumax(v) {
		// There's a cpu for us, so we can run.
		gp.status = _Grunning
		// Garbage collector isn't running (since we are),
		// so okay to clear gcstack.
		gp.gcstack = 0
		return
	}

	// Tell the scheduler to put g back on the run queue: mostly
	// equivalent to g->status = Grunning, but keeps an external
	// collector from thinking the task is running right now.
	gp.readyonstop = true

	// All the cpus are taken. The scheduler will ready g and put
	// this m to sleep. When the scheduler takes g away from m, it
	// will undo the mcpu++ above.
	gosched(gp)

	// Gosched returned, so we're allowed to run now. Delete the
	// gcstack information that we left for the garbage collector
	// during the system call. Must wait until now because until
	// gosched returns we don't know for sure that the garbage
	// collector is not running.
	gp.gcstack = 0
}

// StopTheWorld drains task parallelism to at most one worker, for
// use by a garbage collector. gp is the calling task, or nil when
// called from outside the scheduled world. The caller's own cpu
// counts against the limit.
func StopTheWorld(gp *G) {
	var mp *M
	if gp != nil {
		mp = gp.m
		mp.gcing = 1
	}
	schedlock(mp)
	gcwaiting = 1

	setmcpumax(1)

	// while mcpu > 1
	for {
		v := atomic.Load(&sched.atomic)
		if atomicMcpu(v) <= 1 {
			break
		}

		// It would be unsafe for multiple threads to be using
		// the stopped note at once, but there is only ever one
		// thread doing garbage collection.
		noteclear(&sched.stopped)
		if atomicWaitstop(v) {
			throw("invalid waitstop")
		}

		// atomic { waitstop = 1 }, predicated on mcpu <= 1 check
		// above still being true.
		if !atomic.Cas(&sched.atomic, v, v+1<<waitstopShift) {
			continue
		}

		schedunlock(mp)
		notesleep(&sched.stopped)
		schedlock(mp)
	}
	singleproc = gomaxprocs == 1
	schedunlock(mp)
}

// StartTheWorld undoes StopTheWorld: the parallelism ceiling is
// restored and the matcher restarts idle workers. gp must be the
// same task that stopped the world, or nil.
func StartTheWorld(gp *G) {
	var mp *M
	if gp != nil {
		mp = gp.m
		mp.gcing = 0
	}
	schedlock(mp)
	gcwaiting = 0
	setmcpumax(uint32(gomaxprocs))
	matchmg(mp)
	schedunlock(mp)
}

// Go creates a new task running fn and returns it. curg is the
// spawning task, or nil when spawning from outside the scheduled
// world.
func Go(curg *G, fn func(*G)) *G {
	pc := getcallerpc()
	return newproc1(curg, &funcval{fn: func(gp *G, _ uintptr) { fn(gp) }}, nil, 0, 0, pc)
}

// newproc1 creates a new task running fn with the narg bytes of
// arguments starting at args, reserving nret more bytes of results
// on its stack. The new task is placed on the ready queue.
func newproc1(curg *G, fn *funcval, args []byte, narg, nret int32, callerpc uintptr) *G {
	siz := narg + nret
	siz = (siz + 7) &^ 7

	// We could instead create a secondary stack frame and make it
	// look like the call to the task function was split. Not worth
	// it: this is almost always an error.
	if siz > stackMin-1024 {
		throw("gsched.newproc: function arguments too large for new goroutine")
	}

	var mp *M
	if curg != nil {
		mp = curg.m
	}
	schedlock(mp)

	newg := gfget()
	if newg != nil {
		if newg.stackguard-stackGuard != newg.stack0 {
			throw("invalid stack in newg")
		}
	} else {
		newg = malg(curg, stackMin)
		if lastg == nil {
			atomic.StorepNoWB(unsafe.Pointer(&allg), unsafe.Pointer(newg))
		} else {
			atomic.StorepNoWB(unsafe.Pointer(&lastg.alllink), unsafe.Pointer(newg))
		}
		lastg = newg
	}
	newg.status = _Gwaiting
	newg.waitreason = "new goroutine"

	sp := newg.stackbase
	sp -= uintptr(siz)
	if narg > 0 {
		stkwrite(sp, args[:narg])
	}

	newg.sched.sp = sp
	newg.sched.pc = goexitPC
	newg.sched.g = newg
	newg.entry = fn
	newg.gopc = callerpc

	sched.gcount++
	sched.goidgen++
	newg.goid = sched.goidgen

	newprocreadylocked(mp, newg)
	schedunlock(mp)

	return newg
}

// Put on gfree list. Sched must be locked.
func gfput(gp *G) {
	if gp.stackguard-stackGuard != gp.stack0 {
		throw("invalid stack in gfput")
	}
	gp.schedlink = sched.gfree
	sched.gfree = gp
}

// Get from gfree list. Sched must be locked.
func gfget() *G {
	gp := sched.gfree
	if gp != nil {
		sched.gfree = gp.schedlink
	}
	return gp
}

// Mark this task as its worker's idle task. The worker runs it only
// when nothing is on the ready queue. This can be used in
// environments limited to a single thread to simulate a
// select-driven network server.
func (gp *G) IdleGoroutine() {
	if gp.idlem != nil {
		throw("g is already an idle goroutine")
	}
	gp.idlem = gp.m
}

// LockOSThread wires the task to its current worker: it will always
// be scheduled back onto the same one.
func (gp *G) LockOSThread() {
	if sched.predawn {
		throw("cannot wire during init")
	}
	gp.m.lockedg = gp
	gp.lockedm = gp.m
}

// UnlockOSThread removes the wiring, if any.
func (gp *G) UnlockOSThread() {
	gp.m.lockedg = nil
	gp.lockedm = nil
}

// LockedOSThread reports whether the task is wired to its worker.
func (gp *G) LockedOSThread() bool {
	return gp.lockedm != nil && gp.m.lockedg != nil
}

// Mid returns the id of the worker currently running the task.
func (gp *G) Mid() int32 {
	return gp.m.id
}

// GOMAXPROCS sets the parallelism ceiling to n and returns the
// previous setting. If n < 1 it does not change the current setting.
// gp is the calling task, or nil from outside the scheduled world;
// a calling task may be rescheduled if the running count now exceeds
// the ceiling.
func GOMAXPROCS(gp *G, n int32) int32 {
	var mp *M
	if gp != nil {
		mp = gp.m
	}
	schedlock(mp)
	ret := gomaxprocs
	if n <= 0 {
		n = ret
	}
	if n > maxgomaxprocs {
		n = maxgomaxprocs
	}
	gomaxprocs = n
	if gomaxprocs > 1 {
		singleproc = false
	}
	if gcwaiting != 0 {
		if atomicMcpumax(atomic.Load(&sched.atomic)) != 1 {
			throw("invalid mcpumax during gc")
		}
		schedunlock(mp)
		return ret
	}

	setmcpumax(uint32(n))

	// If there are now fewer allowed procs than procs running,
	// stop.
	v := atomic.Load(&sched.atomic)
	if atomicMcpu(v) > n {
		schedunlock(mp)
		if gp != nil {
			gosched(gp)
		}
		return ret
	}
	// handle more procs
	matchmg(mp)
	schedunlock(mp)
	return ret
}

// Gomaxprocs returns the current parallelism ceiling.
func Gomaxprocs() int32 {
	return gomaxprocs
}

// Goroutines returns the number of tasks that currently exist. The
// raw count includes dead tasks not yet reclaimed for reuse.
func Goroutines() int32 {
	return sched.gcount
}

// Mcount returns the number of workers that have been created.
func Mcount() int32 {
	return sched.mcount
}

// Run boots the scheduler, spawns main as the first task, and blocks
// until the world exits, returning the exit status. The world exits
// with status 0 exactly when the last task terminates. On return
// every worker has parked, so the scheduler may be reinitialized.
func Run(main func(*G)) int32 {
	pc := getcallerpc()
	schedinit()
	newproc1(nil, &funcval{fn: func(gp *G, _ uintptr) { main(gp) }}, nil, 0, 0, pc)
	initdone()
	notesleep(&sched.done)
	mquiesce()
	return sched.exitcode
}

// mquiesce waits for every worker to finish its scheduler round and
// park.
func mquiesce() {
	for {
		schedlock(nil)
		v := atomic.Load(&sched.atomic)
		idle := atomicMcpu(v) == 0 && sched.grunning == 0 && sched.mwait == sched.mcount
		schedunlock(nil)
		if idle {
			return
		}
		osyield()
	}
}
