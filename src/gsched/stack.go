// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsched

import (
	"sort"

	"github.com/veezhang/gsched/internal/sys"
)

// Stack layout parameters.
const (
	// stackSystem is extra space at the top of each segment for
	// system-specific purposes. None needed here.
	stackSystem = 0

	// stackGuard is the guard band between the lowest usable sp
	// and the segment base. Calls made while sp is near stackguard
	// may still push their arguments into the band.
	stackGuard = 256

	// stackMin is the minimum size of a stack segment.
	stackMin = 4096

	// stackExtra is room kept above a grown frame for more
	// functions and the segment header.
	stackExtra = 1024

	// fixedStack is the allocation size class served by the per-M
	// segment caches.
	fixedStack = stackMin + stackSystem

	// stktopSize is the virtual footprint of a segment header.
	stktopSize = 64
)

// A stkblock is one allocation in the stack arena: a range of the
// virtual stack address space backed by host memory.
type stkblock struct {
	base uintptr
	size uintptr
	mem  []byte
	link *stkblock // free list
}

// The stack arena. Virtual addresses are carved monotonically and
// never reused for a different block, so address arithmetic stays
// valid across free and reallocation.
var stacks struct {
	lock    mutex
	blocks  []*stkblock // all blocks, sorted by base
	next    uintptr     // next address to carve
	central fixalloc    // fixed-size free list for callers with no M
	large   *stkblock   // free list of odd-sized segments
}

const stackArenaBase = 0x10000

func stkinit() {
	lock(&stacks.lock)
	stacks.blocks = nil
	stacks.next = stackArenaBase
	stacks.central.init(fixedStack)
	stacks.large = nil
	unlock(&stacks.lock)
}

// stkcarve allocates a fresh block of n bytes from the arena.
// stacks.lock must be held.
func stkcarve(n uintptr) *stkblock {
	blk := &stkblock{
		base: stacks.next,
		size: n,
		mem:  make([]byte, n),
	}
	// Leave a hole between blocks so off-by-one addresses fault
	// in stkfind instead of landing in a neighbor.
	stacks.next += n + stackGuard
	stacks.blocks = append(stacks.blocks, blk)
	return blk
}

// stkfind returns the block containing addr.
func stkfind(addr uintptr) *stkblock {
	lock(&stacks.lock)
	i := sort.Search(len(stacks.blocks), func(i int) bool {
		return stacks.blocks[i].base > addr
	})
	var blk *stkblock
	if i > 0 {
		blk = stacks.blocks[i-1]
	}
	unlock(&stacks.lock)
	if blk == nil || addr >= blk.base+blk.size {
		print("gsched: bad stack address ", addr, "\n")
		throw("bad stack address")
	}
	return blk
}

// stkwrite copies b into stack memory at addr.
func stkwrite(addr uintptr, b []byte) {
	if len(b) == 0 {
		return
	}
	blk := stkfind(addr)
	off := addr - blk.base
	if off+uintptr(len(b)) > blk.size {
		throw("stack write out of segment")
	}
	copy(blk.mem[off:], b)
}

// stkread fills dst from stack memory at addr.
func stkread(dst []byte, addr uintptr) {
	if len(dst) == 0 {
		return
	}
	blk := stkfind(addr)
	off := addr - blk.base
	if off+uintptr(len(dst)) > blk.size {
		throw("stack read out of segment")
	}
	copy(dst, blk.mem[off:])
}

// stkmove copies n bytes of stack memory from src to dst, possibly
// across segments.
func stkmove(dst, src uintptr, n uint32) {
	if n == 0 {
		return
	}
	tmp := make([]byte, n)
	stkread(tmp, src)
	stkwrite(dst, tmp)
}

// fixalloc is a simple free-list allocator for fixed-size stack
// segments. The caller is responsible for locking around fixalloc
// calls; each M owns one for segment recycling affinity, and
// stacks.central serves callers with no M.
type fixalloc struct {
	size  uintptr
	list  *stkblock
	inuse uintptr // in-use bytes now
}

func (f *fixalloc) init(size uintptr) {
	f.size = size
	f.list = nil
	f.inuse = 0
}

func (f *fixalloc) alloc() *stkblock {
	if f.size == 0 {
		print("gsched: use of fixalloc before init\n")
		throw("gsched: internal error")
	}
	if f.list != nil {
		blk := f.list
		f.list = blk.link
		f.inuse += f.size
		return blk
	}
	blk := stkcarve(f.size)
	f.inuse += f.size
	return blk
}

func (f *fixalloc) free(blk *stkblock) {
	f.inuse -= f.size
	blk.link = f.list
	f.list = blk
}

// stackalloc allocates a segment of n bytes and returns its base
// address. Fixed-size segments come from the M's cache.
func stackalloc(mp *M, n uint32) uintptr {
	if mp != nil {
		mp.mallocing++
		defer func() { mp.mallocing-- }()
	}
	lock(&stacks.lock)
	var blk *stkblock
	if uintptr(n) == fixedStack {
		f := &stacks.central
		if mp != nil {
			f = mp.stackalloc
		}
		blk = f.alloc()
	} else {
		for p := &stacks.large; *p != nil; p = &(*p).link {
			if (*p).size == uintptr(n) {
				blk = *p
				*p = blk.link
				break
			}
		}
		if blk == nil {
			blk = stkcarve(uintptr(n))
		}
	}
	unlock(&stacks.lock)
	return blk.base
}

// stackfree returns the segment at base, of size n, to the allocator.
func stackfree(mp *M, base uintptr, n uintptr) {
	blk := stkfind(base)
	if blk.base != base || blk.size != n {
		throw("stackfree of bad segment")
	}
	lock(&stacks.lock)
	if n == fixedStack {
		f := &stacks.central
		if mp != nil {
			f = mp.stackalloc
		}
		f.free(blk)
	} else {
		blk.link = stacks.large
		stacks.large = blk
	}
	unlock(&stacks.lock)
}

// mstackalloc runs on the scheduler task to allocate a stack segment
// on behalf of a task that asked via mcall.
func mstackalloc(mp *M, gp *G) {
	gp.param = stackalloc(mp, uint32(gp.param))
	gogo(gp, 0)
}

// malg allocates a new G with a stack of the given size. curg is the
// task making the request, or nil when called from the scheduler or
// from outside the scheduled world.
func malg(curg *G, stacksize int32) *G {
	newg := &G{wake: make(chan uintptr, 1)}
	if stacksize >= 0 {
		size := uintptr(stackSystem) + uintptr(stacksize)
		var stk uintptr
		if curg == nil || curg.m == nil || curg == curg.m.g0 {
			var mp *M
			if curg != nil {
				mp = curg.m
			}
			stk = stackalloc(mp, uint32(size))
		} else {
			// Stack allocation happens on the scheduler task.
			curg.param = size
			mcall(curg, mstackalloc)
			stk = curg.param
			curg.param = 0
		}
		newg.stack0 = stk
		newg.stackguard = stk + stackGuard
		newg.stackbase = stk + size - stktopSize
		newg.curtop = &stktop{addr: newg.stackbase}
		newg.cursp = newg.stackbase
	}
	return newg
}

// newstack sets up the frame whose prologue did not fit: it pushes a
// segment header and, unless the reflectcall special case applies,
// splices a freshly allocated segment under the task. The pending
// call is described by the M's more* fields. It returns the virtual
// address of the frame's argument area.
func newstack(gp *G) uintptr {
	mp := gp.m
	framesize := mp.moreframesize
	argsize := mp.moreargsize

	if mp.morebuf.sp < gp.stackguard-stackGuard {
		print("gsched: split stack overflow: ", mp.morebuf.sp, " < ", gp.stackguard-stackGuard, "\n")
		throw("gsched: split stack overflow")
	}
	if argsize%sys.PtrSize != 0 {
		print("gsched: stack split with misaligned argsize ", argsize, "\n")
		throw("gsched: stack split argsize")
	}

	reflectcall := framesize == 1
	if reflectcall {
		framesize = 0
	}

	var top *stktop
	var stk, free uintptr
	if reflectcall && mp.morebuf.sp > gp.stackguard+stktopSize+uintptr(argsize)+32 {
		// Called from the reflective-call trampoline to run code
		// with an arbitrary argument size, and there is enough
		// space on the current segment. The new header is
		// necessary to unwind, but we don't need a new segment.
		top = &stktop{addr: mp.morebuf.sp - stktopSize}
		stk = gp.stackguard - stackGuard
		free = 0
	} else {
		fsize := uintptr(framesize) + uintptr(argsize)
		fsize += stackExtra // room for more functions, stktop
		if fsize < stackMin {
			fsize = stackMin
		}
		fsize += stackSystem
		stk = stackalloc(mp, uint32(fsize))
		top = &stktop{addr: stk + fsize - stktopSize}
		free = fsize
	}

	top.stackbase = gp.stackbase
	top.stackguard = gp.stackguard
	top.gobuf = mp.morebuf
	top.argp = mp.moreargp
	top.argsize = argsize
	top.free = free

	// copy flag from panic
	top.panic = gp.ispanic
	gp.ispanic = false

	top.prev = gp.curtop
	gp.curtop = top
	gp.stackbase = top.addr
	gp.stackguard = stk + stackGuard

	sp := top.addr
	if argsize > 0 {
		sp -= uintptr(argsize)
		stkmove(sp, mp.moreargp, argsize)
	}
	return sp
}

// oldstack pops the current segment header when the frame that grew
// the stack returns: results are copied back down to the caller's
// frame, the segment is freed if one was allocated, and the bounds
// of the parent segment are restored.
func oldstack(gp *G) {
	mp := gp.m
	top := gp.curtop
	if top == nil || top.addr != gp.stackbase {
		throw("bad stack header in oldstack")
	}
	old := *top
	if old.gobuf.g != gp {
		throw("bad gobuf in oldstack")
	}
	sp := top.addr
	if old.argsize > 0 {
		sp -= uintptr(old.argsize)
		stkmove(old.argp, sp, old.argsize)
	}
	stk := gp.stackguard - stackGuard
	if old.free != 0 {
		stackfree(mp, stk, old.free)
	}
	gp.stackbase = old.stackbase
	gp.stackguard = old.stackguard
	gp.curtop = top.prev
	gp.cursp = old.gobuf.sp
}

// unwindstack frees stack segments from the top until it reaches the
// segment containing sp, or the base segment if sp is 0. It must run
// on the scheduler task, never on the task being unwound.
func unwindstack(mp *M, gp *G, sp uintptr) {
	if mp != nil && gp == mp.g0 {
		throw("unwindstack on self")
	}
	for {
		top := gp.curtop
		if top == nil || top.stackbase == 0 {
			break
		}
		stk := gp.stackguard - stackGuard
		// A zero-argsize frame sits exactly at the header address,
		// so the containment check is inclusive at the top.
		if sp != 0 && stk <= sp && sp <= gp.stackbase {
			break
		}
		gp.stackbase = top.stackbase
		gp.stackguard = top.stackguard
		gp.curtop = top.prev
		if top.free != 0 {
			stackfree(mp, stk, top.free)
		}
	}
	if sp != 0 && (sp < gp.stackguard-stackGuard || gp.stackbase < sp) {
		print("recover: ", sp, " not in [", gp.stackguard-stackGuard, ", ", gp.stackbase, "]\n")
		throw("bad unwindstack")
	}
}

// callfn runs fn in a tracked frame of the given frame and argument
// sizes, with args copied onto the task's stack. If the frame does
// not fit on the current segment the call grows through newstack and
// shrinks back through oldstack on return. A framesize of 1 is the
// reflective-call sentinel: the frame always gets a segment header,
// sized for the argument frame alone.
func callfn(gp *G, fn *funcval, args []byte, argsize uint32, framesize uint32) uintptr {
	mp := gp.m
	reflect := framesize == 1

	if !reflect && gp.cursp >= gp.stackguard+uintptr(argsize)+uintptr(framesize)+sys.PtrSize {
		// Frame fits on the current segment. The extra pointer is
		// the caller's saved link slot, which keeps every frame's
		// argument area at a distinct address.
		sp := gp.cursp - uintptr(argsize)
		if argsize > 0 {
			stkwrite(sp, args[:argsize])
		}
		oldsp := gp.cursp
		gp.cursp = sp - uintptr(framesize) - sys.PtrSize
		ret := docall(gp, fn, sp)
		gp.cursp = oldsp
		return ret
	}

	// The caller pushes the arguments into its own frame (the
	// guard band guarantees room), then traps into newstack.
	if gp.cursp < gp.stackguard-stackGuard+uintptr(argsize) {
		throw("stack overflow")
	}
	sp0 := gp.cursp - uintptr(argsize)
	if argsize > 0 {
		stkwrite(sp0, args[:argsize])
	}
	oldsp := gp.cursp
	mp.morebuf.sp = sp0
	mp.morebuf.pc = getcallerpc()
	mp.morebuf.g = gp
	mp.moreargp = sp0
	mp.moreargsize = argsize
	mp.moreframesize = framesize

	argp := newstack(gp)
	fs := framesize
	if fs == 1 {
		fs = 0
	}
	gp.cursp = argp - uintptr(fs) - sys.PtrSize
	ret := docall(gp, fn, argp)
	mp.cret = ret
	oldstack(gp)
	gp.cursp = oldsp
	return mp.cret
}

// reflectcall runs fn with an argument frame of arbitrary size in a
// frame that always carries a segment header. The defer and panic
// machinery runs deferred calls through here.
func reflectcall(gp *G, fn *funcval, args []byte, argsize uint32) uintptr {
	return callfn(gp, fn, args, argsize, 1)
}
