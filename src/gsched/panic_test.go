// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsched

import (
	"bytes"
	"sync"
	"testing"
)

func TestDeferLIFO(t *testing.T) {
	gp := newTestG()
	var order []int
	mk := func(n int) *funcval {
		return &funcval{fn: func(*G, uintptr) { order = append(order, n) }}
	}
	callfn(gp, &funcval{fn: func(g *G, argp uintptr) {
		deferproc(g, 0, mk(1), argp)
		deferproc(g, 0, mk(2), argp)
		deferproc(g, 0, mk(3), argp)
	}}, nil, 0, 64)
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("defer order = %v, want [3 2 1]", order)
	}
	if gp._defer != nil {
		t.Fatal("defer chain not empty after return")
	}
}

func TestDeferArgSnapshot(t *testing.T) {
	gp := newTestG()
	initial := []byte{1, 1, 1, 1, 1, 1, 1, 1}
	var seen []byte
	checker := &funcval{fn: func(g *G, argp uintptr) {
		seen = make([]byte, 8)
		stkread(seen, argp)
	}}
	callfn(gp, &funcval{fn: func(g *G, argp uintptr) {
		deferproc(g, 8, checker, argp)
		// Clobber the frame after the snapshot was taken.
		stkwrite(argp, []byte{9, 9, 9, 9, 9, 9, 9, 9})
	}}, initial, 8, 64)
	// The deferred call ran with the frame's argument snapshot.
	if !bytes.Equal(seen, initial) {
		t.Fatalf("deferred call saw %v, want %v", seen, initial)
	}
}

func TestDeferArgpMatching(t *testing.T) {
	gp := newTestG()
	ran := false
	callfn(gp, &funcval{fn: func(g *G, argp uintptr) {
		// A defer registered against a different frame must not
		// run at this frame's exit.
		deferproc(g, 0, &funcval{fn: func(*G, uintptr) { ran = true }}, argp-16)
	}}, nil, 0, 64)
	if ran {
		t.Fatal("defer with foreign argp ran at frame exit")
	}
	if gp._defer == nil {
		t.Fatal("mismatched defer fell off the chain")
	}
	gp._defer = nil
}

func TestDeferPool(t *testing.T) {
	schedinit()
	d := newdefer(16)
	freedefer(d)
	lock(&deferpool.lock)
	pooled := deferpool.free == d
	unlock(&deferpool.lock)
	if !pooled {
		t.Fatal("freed defer record not pooled")
	}
	if d2 := newdefer(8); d2 != d {
		t.Fatal("pooled defer record not reused")
	}

	d.nofree = true
	freedefer(d)
	lock(&deferpool.lock)
	pooled = deferpool.free == d
	unlock(&deferpool.lock)
	if pooled {
		t.Fatal("nofree defer record entered the pool")
	}
}

func TestRecoverWithoutPanic(t *testing.T) {
	gp := newTestG()
	callfn(gp, &funcval{fn: func(g *G, argp uintptr) {
		if v := gorecover(g, argp); v != nil {
			t.Errorf("recover with no panic = %v, want nil", v)
		}
	}}, nil, 0, 64)
}

func TestPanicRecover(t *testing.T) {
	startSched(1)
	var res struct {
		first, second interface{}
		ret           uintptr
		resumed       bool
		pastPanic     bool
	}
	rfn := &funcval{fn: func(g *G, argp uintptr) {
		res.first = gorecover(g, argp)
		res.second = gorecover(g, argp)
	}}
	bfn := &funcval{fn: func(g *G, argp uintptr) {
		deferproc(g, 0, rfn, argp)
		gopanic(g, "boom")
		res.pastPanic = true
	}}
	var wg sync.WaitGroup
	wg.Add(1)
	Go(nil, func(gp *G) {
		defer wg.Done()
		res.ret = reflectcall(gp, bfn, nil, 0)
		res.resumed = true
	})
	begin()
	wg.Wait()

	if res.first != "boom" {
		t.Errorf("recover = %v, want %q", res.first, "boom")
	}
	if res.second != nil {
		t.Errorf("second recover = %v, want nil", res.second)
	}
	if res.ret != 1 {
		t.Errorf("recovered frame returned %d, want 1", res.ret)
	}
	if !res.resumed {
		t.Error("caller did not resume after recovery")
	}
	if res.pastPanic {
		t.Error("execution continued past the panic")
	}
	waitidle(t)
}

func TestRecoverOutsideTopFrame(t *testing.T) {
	startSched(1)
	var fromHelper, fromTop interface{}
	helper := &funcval{fn: func(g *G, argp uintptr) {
		// Not the top frame of the panic segment: no recovery.
		fromHelper = gorecover(g, argp)
	}}
	rfn := &funcval{fn: func(g *G, argp uintptr) {
		callfn(g, helper, nil, 0, 64)
		fromTop = gorecover(g, argp)
	}}
	bfn := &funcval{fn: func(g *G, argp uintptr) {
		deferproc(g, 0, rfn, argp)
		gopanic(g, "deep")
	}}
	var wg sync.WaitGroup
	wg.Add(1)
	Go(nil, func(gp *G) {
		defer wg.Done()
		reflectcall(gp, bfn, nil, 0)
	})
	begin()
	wg.Wait()
	if fromHelper != nil {
		t.Errorf("recover outside the top frame = %v, want nil", fromHelper)
	}
	if fromTop != "deep" {
		t.Errorf("recover at the top frame = %v, want %q", fromTop, "deep")
	}
	waitidle(t)
}

func TestRecoverOutsidePanicSegment(t *testing.T) {
	startSched(1)
	var got interface{} = "sentinel"
	rfn := &funcval{fn: func(g *G, argp uintptr) {
		// Run by deferreturn at the frame's exit, not by panic: no
		// panic is in flight and the segment is not panic-tagged,
		// so recover must return nil.
		got = gorecover(g, argp)
	}}
	var wg sync.WaitGroup
	wg.Add(1)
	Go(nil, func(gp *G) {
		defer wg.Done()
		reflectcall(gp, &funcval{fn: func(g *G, argp uintptr) {
			deferproc(g, 0, rfn, argp)
		}}, nil, 0)
	})
	begin()
	wg.Wait()
	if got != nil {
		t.Errorf("recover outside a panic segment = %v, want nil", got)
	}
	waitidle(t)
}

func TestRecursivePanic(t *testing.T) {
	startSched(1)
	var got interface{}
	var ret uintptr
	recoverer := &funcval{fn: func(g *G, argp uintptr) {
		got = gorecover(g, argp)
	}}
	midpanic := &funcval{fn: func(g *G, argp uintptr) {
		gopanic(g, "second")
	}}
	bfn := &funcval{fn: func(g *G, argp uintptr) {
		deferproc(g, 0, recoverer, argp)
		deferproc(g, 0, midpanic, argp)
		gopanic(g, "first")
	}}
	var wg sync.WaitGroup
	wg.Add(1)
	var after *_panic
	Go(nil, func(gp *G) {
		defer wg.Done()
		ret = reflectcall(gp, bfn, nil, 0)
		after = gp._panic
	})
	begin()
	wg.Wait()
	if got != "second" {
		t.Errorf("recover = %v, want %q", got, "second")
	}
	if ret != 1 {
		t.Errorf("recovered frame returned %d, want 1", ret)
	}
	// The first panic was superseded, not recovered: its record is
	// still chained.
	if after == nil || after.arg != "first" || after.recovered {
		t.Error("outer panic record not left in flight")
	}
	waitidle(t)
}

func TestGoexitRunsDefers(t *testing.T) {
	startSched(1)
	var order []int
	var afterExit, afterFrame bool
	mk := func(n int) *funcval {
		return &funcval{fn: func(*G, uintptr) { order = append(order, n) }}
	}
	var wg sync.WaitGroup
	wg.Add(1)
	Go(nil, func(gp *G) {
		defer wg.Done()
		reflectcall(gp, &funcval{fn: func(g *G, argp uintptr) {
			deferproc(g, 0, mk(1), argp)
			deferproc(g, 0, mk(2), argp)
			g.Goexit()
			afterExit = true
		}}, nil, 0)
		afterFrame = true
	})
	begin()
	wg.Wait()
	waitidle(t)
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("defer order = %v, want [2 1]", order)
	}
	if afterExit || afterFrame {
		t.Fatal("execution continued past Goexit")
	}
	if n := Goroutines(); n != 0 {
		t.Fatalf("Goroutines = %d after Goexit, want 0", n)
	}
}

func TestPanicSegmentTagging(t *testing.T) {
	startSched(1)
	var tagged, cleared bool
	rfn := &funcval{fn: func(g *G, argp uintptr) {
		tagged = g.curtop.panic
		cleared = !g.ispanic
		gorecover(g, argp)
	}}
	var wg sync.WaitGroup
	wg.Add(1)
	Go(nil, func(gp *G) {
		defer wg.Done()
		reflectcall(gp, &funcval{fn: func(g *G, argp uintptr) {
			deferproc(g, 0, rfn, argp)
			gopanic(g, 1)
		}}, nil, 0)
	})
	begin()
	wg.Wait()
	if !tagged {
		t.Error("deferred call segment not panic-tagged")
	}
	if !cleared {
		t.Error("ispanic not consumed by newstack")
	}
	waitidle(t)
}
