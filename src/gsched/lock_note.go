// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gsched

import "sync"

// Mutual exclusion locks. The scheduler uses the runtime calling
// convention, lock(&l) / unlock(&l), over a host mutex.
// A zeroed mutex is unlocked.
type mutex struct {
	mu sync.Mutex
}

func lock(l *mutex) {
	l.mu.Lock()
}

func unlock(l *mutex) {
	l.mu.Unlock()
}

// Sleep and wakeup on one-time events.
// Before any calls to notesleep or notewakeup, must call noteclear
// to initialize the note. Then, exactly one thread can call notesleep
// and exactly one thread can call notewakeup (once). Once notewakeup
// has been called, the notesleep will return. Future notesleep calls
// will return immediately. Subsequent noteclear must be called only
// after a previous notesleep has returned.
type note struct {
	ch chan struct{}
}

func noteclear(n *note) {
	n.ch = make(chan struct{})
}

func notewakeup(n *note) {
	select {
	case <-n.ch:
		throw("notewakeup - double wakeup")
	default:
	}
	close(n.ch)
}

func notesleep(n *note) {
	<-n.ch
}
