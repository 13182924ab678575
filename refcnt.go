package coru

import (
	uatomic "go.uber.org/atomic"
)

// refcnt is the intrusive reference counter shared by coroutines and
// channels. The runtime holds one reference per ready-queue entry; wait-queue
// membership is deliberately not counted, which is what breaks the cycle
// between a parked coroutine and the channel it is parked on (the token
// lives in the coroutine's own frame).
type refcnt struct {
	n       uatomic.Int32
	release func()
}

func (r *refcnt) init(release func()) {
	r.n.Store(1)
	r.release = release
}

func (r *refcnt) get() {
	r.n.Inc()
}

func (r *refcnt) put() {
	if r.n.Dec() == 0 && r.release != nil {
		r.release()
	}
}
